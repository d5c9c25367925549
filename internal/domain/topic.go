// Package domain defines the core types shared by the synchronization layer:
// topics, events, transport health, and the persisted outbox. Types that are
// stored are mapped with GORM and shared across the repository, collab and
// HTTP layers.
package domain

import (
	"errors"
	"strings"
)

// Topic identifies a stream of events, e.g. "incident:42:messages" or
// "user:7:notifications".
type Topic string

// TopicKind classifies a topic by the stream it carries.
type TopicKind string

const (
	TopicMessages      TopicKind = "messages"
	TopicNotifications TopicKind = "notifications"
)

// ErrInvalidTopic is returned by ParseTopic for names that match neither
// the incident-messages nor the user-notifications shape.
var ErrInvalidTopic = errors.New("invalid topic")

// MessagesTopic returns the message topic of an incident.
func MessagesTopic(incidentID string) Topic {
	return Topic("incident:" + incidentID + ":messages")
}

// NotificationsTopic returns the notification topic of a user.
func NotificationsTopic(userID string) Topic {
	return Topic("user:" + userID + ":notifications")
}

// ParseTopic validates a raw topic name.
func ParseTopic(raw string) (Topic, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 || strings.TrimSpace(parts[1]) == "" {
		return "", ErrInvalidTopic
	}
	switch {
	case parts[0] == "incident" && parts[2] == string(TopicMessages):
	case parts[0] == "user" && parts[2] == string(TopicNotifications):
	default:
		return "", ErrInvalidTopic
	}
	return Topic(strings.Join(parts, ":")), nil
}

// Valid reports whether t is a well-formed topic name in canonical form.
func (t Topic) Valid() bool {
	p, err := ParseTopic(string(t))
	return err == nil && p == t
}

// Kind reports which stream the topic carries. Malformed names report "".
func (t Topic) Kind() TopicKind {
	if !t.Valid() {
		return ""
	}
	if strings.HasPrefix(string(t), "incident:") {
		return TopicMessages
	}
	return TopicNotifications
}

// CreatedKind is the event kind a create on this topic produces.
func (t Topic) CreatedKind() EventKind {
	if t.Kind() == TopicNotifications {
		return KindNotificationCreated
	}
	return KindMessageCreated
}

func (t Topic) String() string { return string(t) }
