package domain

// ConnState is the raw lifecycle state reported by the push transport.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
)

// Valid reports whether s is a known state.
func (s ConnState) Valid() bool {
	switch s {
	case StateConnecting, StateConnected, StateDisconnected, StateFailed:
		return true
	}
	return false
}

// Mode is the coarse delivery mode derived from transport health.
type Mode string

const (
	ModePushPrimary  Mode = "push-primary"
	ModePollFallback Mode = "poll-fallback"
)
