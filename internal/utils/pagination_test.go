package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		// empty -> default
		{"", 10, 10},
		// valid ints
		{"42", 0, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		// invalid -> default (no trim)
		{"x", 5, 5},
		{" 42", 7, 7},
		// overflow -> default
		{"999999999999999999999999", -1, -1},
	}

	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestClamp(t *testing.T) {
	if Clamp(-3, 1, 10) != 1 || Clamp(50, 1, 10) != 10 || Clamp(4, 1, 10) != 4 {
		t.Fatal("Clamp bounds")
	}
}

func TestPageParams(t *testing.T) {
	cases := []struct {
		page, size         string
		wantPage, wantSize int
	}{
		{"", "", 1, 50},
		{"3", "20", 3, 20},
		{"0", "0", 1, 1},
		{"-2", "9999", 1, 200},
		{"x", "y", 1, 50},
	}
	for _, tc := range cases {
		p, s := PageParams(tc.page, tc.size, 50, 200)
		if p != tc.wantPage || s != tc.wantSize {
			t.Fatalf("PageParams(%q,%q)=(%d,%d) want (%d,%d)", tc.page, tc.size, p, s, tc.wantPage, tc.wantSize)
		}
	}
}
