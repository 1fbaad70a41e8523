package plugin

import "testing"

func TestIsCompatible(t *testing.T) {
	cases := []struct {
		installed, required string
		want                bool
	}{
		{"1.2.0", "1.1.5", true},
		{"1.1.4", "1.1.5", false},
		{"1.1.5", "1.1.5", true},
		{"1.2.0", "1.2.1", false},
		{"2.0.0", "1.9.9", false},
		{"1.0.0", "2.0.0", false},
		{"1.10.0", "1.9.0", true},
		{"1.2", "1.2.0", false},
		{"v1.2.0", "1.2.0", false},
		{"1.2.0", "latest", false},
	}
	for _, tc := range cases {
		if got := IsCompatible(tc.installed, tc.required); got != tc.want {
			t.Errorf("IsCompatible(%q, %q) = %v, want %v", tc.installed, tc.required, got, tc.want)
		}
	}
}

func TestIsNewer(t *testing.T) {
	cases := []struct {
		latest, current string
		want            bool
	}{
		{"1.0.1", "1.0.0", true},
		{"1.1.0", "1.0.9", true},
		{"2.0.0", "1.99.99", true},
		{"1.0.0", "1.0.0", false},
		{"1.0.0", "1.0.1", false},
		{"1.2", "1.1.9", true},
		{"v1.3.0", "1.2.0", true},
	}
	for _, tc := range cases {
		if got := IsNewer(tc.latest, tc.current); got != tc.want {
			t.Errorf("IsNewer(%q, %q) = %v, want %v", tc.latest, tc.current, got, tc.want)
		}
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("3.14.15")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v != (Version{Major: 3, Minor: 14, Patch: 15}) || v.String() != "3.14.15" {
		t.Fatalf("unexpected version %+v", v)
	}
	for _, bad := range []string{"", "1", "1.2", "1.2.3.4", "a.b.c", "1.2.-3"} {
		if _, err := ParseVersion(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
