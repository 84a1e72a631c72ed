package update

import "testing"

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		current string
		latest  string
		want    bool
	}{
		{"1.0.0", "1.0.1", true},
		{"1.0.0", "1.1.0", true},
		{"1.0.0", "2.0.0", true},
		{"1.0.1", "1.0.0", false},
		{"1.0.0", "1.0.0", false},
		{"v1.0.0", "v1.0.1", true},
		{"1.0.0", "v1.0.1", true},
		{"1.2", "1.2.1", true},
		{"1.2.1", "1.2", false},
		{"1.0.0", "1.0.1-beta", true},
		{"1.0.0-beta", "1.0.0", false}, // suffixes ignored, versions equal
		{"1.0.0", "", false},
		{"0.9.9", "0.10.0", true},
	}

	for _, tt := range tests {
		if got := IsNewerVersion(tt.current, tt.latest); got != tt.want {
			t.Errorf("IsNewerVersion(%q, %q) = %v, want %v", tt.current, tt.latest, got, tt.want)
		}
	}
}

func TestParseVersion(t *testing.T) {
	got := parseVersion("v1.2.3-beta")
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("parseVersion = %v", got)
	}
}
