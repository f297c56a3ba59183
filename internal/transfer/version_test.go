package transfer

import "testing"

func TestNewer(t *testing.T) {
	tests := []struct {
		candidate string
		running   string
		want      bool
	}{
		{"1.0.1", "1.0.0", true},
		{"1.1.0", "1.0.9", true},
		{"2.0.0", "1.9.9", true},
		{"1.0.0", "1.0.0", false},
		{"1.0.0", "1.0.1", false},
		{"0.9.9", "1.0.0", false},
		{"v1.2.3", "1.2.2", true},
		{"1.2", "1.2.9", false},
		{"1.3", "1.2.9", true},
		{"10.0.0", "9.0.0", true},
		{"1.2.3-beta", "1.2.2", true},
		{"garbage", "1.0.0", false},
		{"", "1.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.candidate+"_vs_"+tt.running, func(t *testing.T) {
			if got := Newer(tt.candidate, tt.running); got != tt.want {
				t.Errorf("Newer(%q, %q) = %v, want %v", tt.candidate, tt.running, got, tt.want)
			}
		})
	}
}
