package fetch

import (
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "simple version",
			input: "2.0.0",
			want:  "2.0.0",
		},
		{
			name:  "version with v prefix",
			input: "v2.0.0",
			want:  "2.0.0",
		},
		{
			name:  "version with prerelease",
			input: "2.1.0-rc.1",
			want:  "2.1.0-rc.1",
		},
		{
			name:    "invalid format",
			input:   "invalid",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVersion(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseVersion() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if got.String() != tt.want {
				t.Errorf("ParseVersion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		current   string
		want      bool
		wantErr   bool
	}{
		{"minor bump", "2.1.0", "2.0.0", true, false},
		{"patch bump", "2.0.1", "2.0.0", true, false},
		{"same", "2.0.0", "2.0.0", false, false},
		{"older", "1.9.9", "2.0.0", false, false},
		{"stable after rc", "2.1.0", "2.1.0-rc.1", true, false},
		{"rc before stable", "2.1.0-rc.1", "2.1.0", false, false},
		{"numeric not lexical", "2.10.0", "2.9.0", true, false},
		{"v prefix", "v2.1.0", "2.0.0", true, false},
		{"bad candidate", "next", "2.0.0", false, true},
		{"bad current", "2.1.0", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsNewer(tt.candidate, tt.current)
			if (err != nil) != tt.wantErr {
				t.Fatalf("IsNewer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsNewer(%q, %q) = %v, want %v", tt.candidate, tt.current, got, tt.want)
			}
		})
	}
}
