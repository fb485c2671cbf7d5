package whatsapp

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOwnsJID(t *testing.T) {
	tr := &Transport{}

	tests := []struct {
		jid  string
		want bool
	}{
		{"15551234567@s.whatsapp.net", true},
		{"12036302@g.us", true},
		{"98765@lid", true},
		{"status@broadcast", true},
		{"telegram:42", false},
		{"discord:42", false},
		{"15551234567", false},
	}
	for _, tt := range tests {
		if got := tr.OwnsJID(tt.jid); got != tt.want {
			t.Errorf("OwnsJID(%q) = %v, want %v", tt.jid, got, tt.want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := expandPath("~/nanoclaw/wa.db"); got != filepath.Join(home, "nanoclaw/wa.db") {
		t.Errorf("expandPath = %q", got)
	}
	if got := expandPath("/var/lib/wa.db"); got != "/var/lib/wa.db" {
		t.Errorf("absolute path must pass through, got %q", got)
	}
	if got := expandPath("wa.db"); got != "wa.db" {
		t.Errorf("relative path must pass through, got %q", got)
	}
}
