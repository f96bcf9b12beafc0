package orchestrator

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/shepherd/internal/bus"
)

func TestStripInternal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"single block", "before <internal>notes</internal> after", "before  after"},
		{"whole message internal", "<internal>only notes</internal>", ""},
		{"multiline block", "a\n<internal>line1\nline2</internal>\nb", "a\n\nb"},
		{"two blocks", "<internal>x</internal>mid<internal>y</internal>", "mid"},
		{"unclosed tag kept", "text <internal>dangling", "text <internal>dangling"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripInternal(tt.in); got != strings.TrimSpace(tt.want) {
				t.Errorf("StripInternal(%q) = %q, want %q", tt.in, got, strings.TrimSpace(tt.want))
			}
		})
	}
}

func TestTriggerPattern(t *testing.T) {
	pat := triggerPattern("andy")
	tests := []struct {
		in   string
		want bool
	}{
		{"@andy what's up", true},
		{"@Andy hello", true},
		{"@ANDY", true},
		{"@andy, question", true},
		{"hey @andy", false},
		{"@andyrew hello", false},
		{"andy hello", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := pat.MatchString(tt.in); got != tt.want {
			t.Errorf("match(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatPrompt(t *testing.T) {
	msgs := []bus.Message{
		{Timestamp: "2026-01-01T10:00:01.000Z", SenderName: "alice", Content: "first"},
		{Timestamp: "2026-01-01T10:00:02.000Z", SenderID: "u2", Content: "second"},
	}
	got := FormatPrompt(msgs)
	want := "[2026-01-01T10:00:01.000Z] alice: first\n[2026-01-01T10:00:02.000Z] u2: second\n"
	if got != want {
		t.Errorf("FormatPrompt = %q, want %q", got, want)
	}
}
