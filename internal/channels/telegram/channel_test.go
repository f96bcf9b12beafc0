package telegram

import "testing"

func TestJIDRoundTrip(t *testing.T) {
	tests := []struct {
		chatID int64
		jid    string
	}{
		{123456, "tg:123456"},
		{-1001234567890, "tg:-1001234567890"},
		{0, "tg:0"},
	}
	for _, tt := range tests {
		if got := JID(tt.chatID); got != tt.jid {
			t.Errorf("JID(%d) = %q, want %q", tt.chatID, got, tt.jid)
		}
		id, err := chatIDFromJID(tt.jid)
		if err != nil {
			t.Errorf("chatIDFromJID(%q): %v", tt.jid, err)
		}
		if id != tt.chatID {
			t.Errorf("chatIDFromJID(%q) = %d, want %d", tt.jid, id, tt.chatID)
		}
	}
}

func TestChatIDFromJID_Invalid(t *testing.T) {
	for _, jid := range []string{"123", "tg:", "tg:abc", "wa:123"} {
		if _, err := chatIDFromJID(jid); err == nil {
			t.Errorf("chatIDFromJID(%q) accepted", jid)
		}
	}
}
