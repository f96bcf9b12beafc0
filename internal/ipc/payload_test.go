package ipc

import (
	"testing"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"message", `{"type":"message","chatJid":"tg:1","text":"hi"}`, true},
		{"message with sender", `{"type":"message","chatJid":"tg:1","text":"hi","sender":"agent"}`, true},
		{"message missing jid", `{"type":"message","text":"hi"}`, false},
		{"message missing text", `{"type":"message","chatJid":"tg:1"}`, false},
		{"schedule cron", `{"type":"schedule_task","prompt":"p","scheduleType":"cron","scheduleValue":"0 9 * * *"}`, true},
		{"schedule interval", `{"type":"schedule_task","prompt":"p","scheduleType":"interval","scheduleValue":"45m","contextMode":"group"}`, true},
		{"schedule bad type", `{"type":"schedule_task","prompt":"p","scheduleType":"hourly","scheduleValue":"x"}`, false},
		{"schedule bad context", `{"type":"schedule_task","prompt":"p","scheduleType":"once","scheduleValue":"2026-06-01T00:00:00Z","contextMode":"shared"}`, false},
		{"schedule no prompt", `{"type":"schedule_task","scheduleType":"cron","scheduleValue":"* * * * *"}`, false},
		{"pause", `{"type":"pause_task","taskId":"t1"}`, true},
		{"pause no id", `{"type":"pause_task"}`, false},
		{"resume", `{"type":"resume_task","taskId":"t1"}`, true},
		{"cancel", `{"type":"cancel_task","taskId":"t1"}`, true},
		{"refresh", `{"type":"refresh_groups"}`, true},
		{"register", `{"type":"register_group","jid":"tg:5","folder":"work"}`, true},
		{"register no folder", `{"type":"register_group","jid":"tg:5"}`, false},
		{"unknown type", `{"type":"explode"}`, false},
		{"missing type", `{"text":"hi"}`, false},
		{"not json", `{{{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePayload([]byte(tt.data))
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}
