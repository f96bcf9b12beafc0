// Package ipc implements the filesystem protocol between the orchestrator and
// agent subprocesses: per-group input/, messages/ and tasks/ directories under
// the IPC root, polled by a singleton watcher.
//
// Authorization derives the acting group from the directory a file was found
// in, never from fields inside the payload, so an agent cannot speak for
// another group by forging a field.
package ipc

import (
	"encoding/json"
	"fmt"
)

// Payload type tags (the discriminant of the union).
const (
	TypeMessage       = "message"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRefreshGroups = "refresh_groups"
	TypeRegisterGroup = "register_group"
)

// Payload is the tagged union written by agents into messages/ and tasks/.
// Exactly the fields for the given Type are meaningful; the rest stay zero.
type Payload struct {
	Type string `json:"type"`

	// message
	ChatJID string `json:"chatJid,omitempty"`
	Text    string `json:"text,omitempty"`
	Sender  string `json:"sender,omitempty"`

	// schedule_task
	TargetFolder  string `json:"groupFolder,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"scheduleType,omitempty"`
	ScheduleValue string `json:"scheduleValue,omitempty"`
	ContextMode   string `json:"contextMode,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_group
	JID             string `json:"jid,omitempty"`
	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder,omitempty"`
	RequiresTrigger *bool  `json:"requiresTrigger,omitempty"`
}

// ParsePayload unmarshals and schema-validates one IPC file body.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("parse payload: %w", err)
	}
	if err := p.validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func (p Payload) validate() error {
	switch p.Type {
	case TypeMessage:
		if p.ChatJID == "" {
			return fmt.Errorf("message payload: missing chatJid")
		}
		if p.Text == "" {
			return fmt.Errorf("message payload: missing text")
		}
	case TypeScheduleTask:
		if p.Prompt == "" {
			return fmt.Errorf("schedule_task payload: missing prompt")
		}
		switch p.ScheduleType {
		case "cron", "interval", "once":
		default:
			return fmt.Errorf("schedule_task payload: bad scheduleType %q", p.ScheduleType)
		}
		if p.ScheduleValue == "" {
			return fmt.Errorf("schedule_task payload: missing scheduleValue")
		}
		switch p.ContextMode {
		case "", "isolated", "group":
		default:
			return fmt.Errorf("schedule_task payload: bad contextMode %q", p.ContextMode)
		}
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		if p.TaskID == "" {
			return fmt.Errorf("%s payload: missing taskId", p.Type)
		}
	case TypeRefreshGroups:
		// no fields
	case TypeRegisterGroup:
		if p.JID == "" || p.Folder == "" {
			return fmt.Errorf("register_group payload: missing jid or folder")
		}
	case "":
		return fmt.Errorf("payload missing type")
	default:
		return fmt.Errorf("unknown payload type %q", p.Type)
	}
	return nil
}
