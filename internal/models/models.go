package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending Status = "Pending"
	StatusSent    Status = "Sent"
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// DefaultPriority is used when a notification carries no parsable priority.
const DefaultPriority uint8 = 1

type Notification struct {
	ID        string     `json:"id"`
	Message   string     `json:"message"`
	Channel   string     `json:"channel"`
	Recipient string     `json:"recipient"`
	Timezone  string     `json:"timezone"`
	Priority  string     `json:"priority,omitempty"`
	Scheduled *time.Time `json:"scheduled,omitempty"`
	Status    Status     `json:"status,omitempty"`
}

// Validate checks the fields that must be non-blank before dispatch.
func (n *Notification) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"message", n.Message},
		{"recipient", n.Recipient},
		{"channel", n.Channel},
		{"timezone", n.Timezone},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s cannot be empty", ErrValidation, f.name)
		}
	}
	return nil
}

// Normalize converts the scheduled time to UTC.
func (n *Notification) Normalize() {
	if n.Scheduled != nil {
		utc := n.Scheduled.UTC()
		n.Scheduled = &utc
	}
}

// PriorityLevel parses Priority as an unsigned byte, falling back to
// DefaultPriority when it is absent or not a number in [0,255].
func (n *Notification) PriorityLevel() uint8 {
	if n.Priority == "" {
		return DefaultPriority
	}
	p, err := strconv.ParseUint(strings.TrimSpace(n.Priority), 10, 8)
	if err != nil {
		return DefaultPriority
	}
	return uint8(p)
}

// Envelope is a notification as published to a channel queue.
type Envelope struct {
	Body          []byte
	ContentType   string
	Priority      uint8
	CorrelationID string
	ReplyTo       string
	Persistent    bool
}

// Response is a worker's answer to one envelope.
type Response struct {
	Notification  Notification
	CorrelationID string
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
}

// ProcessSummary is returned by the process-pending endpoint.
type ProcessSummary struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	TimedOut  int `json:"timed_out"`
	Errored   int `json:"errored"`
	Skipped   int `json:"skipped"`
}
