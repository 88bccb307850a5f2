package domain

import (
	"fmt"
	"time"
)

type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallVoice || k == CallVideo
}

func ParseCallKind(s string) (CallKind, error) {
	k := CallKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown call kind %q", s)
	}
	return k, nil
}

type CallStatus string

const (
	StatusRinging   CallStatus = "ringing"
	StatusActive    CallStatus = "active"
	StatusCompleted CallStatus = "completed"
	StatusRejected  CallStatus = "rejected"
	StatusMissed    CallStatus = "missed"
)

// Open statuses count against the one-open-record-per-pair rule.
func (s CallStatus) Open() bool {
	return s == StatusRinging || s == StatusActive
}

func (s CallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusMissed
}

func (s CallStatus) Valid() bool {
	return s.Open() || s.Terminal()
}

// CanTransition reports whether a record in status s may move to next.
// Transitions only go forward; terminal records never change again.
func (s CallStatus) CanTransition(next CallStatus) bool {
	switch s {
	case StatusRinging:
		return next == StatusActive || next.Terminal()
	case StatusActive:
		return next == StatusCompleted
	default:
		return false
	}
}

type CallRecord struct {
	ID              CallID     `json:"id"`
	CallerID        UserID     `json:"caller_id"`
	ReceiverID      UserID     `json:"receiver_id"`
	Kind            CallKind   `json:"call_type"`
	Status          CallStatus `json:"status"`
	DurationSeconds int        `json:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at"`
}

func NewCallRecord(caller, receiver UserID, kind CallKind, now time.Time) (*CallRecord, error) {
	if caller.IsZero() || receiver.IsZero() {
		return nil, fmt.Errorf("caller and receiver are required")
	}
	if caller == receiver {
		return nil, fmt.Errorf("cannot call yourself")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown call kind %q", kind)
	}
	return &CallRecord{
		ID:         NewCallID(),
		CallerID:   caller,
		ReceiverID: receiver,
		Kind:       kind,
		Status:     StatusRinging,
		CreatedAt:  now.UTC(),
	}, nil
}

// Apply moves the record to patch.Status. Duration is only kept on completion.
func (r *CallRecord) Apply(p RecordPatch) error {
	if !r.Status.CanTransition(p.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, p.Status)
	}
	r.Status = p.Status
	if p.Status == StatusCompleted && p.DurationSeconds != nil {
		r.DurationSeconds = *p.DurationSeconds
	}
	return nil
}

// RecordFilter selects the newest record for a caller/receiver pair.
type RecordFilter struct {
	CallerID   UserID `json:"caller_id"`
	ReceiverID UserID `json:"receiver_id"`
}

type RecordPatch struct {
	Status          CallStatus `json:"status"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
}

func Completed(d time.Duration) RecordPatch {
	secs := int(d / time.Second)
	return RecordPatch{Status: StatusCompleted, DurationSeconds: &secs}
}

type RecordOp string

const (
	RecordInserted RecordOp = "insert"
	RecordUpdated  RecordOp = "update"
)

type RecordEvent struct {
	Op     RecordOp   `json:"op"`
	Record CallRecord `json:"record"`
}
