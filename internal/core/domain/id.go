package domain

import (
	"github.com/google/uuid"
)

// UserID is the stable identifier a participant registers with on the relay.
type UserID string

func (id UserID) String() string {
	return string(id)
}

func (id UserID) IsZero() bool {
	return id == ""
}

type CallID uuid.UUID

func NewCallID() CallID {
	return CallID(uuid.New())
}

func ParseCallID(s string) (CallID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return CallID{}, err
	}
	return CallID(id), nil
}

func (id CallID) String() string {
	return uuid.UUID(id).String()
}

func (id CallID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *CallID) UnmarshalText(b []byte) error {
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = CallID(parsed)
	return nil
}

type StreamID string

func NewStreamID() StreamID {
	return StreamID(uuid.New().String())
}

func (id StreamID) String() string { return string(id) }
