package domain

import "time"

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseOutgoingRinging Phase = "outgoing-ringing"
	PhaseIncomingRinging Phase = "incoming-ringing"
	PhaseActive          Phase = "active"
	PhaseEnded           Phase = "ended"
)

func (p Phase) Ringing() bool {
	return p == PhaseOutgoingRinging || p == PhaseIncomingRinging
}

type Role string

const (
	RoleCaller   Role = "caller"
	RoleAnswerer Role = "answerer"
)

type CallEventType string

const (
	EventPhase      CallEventType = "phase"
	EventConnection CallEventType = "connection"
)

// CallEvent is what the UI observes. Connection events are diagnostic only.
type CallEvent struct {
	Type            CallEventType `json:"type"`
	Phase           Phase         `json:"phase,omitempty"`
	Peer            UserID        `json:"peer,omitempty"`
	PeerName        string        `json:"peer_name,omitempty"`
	Kind            CallKind      `json:"kind,omitempty"`
	Role            Role          `json:"role,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	ConnectionState string        `json:"connection_state,omitempty"`
	ICEState        string        `json:"ice_state,omitempty"`
	At              time.Time     `json:"at"`
}

// SessionSnapshot is a read-only copy of the local session.
type SessionSnapshot struct {
	Phase     Phase
	Peer      UserID
	PeerName  string
	Kind      CallKind
	Role      Role
	StartedAt time.Time
	Muted     bool
	CameraOff bool
	Sharing   bool
}

// ConnectionState is the diagnostic view of the peer link.
type ConnectionState struct {
	Connection string
	ICE        string
}
