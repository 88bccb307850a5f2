package domain

import (
	"encoding/json"
	"fmt"
)

type SignalType string

const (
	SignalRegister     SignalType = "register"
	SignalCall         SignalType = "call"
	SignalCallAccepted SignalType = "call-accepted"
	SignalCallRejected SignalType = "call-rejected"
	SignalCallEnded    SignalType = "call-ended"
	SignalOffer        SignalType = "webrtc-offer"
	SignalAnswer       SignalType = "webrtc-answer"
	SignalCandidate    SignalType = "webrtc-candidate"
)

// Signal is one relay message. Each SignalType has its own concrete type
// carrying only the fields that type uses.
type Signal interface {
	Type() SignalType
	Addr() Route
}

// Route is the addressing part shared by every non-register signal.
type Route struct {
	From           UserID
	To             UserID
	ConversationID string
}

func (r Route) Addr() Route { return r }

type Register struct {
	UserID UserID
}

func (Register) Type() SignalType { return SignalRegister }
func (r Register) Addr() Route    { return Route{From: r.UserID} }

type CallRequest struct {
	Route
	Kind     CallKind
	FromName string
}

func (CallRequest) Type() SignalType { return SignalCall }

type CallAccepted struct {
	Route
	Kind CallKind
}

func (CallAccepted) Type() SignalType { return SignalCallAccepted }

type CallRejected struct {
	Route
}

func (CallRejected) Type() SignalType { return SignalCallRejected }

type CallEnded struct {
	Route
}

func (CallEnded) Type() SignalType { return SignalCallEnded }

type SessionOffer struct {
	Route
	SDP string
}

func (SessionOffer) Type() SignalType { return SignalOffer }

type SessionAnswer struct {
	Route
	SDP string
}

func (SessionAnswer) Type() SignalType { return SignalAnswer }

type CandidateSignal struct {
	Route
	Candidate ICECandidate
}

func (CandidateSignal) Type() SignalType { return SignalCandidate }

var (
	_ Signal = Register{}
	_ Signal = CallRequest{}
	_ Signal = CallAccepted{}
	_ Signal = CallRejected{}
	_ Signal = CallEnded{}
	_ Signal = SessionOffer{}
	_ Signal = SessionAnswer{}
	_ Signal = CandidateSignal{}
)

// wireSignal is the JSON shape on the relay socket.
type wireSignal struct {
	Type           SignalType    `json:"type"`
	UserID         UserID        `json:"userId,omitempty"`
	From           UserID        `json:"from,omitempty"`
	To             UserID        `json:"to,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	CallType       CallKind      `json:"callType,omitempty"`
	FromName       string        `json:"fromName,omitempty"`
	SDP            string        `json:"sdp,omitempty"`
	Candidate      *ICECandidate `json:"candidate,omitempty"`
}

func DecodeSignal(data []byte) (Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}

	if w.Type == SignalRegister {
		if w.UserID.IsZero() {
			return nil, fmt.Errorf("%w: register without userId", ErrInvalidSignal)
		}
		return Register{UserID: w.UserID}, nil
	}

	if w.To.IsZero() {
		return nil, fmt.Errorf("%w: %q without recipient", ErrInvalidSignal, w.Type)
	}
	r := Route{From: w.From, To: w.To, ConversationID: w.ConversationID}

	switch w.Type {
	case SignalCall:
		if !w.CallType.Valid() {
			return nil, fmt.Errorf("%w: call with callType %q", ErrInvalidSignal, w.CallType)
		}
		return CallRequest{Route: r, Kind: w.CallType, FromName: w.FromName}, nil
	case SignalCallAccepted:
		return CallAccepted{Route: r, Kind: w.CallType}, nil
	case SignalCallRejected:
		return CallRejected{Route: r}, nil
	case SignalCallEnded:
		return CallEnded{Route: r}, nil
	case SignalOffer:
		if w.SDP == "" {
			return nil, fmt.Errorf("%w: offer without sdp", ErrInvalidSignal)
		}
		return SessionOffer{Route: r, SDP: w.SDP}, nil
	case SignalAnswer:
		if w.SDP == "" {
			return nil, fmt.Errorf("%w: answer without sdp", ErrInvalidSignal)
		}
		return SessionAnswer{Route: r, SDP: w.SDP}, nil
	case SignalCandidate:
		if w.Candidate == nil || w.Candidate.Candidate == "" {
			return nil, fmt.Errorf("%w: candidate without descriptor", ErrInvalidSignal)
		}
		return CandidateSignal{Route: r, Candidate: *w.Candidate}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, w.Type)
	}
}

func EncodeSignal(s Signal) ([]byte, error) {
	r := s.Addr()
	w := wireSignal{
		Type:           s.Type(),
		From:           r.From,
		To:             r.To,
		ConversationID: r.ConversationID,
	}

	switch v := s.(type) {
	case Register:
		w = wireSignal{Type: SignalRegister, UserID: v.UserID}
	case CallRequest:
		w.CallType = v.Kind
		w.FromName = v.FromName
	case CallAccepted:
		w.CallType = v.Kind
	case CallRejected, CallEnded:
	case SessionOffer:
		w.SDP = v.SDP
	case SessionAnswer:
		w.SDP = v.SDP
	case CandidateSignal:
		c := v.Candidate
		w.Candidate = &c
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrInvalidSignal, s)
	}

	return json.Marshal(w)
}
