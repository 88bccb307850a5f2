package domain

import (
	"strconv"
	"strings"
)

// ICECandidate mirrors the browser RTCIceCandidateInit JSON shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate by content. Candidates never change once
// generated, so two equal keys are the same candidate.
func (c ICECandidate) Key() string {
	var b strings.Builder
	b.WriteString(c.Candidate)
	b.WriteByte('|')
	if c.SDPMid != nil {
		b.WriteString(*c.SDPMid)
	}
	b.WriteByte('|')
	if c.SDPMLineIndex != nil {
		b.WriteString(strconv.Itoa(int(*c.SDPMLineIndex)))
	}
	b.WriteByte('|')
	if c.UsernameFragment != nil {
		b.WriteString(*c.UsernameFragment)
	}
	return b.String()
}
