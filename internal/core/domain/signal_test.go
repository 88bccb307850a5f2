package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeSignal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    SignalType
		wantErr bool
	}{
		{"register", `{"type":"register","userId":"u1"}`, SignalRegister, false},
		{"register without id", `{"type":"register"}`, "", true},
		{"call", `{"type":"call","from":"a","to":"b","callType":"video","fromName":"Ann"}`, SignalCall, false},
		{"call bad kind", `{"type":"call","from":"a","to":"b","callType":"fax"}`, "", true},
		{"accepted", `{"type":"call-accepted","from":"b","to":"a","callType":"voice"}`, SignalCallAccepted, false},
		{"rejected", `{"type":"call-rejected","from":"b","to":"a"}`, SignalCallRejected, false},
		{"ended", `{"type":"call-ended","from":"b","to":"a"}`, SignalCallEnded, false},
		{"offer", `{"type":"webrtc-offer","from":"a","to":"b","sdp":"v=0"}`, SignalOffer, false},
		{"offer without sdp", `{"type":"webrtc-offer","from":"a","to":"b"}`, "", true},
		{"answer", `{"type":"webrtc-answer","from":"b","to":"a","sdp":"v=0"}`, SignalAnswer, false},
		{"candidate", `{"type":"webrtc-candidate","from":"a","to":"b","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`, SignalCandidate, false},
		{"candidate empty", `{"type":"webrtc-candidate","from":"a","to":"b","candidate":{}}`, "", true},
		{"missing recipient", `{"type":"call-ended","from":"a"}`, "", true},
		{"unknown type", `{"type":"typing","to":"b"}`, "", true},
		{"not json", `{"type":`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSignal([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSignal) {
					t.Fatalf("err = %v, want ErrInvalidSignal", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Type() != tt.want {
				t.Errorf("type = %s, want %s", got.Type(), tt.want)
			}
		})
	}
}

func TestDecodeSignal_Fields(t *testing.T) {
	s, err := DecodeSignal([]byte(`{"type":"call","from":"a","to":"b","callType":"video","fromName":"Ann","conversationId":"c9"}`))
	if err != nil {
		t.Fatal(err)
	}
	call, ok := s.(CallRequest)
	if !ok {
		t.Fatalf("decoded %T", s)
	}
	if call.From != "a" || call.To != "b" || call.Kind != CallVideo || call.FromName != "Ann" || call.ConversationID != "c9" {
		t.Errorf("decoded %+v", call)
	}
}

func TestEncodeSignal_WireShape(t *testing.T) {
	mid := "audio"
	idx := uint16(1)
	raw, err := EncodeSignal(CandidateSignal{
		Route:     Route{From: "a", To: "b"},
		Candidate: ICECandidate{Candidate: "candidate:x", SDPMid: &mid, SDPMLineIndex: &idx},
	})
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "webrtc-candidate" || m["from"] != "a" || m["to"] != "b" {
		t.Errorf("envelope = %v", m)
	}
	c, ok := m["candidate"].(map[string]any)
	if !ok || c["candidate"] != "candidate:x" || c["sdpMid"] != "audio" || c["sdpMLineIndex"] != float64(1) {
		t.Errorf("candidate = %v", m["candidate"])
	}
	if _, ok := m["sdp"]; ok {
		t.Error("candidate carries an sdp field")
	}

	raw, err = EncodeSignal(Register{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"type":"register","userId":"u1"}` {
		t.Errorf("register = %s", raw)
	}
}

func TestICECandidateKey(t *testing.T) {
	m1, m2 := "0", "0"
	a := ICECandidate{Candidate: "c", SDPMid: &m1}
	b := ICECandidate{Candidate: "c", SDPMid: &m2}
	if a.Key() != b.Key() {
		t.Error("equal candidates have different keys")
	}
	other := "1"
	if a.Key() == (ICECandidate{Candidate: "c", SDPMid: &other}).Key() {
		t.Error("different mids share a key")
	}
}

func TestSignalAddr(t *testing.T) {
	r := Route{From: "a", To: "b", ConversationID: "c1"}
	signals := []Signal{
		CallRequest{Route: r, Kind: CallVoice},
		CallAccepted{Route: r, Kind: CallVoice},
		CallRejected{Route: r},
		CallEnded{Route: r},
		SessionOffer{Route: r, SDP: "v=0"},
		SessionAnswer{Route: r, SDP: "v=0"},
		CandidateSignal{Route: r, Candidate: ICECandidate{Candidate: "candidate:x"}},
	}
	for _, s := range signals {
		t.Run(string(s.Type()), func(t *testing.T) {
			if s.Addr() != r {
				t.Errorf("addr = %+v, want %+v", s.Addr(), r)
			}
			raw, err := EncodeSignal(s)
			if err != nil {
				t.Fatal(err)
			}
			back, err := DecodeSignal(raw)
			if err != nil {
				t.Fatal(err)
			}
			if back.Type() != s.Type() || back.Addr() != r {
				t.Errorf("decoded %s %+v", back.Type(), back.Addr())
			}
		})
	}

	if got := (Register{UserID: "u1"}).Addr(); got.From != "u1" || !got.To.IsZero() {
		t.Errorf("register addr = %+v", got)
	}
}
