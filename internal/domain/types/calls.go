package types

// CallState is the relay-side state of a call.
type CallState string

const (
	CallInitiating CallState = "initiating"
	CallRinging    CallState = "ringing"
	CallAnswered   CallState = "answered"
	CallConnected  CallState = "connected"
)

// End reasons carried by call_end.
const (
	EndEnded    = "ended"
	EndDeclined = "declined"
	EndBusy     = "busy"
	EndTimeout  = "timeout"
	EndFailed   = "failed"
)

// CallSession is the relay's record of a live call. Version is bumped on
// every write and used for compare-and-swap.
type CallSession struct {
	CallID     string    `json:"callId"`
	Caller     WhisperID `json:"caller"`
	Callee     WhisperID `json:"callee"`
	IsVideo    bool      `json:"isVideo"`
	State      CallState `json:"state"`
	CreatedAt  int64     `json:"createdAt"`
	LastUpdate int64     `json:"lastUpdate"`
	Version    uint64    `json:"version"`
}

// HasParty reports whether id is the caller or the callee.
func (c CallSession) HasParty(id WhisperID) bool {
	return id == c.Caller || id == c.Callee
}

// Peer returns the other party, or "" if id is not part of the call.
func (c CallSession) Peer(id WhisperID) WhisperID {
	switch id {
	case c.Caller:
		return c.Callee
	case c.Callee:
		return c.Caller
	}
	return ""
}

// TurnCredentials authenticate a client against the TURN relay for a
// limited time.
type TurnCredentials struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int      `json:"ttl"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CallBody is the sealed part of a call signal. call_initiate carries the
// offer, call_answer the answer, call_ice_candidate one candidate.
type CallBody struct {
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}
