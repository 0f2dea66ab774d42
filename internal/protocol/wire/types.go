package wire

// Protocol versions sent during registration and on every authenticated
// request.
const (
	ProtocolVersion = 1
	CryptoVersion   = 1
)

// Frame types.
const (
	TypeRegisterBegin     = "register_begin"
	TypeRegisterChallenge = "register_challenge"
	TypeRegisterProof     = "register_proof"
	TypeRegisterAck       = "register_ack"

	TypeSendMessage     = "send_message"
	TypeMessageAccepted = "message_accepted"
	TypeMessageReceived = "message_received"
	TypeDeliveryReceipt = "delivery_receipt"
	TypeFetchPending    = "fetch_pending"
	TypePendingMessages = "pending_messages"

	TypeGetTurnCredentials = "get_turn_credentials"
	TypeTurnCredentials    = "turn_credentials"

	TypeCallInitiate     = "call_initiate"
	TypeCallIncoming     = "call_incoming"
	TypeCallRinging      = "call_ringing"
	TypeCallAnswer       = "call_answer"
	TypeCallICECandidate = "call_ice_candidate"
	TypeCallEnd          = "call_end"

	TypeUpdateTokens = "update_tokens"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
	TypeForceLogout  = "force_logout"
)

// IsCallSignal reports whether t is one of the call_* frames that carry a
// signed call envelope.
func IsCallSignal(t string) bool {
	switch t {
	case TypeCallInitiate, TypeCallIncoming, TypeCallRinging, TypeCallAnswer,
		TypeCallICECandidate, TypeCallEnd:
		return true
	}
	return false
}
