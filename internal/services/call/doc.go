// Package call is the client call state machine.
//
//	IDLE -> OUTGOING_INITIATING -> RINGING -> CONNECTING -> IN_CALL
//	IDLE -> INCOMING_RINGING -> CONNECTING -> IN_CALL
//
// Any state can end in ENDED, FAILED or TIMEOUT; each terminal state is
// published and followed by IDLE. Every call signal is a signed envelope
// whose messageId is the call id and whose body (SDP, ICE candidate) is
// sealed to the peer.
package call
