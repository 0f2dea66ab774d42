package wire_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"whisper/internal/domain"
	"whisper/internal/protocol/wire"
)

func TestDecode_SendMessageFlattensEnvelope(t *testing.T) {
	raw := `{"type":"send_message","requestId":"r1","payload":{
		"sessionToken":"tok","messageType":"send_message","messageId":"m1",
		"from":"WSP-A","to":"WSP-B","timestamp":5,"nonce":"AAEC","ciphertext":"AQ==","sig":"Ag==",
		"someFutureField":true}}`

	f, err := wire.Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "r1", f.RequestID)

	m, err := f.Decode()
	require.NoError(t, err)
	sm, ok := m.(wire.SendMessage)
	require.True(t, ok, "got %T", m)
	require.Equal(t, "tok", sm.SessionToken)
	require.Equal(t, "m1", sm.MessageID)
	require.Equal(t, domain.WhisperID("WSP-B"), sm.To)
	require.Equal(t, []byte{0, 1, 2}, sm.Nonce)
}

func TestDecode_UnknownType(t *testing.T) {
	f, err := wire.Parse([]byte(`{"type":"group_invite","payload":{"x":1}}`))
	require.NoError(t, err)
	m, err := f.Decode()
	require.ErrorIs(t, err, wire.ErrUnknownType)
	require.Equal(t, wire.Unknown{Type: "group_invite"}, m)
}

func TestDecode_CallSignalKeepsKind(t *testing.T) {
	in := wire.NewCallSignal(wire.TypeCallEnd, "tok", domain.SignedEnvelope{MessageID: "call-1"})
	in.Reason = domain.EndDeclined
	b, err := wire.Marshal("", in)
	require.NoError(t, err)

	f, err := wire.Parse(b)
	require.NoError(t, err)
	m, err := f.Decode()
	require.NoError(t, err)
	cs := m.(wire.CallSignal)
	require.Equal(t, wire.TypeCallEnd, cs.FrameType())
	require.Equal(t, "call-1", cs.CallID())
	require.Equal(t, domain.EndDeclined, cs.Reason)
}

func TestParse_Malformed(t *testing.T) {
	_, err := wire.Parse([]byte(`{"type":`))
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = wire.Parse([]byte(`{"payload":{}}`))
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	f, err := wire.Parse([]byte(`{"type":"ping","payload":"nope"}`))
	require.NoError(t, err)
	_, err = f.Decode()
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestErrorFrame_HidesInternalCause(t *testing.T) {
	f := wire.ErrorFrame("r9", domain.Wrap(domain.CodeInternal, errors.New("bolt: disk full")))
	m, err := f.Decode()
	require.NoError(t, err)
	e := m.(wire.Error)
	require.Equal(t, domain.CodeInternal, e.Code)
	require.Equal(t, "internal error", e.Message)
	require.Equal(t, "r9", f.RequestID)
}
