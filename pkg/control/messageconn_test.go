package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cribcall/cribcall-go/pkg/wire"
)

func TestMessageConnRoundTrip(t *testing.T) {
	s := newFakeStream()
	mc := NewMessageConn(s, 0, nil, "")
	ctx := context.Background()

	require.NoError(t, mc.Send(ctx, &wire.PairConfirm{PairingSessionID: "s1", AuthTag: "tag"}))
	assert.Equal(t, &wire.PairConfirm{PairingSessionID: "s1", AuthTag: "tag"}, s.nextWritten(t))

	// Two frames in one chunk come back one per Receive.
	both := append(frameOf(t, &wire.PairReject{PairingSessionID: "s1", Reason: wire.RejectExpired}),
		frameOf(t, &wire.Ping{Timestamp: 3})...)
	s.in <- chunk{data: both}

	msg, err := mc.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, &wire.PairReject{PairingSessionID: "s1", Reason: wire.RejectExpired}, msg)

	msg, err = mc.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, &wire.Ping{Timestamp: 3}, msg)
}

func TestMessageConnViolation(t *testing.T) {
	s := newFakeStream()
	mc := NewMessageConn(s, 32, nil, "")

	s.in <- chunk{data: append(frameOf(t, &wire.Ping{}), mustFrame(t, `{"type":"PING","timestamp":12345678}`)...)}

	msg, err := mc.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &wire.Ping{}, msg)

	_, err = mc.Receive(context.Background())
	assert.Equal(t, ProtocolViolation, KindOf(err))

	_, err = mc.Receive(context.Background())
	assert.Equal(t, ProtocolViolation, KindOf(err), "sticky")
}
