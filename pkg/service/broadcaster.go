package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/cribcall/cribcall-go/pkg/noise"
	"github.com/cribcall/cribcall-go/pkg/transport"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

// broadcastSendTimeout bounds the enqueue on one slow channel.
const broadcastSendTimeout = time.Second

// sender is a registered connection that can carry control messages.
// *control.Channel satisfies it.
type sender interface {
	Send(ctx context.Context, msg wire.Message) error
}

// connBroadcaster sends to every channel in a connection registry.
type connBroadcaster struct {
	conns  *transport.Registry
	logger *slog.Logger
}

var _ noise.Broadcaster = (*connBroadcaster)(nil)

// Broadcast enqueues msg on every registered channel and returns the number
// of channels that accepted it.
func (b *connBroadcaster) Broadcast(ctx context.Context, msg wire.Message) int {
	var targets []sender
	b.conns.Each(func(id string, c transport.Conn) {
		if s, ok := c.(sender); ok {
			targets = append(targets, s)
		}
	})

	sent := 0
	for _, s := range targets {
		sctx, cancel := context.WithTimeout(ctx, broadcastSendTimeout)
		err := s.Send(sctx, msg)
		cancel()
		if err != nil {
			b.logger.Debug("broadcast skipped channel", "type", string(msg.Type()), "error", err)
			continue
		}
		sent++
	}
	return sent
}
