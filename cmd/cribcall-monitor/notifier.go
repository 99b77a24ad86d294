package main

import (
	"context"
	"log/slog"

	"github.com/cribcall/cribcall-go/pkg/noise"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

// logNotifier stands in for a push provider and logs each notification.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) Notify(ctx context.Context, sub noise.Subscription, event wire.NoiseEvent) error {
	token := sub.DeliveryToken
	if len(token) > 8 {
		token = token[:8] + "..."
	}
	n.logger.Info("noise notification",
		"deviceId", sub.DeviceID,
		"platform", sub.Platform,
		"token", token,
		"peakLevel", event.PeakLevel)
	return nil
}
