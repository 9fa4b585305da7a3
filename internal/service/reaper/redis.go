package reaper

import (
	"context"
	"encoding/json"
	"time"

	"uniconvert/internal/logging"
	"uniconvert/internal/models"
	"uniconvert/internal/redis"
)

const (
	redisDestroyChannel = "uniconvert:sessions"
	redisSignalChannel  = "uniconvert:signals"
	redisLastSweepKey   = "uniconvert:sweep:last"
	redisLastSweepTTL   = 24 * time.Hour
)

type destroyMessage struct {
	SessionID  string `json:"session_id"`
	Reason     string `json:"reason"`
	FreedBytes int64  `json:"freed_bytes"`
	At         int64  `json:"at"`
}

type signalMessage struct {
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
}

// Bus announces destroyed sessions and relays unload signals over redis
// pub/sub, e.g. from an edge proxy that receives the browser beacons.
type Bus struct {
	client *redis.Client
	log    *logging.Logger
}

func NewBus(client *redis.Client, logger *logging.Logger) *Bus {
	return &Bus{client: client, log: logging.OrDefault(logger).With("component", "reaper-bus")}
}

// PublishSignal relays a lifecycle event to the reaper listening on the bus.
func (b *Bus) PublishSignal(ctx context.Context, sessionID string, ev Event) error {
	payload, err := json.Marshal(signalMessage{SessionID: sessionID, Event: string(ev)})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisSignalChannel, payload)
}

// listen subscribes to relayed signals; the subscription ends with ctx.
func (b *Bus) listen(ctx context.Context, handler func(signalMessage)) error {
	pubsub, err := b.client.Subscribe(ctx, redisSignalChannel)
	if err != nil {
		return err
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var sig signalMessage
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					b.log.Warn("signal decode failed", "err", err)
					continue
				}
				handler(sig)
			}
		}
	}()
	return nil
}

func (b *Bus) publishDestroyed(ctx context.Context, report models.DestroyReport, at time.Time) {
	payload, err := json.Marshal(destroyMessage{
		SessionID:  report.SessionID,
		Reason:     string(report.Reason),
		FreedBytes: report.FreedBytes(),
		At:         at.Unix(),
	})
	if err != nil {
		b.log.Warn("destroy event marshal failed", "err", err)
		return
	}
	if err := b.client.Publish(ctx, redisDestroyChannel, payload); err != nil {
		b.log.Warn("publish destroy event failed", "err", err)
	}
}

func (b *Bus) storeSweep(ctx context.Context, report SweepReport) {
	data, err := json.Marshal(report)
	if err != nil {
		b.log.Warn("sweep report marshal failed", "err", err)
		return
	}
	if err := b.client.Set(ctx, redisLastSweepKey, data, redisLastSweepTTL); err != nil {
		b.log.Warn("store sweep report failed", "err", err)
	}
}

func (b *Bus) loadSweep(ctx context.Context) (SweepReport, bool) {
	raw, err := b.client.Get(ctx, redisLastSweepKey)
	if err != nil {
		if err != redis.ErrCacheMiss {
			b.log.Warn("load sweep report failed", "err", err)
		}
		return SweepReport{}, false
	}
	var report SweepReport
	if err := json.Unmarshal(raw, &report); err != nil {
		b.log.Warn("decode sweep report failed", "err", err)
		return SweepReport{}, false
	}
	return report, true
}
