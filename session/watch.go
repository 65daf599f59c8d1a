package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultChangeChannel carries session change notices between processes.
	DefaultChangeChannel = "session-changes"

	changedMessage   = "changed"
	resubscribeDelay = time.Second
)

// Watch reloads s whenever another process writes the shared session keys.
// It resubscribes after connection loss and returns when ctx is done.
func Watch(ctx context.Context, client *redis.Client, channel string, s *Store, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	for {
		sub := client.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				if msg.Payload != changedMessage {
					logger.WithField("payload", msg.Payload).Debug("ignoring unknown session notice")
					continue
				}
				s.Reload(ctx)
			}
		}
		_ = sub.Close()

		logger.WithField("channel", channel).Warn("session watch lost subscription; resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
		// catch up on anything missed while unsubscribed
		s.Reload(ctx)
	}
}
