package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"campuslink-backend/pkg/logger"
)

// watchChannel subscribes to a Redis pub/sub channel and invokes onNotify for
// every message until the returned cancel function runs. Writers publish a
// bare notification; watchers re-read the record, so payload contents do not
// matter and a missed decode can never desynchronize a watcher.
// The parent context bounds the subscription as well: cancellation of either
// tears it down.
func watchChannel(parent context.Context, client *goredis.Client, channel string, onNotify func()) func() {
	ctx, cancel := context.WithCancel(parent)
	sub := client.Subscribe(ctx, channel)

	go func() {
		defer func() {
			if err := sub.Close(); err != nil {
				logger.Sugar.Debugw("closing subscription", "channel", channel, "error", err)
			}
		}()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				onNotify()
			}
		}
	}()

	return cancel
}
