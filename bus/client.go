// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package bus

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/redis/go-redis/v9"
)

const Topic = "nodes"

// Client is a thin pub/sub wrapper around go-redis carrying NodeEvents on
// the shared "nodes" topic. Both pulse nodes and harmony import it;
// neither process ever talks to the other directly (spec §4.1).
type Client struct {
	id     string
	rdb    *redis.Client
	pubsub *redis.PubSub
	log    mlog.LoggerIFace
}

// NewClient dials the shared broker at uri (REDIS_URI) and subscribes to
// Topic. id is this process's sender id, used to self-filter publications.
func NewClient(ctx context.Context, uri, id string, log mlog.LoggerIFace) (*Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis uri: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Client{
		id:     id,
		rdb:    rdb,
		pubsub: rdb.Subscribe(ctx, Topic),
		log:    log,
	}, nil
}

// ID returns this client's sender id.
func (c *Client) ID() string {
	return c.id
}

// Publish encodes and publishes a NodeEvent of type t carrying data. Per
// spec §4.2/§7, publish failures are logged and dropped rather than
// retried; the 5s ping loop re-announces liveness regardless.
func (c *Client) Publish(ctx context.Context, t EventType, data interface{}) error {
	ev := New(c.id, t, data)
	payload, err := ev.Pack()
	if err != nil {
		c.log.Error("bus: failed to encode event", mlog.Err(err), mlog.String("type", string(t)))
		return err
	}

	if err := c.rdb.Publish(ctx, Topic, payload).Err(); err != nil {
		c.log.Error("bus: failed to publish event", mlog.Err(err), mlog.String("type", string(t)))
		return err
	}

	return nil
}

// Subscribe returns a channel of NodeEvents received on Topic, with this
// client's own publications already filtered out. Malformed payloads are
// logged and dropped (delivery is best-effort and consumers must tolerate
// duplicates/out-of-order delivery per spec §4.1).
func (c *Client) Subscribe(ctx context.Context) <-chan NodeEvent {
	out := make(chan NodeEvent, 256)

	go func() {
		defer close(out)
		ch := c.pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				ev, err := Unpack([]byte(msg.Payload))
				if err != nil {
					c.log.Warn("bus: failed to decode event", mlog.Err(err))
					continue
				}

				if ev.SenderID == c.id {
					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				default:
					c.log.Warn("bus: subscriber channel full, dropping event", mlog.String("type", string(ev.Type)))
				}
			}
		}
	}()

	return out
}

func (c *Client) Close() error {
	if err := c.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub: %w", err)
	}
	return c.rdb.Close()
}
