// Package queue provides the durable stage queues the pipeline runs on. Jobs
// are JSON envelopes published to Pulse streams (one per stage) and consumed
// through sinks, Pulse's consumer groups, so a crashed worker's unacked jobs
// are redelivered to a peer. Retry scheduling and dead-lettering live in the
// Runner; DLQ inspection and replay in DLQ.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Client exposes the subset of Pulse stream operations the queues need.
	// The indirection keeps Runner and Queues testable without a live stream
	// backend.
	Client interface {
		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
	}

	// Stream is one durable stage stream.
	Stream interface {
		// Add publishes an event, returning the backend-assigned ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is a consumer group handle.
	Sink interface {
		// Subscribe returns the channel events arrive on.
		Subscribe() <-chan *streaming.Event
		// Ack marks an event processed so it is not redelivered.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink.
		Close(context.Context)
	}
)

// defaultStreamMaxLen bounds entries retained per stage stream. Consumed jobs
// are acked, not deleted, so the cap is what reclaims space.
const defaultStreamMaxLen = 10000

// pulseClient is the production Client over a Redis connection.
type pulseClient struct {
	rdb    *redis.Client
	maxLen int
}

// NewClient builds the Pulse-backed stream client.
func NewClient(rdb *redis.Client) (Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &pulseClient{rdb: rdb, maxLen: defaultStreamMaxLen}, nil
}

func (c *pulseClient) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	all := append([]streamopts.Stream{streamopts.WithStreamMaxLen(c.maxLen)}, opts...)
	str, err := streaming.NewStream(name, c.rdb, all...)
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", name, err)
	}
	return &streamHandle{stream: str}, nil
}

type streamHandle struct {
	stream *streaming.Stream
}

func (h *streamHandle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return h.stream.Add(ctx, event, payload)
}

func (h *streamHandle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkHandle{Sink: sink}, nil
}

// sinkHandle narrows *streaming.Sink to the Sink interface.
type sinkHandle struct {
	*streaming.Sink
}

func (s sinkHandle) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
