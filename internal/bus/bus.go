// Package bus adapts the MQTT broker to the dispatcher: publish, subscribe,
// topic routing. Central publishes commands for CPs on the same topic it
// consumes driver requests from, so the dispatcher filters its own traffic.
package bus

import "context"

// Handler receives every message delivered on a subscribed topic.
type Handler func(ctx context.Context, topic string, payload []byte)

// Bus is the asynchronous transport between Central, engines, drivers and
// the weather ingester.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close(ctx context.Context) error
}

// Nop is the bus used in memory-only mode and in tests: publishes vanish,
// subscriptions never fire.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error    { return nil }
func (Nop) Subscribe(context.Context, string, Handler) error { return nil }
func (Nop) Close(context.Context) error                      { return nil }
