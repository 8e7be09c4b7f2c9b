package marketcache

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/dhanstream/marketfeed/controlplane"
)

// PubSubSource adapts a *redis.PubSub subscribed to the plan-lifecycle
// channels into controlplane.Source, translating redis.Message into
// controlplane.Message on a background goroutine.
type PubSubSource struct {
	ps  *redis.PubSub
	out chan controlplane.Message
}

// NewPubSubSource wraps ps and starts forwarding until ctx is
// cancelled, at which point the output channel is closed.
func NewPubSubSource(ctx context.Context, ps *redis.PubSub) *PubSubSource {
	s := &PubSubSource{ps: ps, out: make(chan controlplane.Message, 64)}
	go s.pump(ctx)
	return s
}

func (s *PubSubSource) pump(ctx context.Context) {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- controlplane.Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Messages implements controlplane.Source.
func (s *PubSubSource) Messages() <-chan controlplane.Message { return s.out }
