package kernel

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"
	"github.com/smnsjas/go-kernelproxy/envelope"
	"go.uber.org/zap"
)

// subscribers fans events out to passive observers. Every subscriber owns a topic on
// the bus: the bus identifies handlers by code pointer, so closures sharing one topic
// could not be told apart on Unsubscribe.
//
// The bus holds its lock while handlers run, so a handler must never reach the bus
// directly. Subscribers are bound to the bus by publish, between deliveries, and
// unbound asynchronously.
type subscribers struct {
	bus    evbus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	subs   []*subscription
	nextID uint64
}

type subscription struct {
	topic   string
	handler func(*envelope.Event)
	active  atomic.Bool
	bound   bool // guarded by subscribers.mu
}

func newSubscribers(logger *zap.Logger) *subscribers {
	return &subscribers{bus: evbus.New(), logger: logger}
}

// add registers fn. It is safe to call from inside a subscriber; fn then receives
// events from the next one on.
func (s *subscribers) add(fn func(*envelope.Event)) func() {
	sub := &subscription{}
	sub.active.Store(true)
	sub.handler = func(ev *envelope.Event) {
		if !sub.active.Load() {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("event subscriber panicked",
					zap.Any("panic", r),
					zap.String("type", ev.Type),
					zap.String("token", ev.Token))
			}
		}()
		fn(ev)
	}

	s.mu.Lock()
	s.nextID++
	sub.topic = fmt.Sprintf("event:%d", s.nextID)
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			s.mu.Lock()
			s.subs = slices.DeleteFunc(s.subs, func(x *subscription) bool { return x == sub })
			bound := sub.bound
			s.mu.Unlock()
			if bound {
				go func() { _ = s.bus.Unsubscribe(sub.topic, sub.handler) }()
			}
		})
	}
}

// publish delivers ev to every active subscriber in subscription order. Only the run
// loop publishes.
func (s *subscribers) publish(ev *envelope.Event) {
	s.mu.Lock()
	for _, sub := range s.subs {
		if !sub.bound {
			// Subscribe only fails for handlers that are not functions.
			_ = s.bus.Subscribe(sub.topic, sub.handler)
			sub.bound = true
		}
	}
	topics := make([]string, len(s.subs))
	for i, sub := range s.subs {
		topics[i] = sub.topic
	}
	s.mu.Unlock()

	for _, topic := range topics {
		s.bus.Publish(topic, ev)
	}
}
