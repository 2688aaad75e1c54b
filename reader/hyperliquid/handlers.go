package hyperliquid

import (
	"context"
	"sync"

	"hyperflow/models"
)

// HandlerFunc receives every frame of the topic it is registered for.
type HandlerFunc func(ctx context.Context, msg Message) error

type registration struct {
	name string
	fn   HandlerFunc
}

// registry maps a topic to its handlers in registration order. A name is
// unique per topic, so registering it again replaces the earlier handler.
type registry struct {
	mu      sync.RWMutex
	byTopic map[Topic][]registration
}

func newRegistry() *registry {
	return &registry{byTopic: make(map[Topic][]registration)}
}

func (r *registry) register(topic Topic, name string, fn HandlerFunc) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.byTopic[topic]
	for i := range regs {
		if regs[i].name == name {
			regs[i].fn = fn
			return true
		}
	}
	r.byTopic[topic] = append(regs, registration{name: name, fn: fn})
	return false
}

func (r *registry) remove(topic Topic, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.byTopic[topic]
	for i := range regs {
		if regs[i].name == name {
			r.byTopic[topic] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// handlers returns a copy so dispatch never holds the lock while a handler runs.
func (r *registry) handlers(topic Topic) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.byTopic[topic]
	out := make([]registration, len(regs))
	copy(out, regs)
	return out
}

func (r *registry) count(topic Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic[topic])
}

// TradesHandler decodes a trades frame before calling fn.
func TradesHandler(fn func(ctx context.Context, trades []models.Trade) error) HandlerFunc {
	return func(ctx context.Context, msg Message) error {
		trades, err := DecodeTrades(msg.Data)
		if err != nil {
			return err
		}
		return fn(ctx, trades)
	}
}

// BookHandler decodes an l2Book frame before calling fn.
func BookHandler(fn func(ctx context.Context, book models.OrderBook) error) HandlerFunc {
	return func(ctx context.Context, msg Message) error {
		book, err := DecodeOrderBook(msg.Data)
		if err != nil {
			return err
		}
		return fn(ctx, book)
	}
}

// AssetContextHandler decodes an activeAssetCtx frame before calling fn.
func AssetContextHandler(fn func(ctx context.Context, asset models.AssetContext) error) HandlerFunc {
	return func(ctx context.Context, msg Message) error {
		asset, err := DecodeAssetContext(msg.Data, msg.ReceivedAt)
		if err != nil {
			return err
		}
		return fn(ctx, asset)
	}
}
