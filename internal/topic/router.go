package topic

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/fleetbus/internal/stream"
)

// DefaultQueuePrefix is used when a Router is created with an empty prefix.
const DefaultQueuePrefix = "fleet"

// entityQueueWord marks per-entity queue names. Entity queues have one more
// word than stream and dead-letter queues, so no entity id can name either.
const entityQueueWord = "entity"

// Declarer declares a durable queue bound to a pattern on the current broker
// connection. Generation changes whenever the connection is replaced, which
// invalidates every binding the Router remembers.
type Declarer interface {
	Declare(ctx context.Context, queue, pattern string) error
	Generation() uint64
}

// QueueHandle names a declared queue.
type QueueHandle struct {
	Name    string
	Pattern string

	// Stream is set for stream queues, Entity for per-entity queues and
	// Category for per-entity and dead-letter queues.
	Stream   stream.Type
	Entity   string
	Category string

	Generation uint64
}

// Router declares and binds entity-class queues. Binding is idempotent per
// connection generation, and concurrent binds of the same queue are collapsed
// into a single declaration.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Router struct {
	prefix string

	group singleflight.Group

	mu    sync.Mutex
	bound map[string]QueueHandle // by bindKey
}

// NewRouter creates a Router whose queue names start with prefix.
func NewRouter(prefix string) *Router {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	return &Router{
		prefix: prefix,
		bound:  make(map[string]QueueHandle),
	}
}

// Prefix returns the queue name prefix.
func (r *Router) Prefix() string { return r.prefix }

// QueueName returns the queue consumers of stream t share:
// "<prefix>.<category>.<stream-name>".
func (r *Router) QueueName(t stream.Type) string {
	return r.prefix + separator + string(t)
}

// Bind declares the queue for stream t bound to "<category>.<stream-name>.*".
func (r *Router) Bind(ctx context.Context, d Declarer, t stream.Type) (QueueHandle, error) {
	if !t.Valid() {
		return QueueHandle{}, fmt.Errorf("%w: %q", stream.ErrUnknownStream, t)
	}
	return r.bind(ctx, d, QueueHandle{
		Name:     r.QueueName(t),
		Pattern:  Pattern(t),
		Stream:   t,
		Category: t.Category(),
	})
}

// BindEntity declares a queue receiving every stream of category addressed
// to entityID, e.g. all control commands for one vehicle. The queue is named
// "<prefix>.entity.<entity-id>.<category>".
func (r *Router) BindEntity(ctx context.Context, d Declarer, category, entityID string) (QueueHandle, error) {
	if !slices.Contains(stream.Categories(), category) {
		return QueueHandle{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if err := ValidateEntityID(entityID); err != nil {
		return QueueHandle{}, err
	}
	return r.bind(ctx, d, QueueHandle{
		Name:     r.prefix + separator + entityQueueWord + separator + entityID + separator + category,
		Pattern:  EntityPattern(category, entityID),
		Entity:   entityID,
		Category: category,
	})
}

// BindDeadLetter declares the dead-letter queue of category, bound to
// "dlq.<category>.*.*".
func (r *Router) BindDeadLetter(ctx context.Context, d Declarer, category string) (QueueHandle, error) {
	if !slices.Contains(stream.Categories(), category) {
		return QueueHandle{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return r.bind(ctx, d, QueueHandle{
		Name:     r.prefix + separator + DeadLetterPrefix + separator + category,
		Pattern:  DeadLetterPattern(category),
		Category: category,
	})
}

func (r *Router) bind(ctx context.Context, d Declarer, h QueueHandle) (QueueHandle, error) {
	gen := d.Generation()
	id := bindKey(h)

	r.mu.Lock()
	cached, ok := r.bound[id]
	r.mu.Unlock()
	if ok && cached.Generation == gen {
		return cached, nil
	}

	v, err, _ := r.group.Do(fmt.Sprintf("%d/%s", gen, id), func() (any, error) {
		r.mu.Lock()
		cached, ok := r.bound[id]
		r.mu.Unlock()
		if ok && cached.Generation == gen {
			return cached, nil
		}

		if err := d.Declare(ctx, h.Name, h.Pattern); err != nil {
			return nil, fmt.Errorf("%w: %s -> %s: %w", ErrBindFailed, h.Pattern, h.Name, err)
		}
		h.Generation = gen

		r.mu.Lock()
		if prev, ok := r.bound[id]; !ok || prev.Generation <= gen {
			r.bound[id] = h
		}
		r.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return QueueHandle{}, err
	}
	return v.(QueueHandle), nil
}

// bindKey identifies a binding by queue and pattern.
func bindKey(h QueueHandle) string {
	return h.Name + " " + h.Pattern
}

// Forget drops every remembered binding so the next Bind declares again.
func (r *Router) Forget() {
	r.mu.Lock()
	clear(r.bound)
	r.mu.Unlock()
}
