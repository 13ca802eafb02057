package txbus

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// listener is one registration.
type listener struct {
	id        string
	kind      event.Kind
	fn        event.Listener
	priority  int
	once      bool
	owner     string
	createdAt time.Time
	seq       uint64
}

// ListenerInfo describes a registered listener.
type ListenerInfo struct {
	ID        string     `json:"id"`
	Kind      event.Kind `json:"kind"`
	Priority  int        `json:"priority"`
	Once      bool       `json:"once"`
	Owner     string     `json:"owner,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Unsubscribe removes exactly the registration that returned it and
// reports whether it was still registered.
type Unsubscribe func() bool

func noopUnsubscribe() bool { return false }

// On registers fn for kind and returns a function that removes it.
// After Destroy, On registers nothing and returns a no-op.
//
// Example:
//
//	unsub := bus.On(event.StockReduced, event.Typed(inventory.onReduced),
//	    txbus.WithPriority(10), txbus.WithOwner("inventory"))
//	defer unsub()
func (b *Bus) On(kind event.Kind, fn event.Listener, opts ...ListenOption) Unsubscribe {
	if b.closing.Load() || fn == nil {
		return noopUnsubscribe
	}
	if !kind.Valid() {
		b.cfg.logger.Warn("listener for unknown event kind ignored",
			"kind", string(kind),
		)
		return noopUnsubscribe
	}

	var lc listenConfig
	for _, opt := range opts {
		opt(&lc)
	}

	l := &listener{
		id:        uuid.New().String(),
		kind:      kind,
		fn:        fn,
		priority:  lc.priority,
		once:      lc.once,
		owner:     lc.owner,
		createdAt: time.Now(),
		seq:       b.seq.Add(1),
	}

	b.mu.Lock()
	if l.once {
		b.onceQueue[kind] = append(b.onceQueue[kind], l)
	} else {
		b.listeners[kind] = append(b.listeners[kind], l)
	}
	b.mu.Unlock()

	b.counters.listenersRegistered.Add(1)

	b.cfg.logger.Debug("listener registered",
		"listener_id", l.id,
		"kind", string(kind),
		"priority", l.priority,
		"once", l.once,
		"owner", l.owner,
	)

	return func() bool {
		return b.Off(kind, l.id)
	}
}

// Once registers fn to run on the next emission of kind only.
func (b *Bus) Once(kind event.Kind, fn event.Listener, opts ...ListenOption) Unsubscribe {
	return b.On(kind, fn, append(opts, WithOnce())...)
}

// Off removes a listener by ID from either the persistent or the one-shot
// registry. Removing the last listener for a kind drops its bucket.
func (b *Bus) Off(kind event.Kind, listenerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if removeListener(b.listeners, kind, listenerID) {
		return true
	}
	return removeListener(b.onceQueue, kind, listenerID)
}

func removeListener(buckets map[event.Kind][]*listener, kind event.Kind, id string) bool {
	bucket, ok := buckets[kind]
	if !ok {
		return false
	}
	for i, l := range bucket {
		if l.id != id {
			continue
		}
		bucket = append(bucket[:i:i], bucket[i+1:]...)
		if len(bucket) == 0 {
			delete(buckets, kind)
		} else {
			buckets[kind] = bucket
		}
		return true
	}
	return false
}

// ListenerCount returns the number of listeners (persistent and one-shot)
// registered for kind.
func (b *Bus) ListenerCount(kind event.Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[kind]) + len(b.onceQueue[kind])
}

// Listeners returns the listeners for kind in dispatch order.
func (b *Bus) Listeners(kind event.Kind) []ListenerInfo {
	b.mu.RLock()
	all := make([]*listener, 0, len(b.listeners[kind])+len(b.onceQueue[kind]))
	all = append(all, b.listeners[kind]...)
	all = append(all, b.onceQueue[kind]...)
	b.mu.RUnlock()

	sortListeners(all)

	infos := make([]ListenerInfo, len(all))
	for i, l := range all {
		infos[i] = ListenerInfo{
			ID:        l.id,
			Kind:      l.kind,
			Priority:  l.priority,
			Once:      l.once,
			Owner:     l.owner,
			CreatedAt: l.createdAt,
		}
	}
	return infos
}

// resolve snapshots the persistent listeners for kind and claims every
// queued one-shot listener. Claiming happens under the registry lock, so
// concurrent emissions never share a one-shot listener.
func (b *Bus) resolve(kind event.Kind) []*listener {
	b.mu.Lock()
	persistent := b.listeners[kind]
	once := b.onceQueue[kind]
	delete(b.onceQueue, kind)
	b.mu.Unlock()

	all := make([]*listener, 0, len(persistent)+len(once))
	all = append(all, persistent...)
	all = append(all, once...)
	sortListeners(all)
	return all
}

// requeueOnce returns claimed one-shot listeners that never ran to the
// queue. Nothing is queued once the bus is closing.
func (b *Bus) requeueOnce(kind event.Kind, unstarted []*listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing.Load() {
		return
	}
	for _, l := range unstarted {
		if l.once {
			b.onceQueue[kind] = append(b.onceQueue[kind], l)
		}
	}
}

// sortListeners orders by priority descending, then registration order.
func sortListeners(ls []*listener) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].priority != ls[j].priority {
			return ls[i].priority > ls[j].priority
		}
		return ls[i].seq < ls[j].seq
	})
}

// listenerTotal returns the number of registered listeners across kinds.
func (b *Bus) listenerTotal() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, bucket := range b.listeners {
		n += len(bucket)
	}
	for _, bucket := range b.onceQueue {
		n += len(bucket)
	}
	return n
}
