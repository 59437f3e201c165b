package snapshot

import (
	"sync"
)

// Update announces a new snapshot of an environment.
type Update struct {
	Environment string `json:"environment"`
	ETag        string `json:"etag"`
}

// allEnvironmentsBuffer is the channel size of subscribers to every
// environment.
const allEnvironmentsBuffer = 64

type subscriber struct {
	env string // empty: every environment
	ch  chan Update
}

// Notifier fans snapshot updates out to subscribers. A slow subscriber never
// blocks Publish: when its buffer is full the oldest pending update is
// replaced, so a subscriber to one environment always ends up holding that
// environment's latest ETag.
type Notifier struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewNotifier creates a notifier without subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a listener for env, or for every environment when env
// is empty, and returns its channel and an unsubscribe func. The unsubscribe
// func may be called more than once.
func (n *Notifier) Subscribe(env string) (<-chan Update, func()) {
	size := 1
	if env == "" {
		size = allEnvironmentsBuffer
	}
	sub := &subscriber{env: env, ch: make(chan Update, size)}
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, sub)
			close(sub.ch)
			n.mu.Unlock()
		})
	}
	return sub.ch, unsub
}

// Publish notifies the listeners of u.Environment without blocking.
func (n *Notifier) Publish(u Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs {
		if sub.env != "" && sub.env != u.Environment {
			continue
		}
		select {
		case sub.ch <- u:
			continue
		default:
		}
		// full: drop the oldest pending update. Only Publish sends, and it
		// holds the lock, so the retry has room unless the reader drained
		// it in between.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- u:
		default:
		}
	}
}

// Subscribers returns the number of registered listeners.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
