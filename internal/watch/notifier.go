// Package watch provides an in-process change notification bus for
// collections.
package watch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op is the kind of change a notification reports.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpClear  Op = "clear"
)

// Change reports a committed mutation of a collection.
type Change struct {
	Collection string
	Op         Op
	IDs        []int64
	Timestamp  int64
}

// Subscriber receives the changes of the collections it filters on.
type Subscriber struct {
	ID          string
	Collections []string
	Ch          chan Change
}

// Notifier fans changes out to subscribers.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
}

// NewNotifier creates a notifier whose subscriber channels buffer
// bufferSize changes.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Notifier{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish sends a change to every matching subscriber.
// Non-blocking: if a subscriber's channel is full, the change is dropped.
func (n *Notifier) Publish(c Change) {
	if n == nil {
		return
	}
	if c.Timestamp == 0 {
		c.Timestamp = time.Now().UnixNano()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subscribers {
		if !matches(sub, c.Collection) {
			continue
		}
		select {
		case sub.Ch <- c:
		default:
		}
	}
}

// Subscribe registers a subscriber for the given collections; none means
// all of them. An empty id gets a generated one.
func (n *Notifier) Subscribe(id string, collections ...string) *Subscriber {
	if id == "" {
		id = "sub_" + uuid.NewString()
	}
	sub := &Subscriber{
		ID:          id,
		Collections: collections,
		Ch:          make(chan Change, n.bufferSize),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if prev, ok := n.subscribers[id]; ok {
		close(prev.Ch)
	}
	n.subscribers[id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.subscribers[id]; ok {
		delete(n.subscribers, id)
		close(sub.Ch)
	}
}

// Len returns the number of subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// Close unsubscribes everyone.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, sub := range n.subscribers {
		delete(n.subscribers, id)
		close(sub.Ch)
	}
}

func matches(sub *Subscriber, collection string) bool {
	if len(sub.Collections) == 0 {
		return true
	}
	for _, c := range sub.Collections {
		if c == collection {
			return true
		}
	}
	return false
}
