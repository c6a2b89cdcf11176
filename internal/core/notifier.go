package core

import (
	"fmt"
	"sync"

	"microlab/pkg/domain"
)

// SnapshotFunc receives the full contents of a collection. The slice and its
// documents belong to the callee.
type SnapshotFunc func(docs []domain.Document)

// Unsubscribe deregisters a subscription. It is safe to call more than once,
// including from the callback. Once it returns no new delivery starts; a
// callback already running is not waited for.
type Unsubscribe func()

// Notifier fans collection snapshots out to subscribers. Every subscription
// owns an unbounded FIFO mailbox drained by its own goroutine, so publishing
// never blocks on a slow callback and each subscriber sees snapshots in publish
// order.
type Notifier struct {
	mu     sync.Mutex
	subs   map[domain.Collection][]*subscription
	nextID uint64
	closed bool
	logger Logger
	wg     sync.WaitGroup
}

// NewNotifier returns an empty notifier. A nil logger discards panic reports.
func NewNotifier(logger Logger) *Notifier {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Notifier{
		subs:   make(map[domain.Collection][]*subscription),
		logger: logger,
	}
}

type subscription struct {
	id         uint64
	collection domain.Collection
	callback   SnapshotFunc
	logger     Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]domain.Document
	stopped bool
}

// Subscribe registers callback for collection. Only snapshots published after
// registration are delivered.
func (n *Notifier) Subscribe(collection domain.Collection, callback SnapshotFunc) Unsubscribe {
	return n.subscribe(collection, callback, nil)
}

// subscribe registers callback and, when initial is non-nil, queues it as the
// first delivery ahead of any later publish.
func (n *Notifier) subscribe(collection domain.Collection, callback SnapshotFunc, initial []domain.Document) Unsubscribe {
	sub := &subscription{collection: collection, callback: callback, logger: n.logger}
	sub.cond = sync.NewCond(&sub.mu)
	if initial != nil {
		sub.queue = append(sub.queue, initial)
	}

	n.mu.Lock()
	if n.closed || callback == nil {
		n.mu.Unlock()
		return func() {}
	}
	n.nextID++
	sub.id = n.nextID
	n.subs[collection] = append(n.subs[collection], sub)
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		sub.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.remove(sub)
			sub.stop()
		})
	}
}

func (n *Notifier) remove(sub *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.subs[sub.collection]
	for i, candidate := range list {
		if candidate.id == sub.id {
			next := make([]*subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(n.subs, sub.collection)
			} else {
				n.subs[sub.collection] = next
			}
			return
		}
	}
}

// Publish queues docs for every current subscriber of collection and returns
// how many subscribers were reached. Each subscriber gets its own deep copy.
func (n *Notifier) Publish(collection domain.Collection, docs []domain.Document) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0
	}
	list := n.subs[collection]
	for _, sub := range list {
		sub.enqueue(domain.CloneDocuments(docs))
	}
	return len(list)
}

// Subscribers reports how many callbacks are registered for collection.
func (n *Notifier) Subscribers(collection domain.Collection) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[collection])
}

// Close stops every subscription, drops undelivered snapshots and waits for
// the delivery goroutines to exit. It must not be called from a callback.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	all := n.subs
	n.subs = make(map[domain.Collection][]*subscription)
	n.mu.Unlock()

	for _, list := range all {
		for _, sub := range list {
			sub.stop()
		}
	}
	n.wg.Wait()
}

func (s *subscription) enqueue(docs []domain.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, docs)
	s.cond.Signal()
}

func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.queue = nil
	s.cond.Broadcast()
}

// run delivers queued snapshots until stopped. A snapshot is only handed to
// the callback if the subscription was still live when it was dequeued.
func (s *subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		docs := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(docs)
	}
}

func (s *subscription) deliver(docs []domain.Document) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber callback panicked",
				"collection", string(s.collection),
				"subscription", s.id,
				"panic", fmt.Sprint(r))
		}
	}()
	s.callback(docs)
}
