package book

import "sync"

// Snapshot is the latest published view of both outcome-token books, plus
// readiness flags. Consumers always see the freshest snapshot and may miss
// intermediate states.
type Snapshot struct {
	Yes Book
	No  Book

	YesReady bool
	NoReady  bool

	Seq           uint64
	PublishedAtMs int64
}

func (s Snapshot) TokenBook(yes bool) (Book, bool) {
	if yes {
		return s.Yes, s.YesReady && s.Yes.Ready()
	}
	return s.No, s.NoReady && s.No.Ready()
}

// Watch is a latest-value slot with overwrite-on-write semantics and a
// broadcast wakeup: Publish replaces the snapshot and wakes all waiters.
type Watch struct {
	mu   sync.Mutex
	snap Snapshot
	ch   chan struct{}
}

func NewWatch() *Watch {
	return &Watch{ch: make(chan struct{})}
}

// Publish overwrites the slot and wakes everyone blocked on Changed.
func (w *Watch) Publish(s Snapshot) {
	w.mu.Lock()
	w.snap = s
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

// Load returns the freshest snapshot.
func (w *Watch) Load() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

// Changed returns a channel closed at the next Publish. Re-arm by calling
// Changed again after waking.
func (w *Watch) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}
