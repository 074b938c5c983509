// Package scheduler runs named one-shot and periodic tasks on their own
// goroutines. Every task returns a Handle that can revoke it.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handle revokes a scheduled task. Cancel is idempotent and safe to call from
// inside the task itself.
type Handle struct {
	name     string
	once     sync.Once
	stop     chan struct{}
	canceled atomic.Bool
	s        *Scheduler
	id       uint64
}

// Name returns the task name.
func (h *Handle) Name() string { return h.name }

// Cancel stops the task. A run already in progress is allowed to finish.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.canceled.Store(true)
		close(h.stop)
		h.s.forget(h.id)
	})
}

// Canceled reports whether Cancel has been called.
func (h *Handle) Canceled() bool { return h.canceled.Load() }

// Scheduler owns a set of tasks.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	tasks   map[uint64]*Handle
	stopped bool
	wg      sync.WaitGroup

	runs atomic.Uint64
}

// New creates a scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger,
		tasks:  make(map[uint64]*Handle),
	}
}

// Every runs fn every interval until canceled. Runs never overlap.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) *Handle {
	h := s.register(name)
	if h.Canceled() {
		return h
	}
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				s.run(h, fn)
			}
		}
	}()
	return h
}

// After runs fn once after delay unless canceled first.
func (s *Scheduler) After(name string, delay time.Duration, fn func()) *Handle {
	h := s.register(name)
	if h.Canceled() {
		return h
	}
	go func() {
		defer s.wg.Done()
		defer h.Cancel()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-h.stop:
		case <-timer.C:
			s.run(h, fn)
		}
	}()
	return h
}

func (s *Scheduler) register(name string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	h := &Handle{name: name, stop: make(chan struct{}), s: s, id: s.nextID}
	if s.stopped {
		h.canceled.Store(true)
		h.once.Do(func() { close(h.stop) })
		return h
	}
	s.tasks[h.id] = h
	s.wg.Add(1)
	return h
}

func (s *Scheduler) forget(id uint64) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

func (s *Scheduler) run(h *Handle, fn func()) {
	if h.Canceled() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked",
				zap.String("task", h.name),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	s.runs.Add(1)
	fn()
}

// Len returns the number of live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Runs returns the number of task executions so far.
func (s *Scheduler) Runs() uint64 {
	return s.runs.Load()
}

// Stop cancels every task and waits for running ones to return. Tasks
// scheduled afterwards are canceled immediately.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	handles := make([]*Handle, 0, len(s.tasks))
	for _, h := range s.tasks {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	s.wg.Wait()
	s.logger.Debug("Scheduler stopped", zap.Int("tasks", len(handles)))
}
