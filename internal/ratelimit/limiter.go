// Package ratelimit admits requests per client key over a sliding time window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultLimit  = 10
	DefaultWindow = time.Minute
)

// Limiter decides whether a request from clientKey may proceed. Implementations must be safe for
// concurrent use.
type Limiter interface {
	Admit(ctx context.Context, clientKey string) (bool, error)
}

// SlidingWindow keeps a log of admission timestamps per key in process memory.
// State is lost on restart.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLog
}

type clientLog struct {
	mu      sync.Mutex
	hits    []time.Time
	evicted bool
}

type Option func(*SlidingWindow)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(w *SlidingWindow) {
		w.now = now
	}
}

func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	w := &SlidingWindow{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientLog),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *SlidingWindow) Admit(_ context.Context, clientKey string) (bool, error) {
	for {
		log := w.clientLog(clientKey)
		log.mu.Lock()
		if log.evicted {
			// Cleanup removed this log after we looked it up.
			log.mu.Unlock()
			continue
		}
		allowed := w.record(log)
		log.mu.Unlock()
		return allowed, nil
	}
}

// record must be called with log.mu held.
func (w *SlidingWindow) record(log *clientLog) bool {
	now := w.now()
	log.hits = prune(log.hits, now, w.window)
	if len(log.hits) >= w.limit {
		return false
	}
	log.hits = append(log.hits, now)
	return true
}

func (w *SlidingWindow) clientLog(key string) *clientLog {
	w.mu.Lock()
	defer w.mu.Unlock()

	log, ok := w.clients[key]
	if !ok {
		log = &clientLog{}
		w.clients[key] = log
	}
	return log
}

// Cleanup forgets keys whose whole log has aged out of the window.
func (w *SlidingWindow) Cleanup() {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for key, log := range w.clients {
		log.mu.Lock()
		log.hits = prune(log.hits, now, w.window)
		if len(log.hits) == 0 {
			log.evicted = true
			delete(w.clients, key)
		}
		log.mu.Unlock()
	}
}

// Run calls Cleanup every interval until ctx is done.
func (w *SlidingWindow) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * w.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Cleanup()
		}
	}
}

func (w *SlidingWindow) trackedKeys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

// prune drops timestamps whose age has reached the window. hits is kept in ascending order.
func prune(hits []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(hits) && now.Sub(hits[cut]) >= window {
		cut++
	}
	if cut == 0 {
		return hits
	}
	return append(hits[:0], hits[cut:]...)
}
