// Package dedup collapses concurrent identical chat requests into a single
// upstream provider call. Callers that arrive while an identical request is
// in flight join the original call and observe the same result or error.
package dedup

import (
	"sync"
	"time"

	"multillm-api/internal/metrics"
	"multillm-api/internal/shared"

	"go.uber.org/zap"
)

type Config struct {
	// MaxActive bounds the in-flight entry map. Inserting past the bound
	// evicts the single oldest entry first.
	MaxActive int

	// SweepInterval is how often the background sweep scans for stuck
	// entries.
	SweepInterval time.Duration

	// MaxAge is the age past which an in-flight entry is treated as
	// abandoned and removed by the sweep.
	MaxAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxActive:     shared.DedupDefaultMaxActive,
		SweepInterval: shared.DedupSweepInterval,
		MaxAge:        shared.DedupMaxEntryAge,
	}
}

// pendingRequest tracks one in-flight upstream call. The done channel is the
// shared result handle: it is closed exactly once when the call settles, after
// result and err have been written.
type pendingRequest struct {
	fingerprint string
	provider    string
	createdAt   time.Time
	joinCount   int
	callers     []string

	done   chan struct{}
	result []byte
	err    error
}

// Deduplicator guarantees at most one in-flight upstream call per
// fingerprint. The check-then-insert step is guarded by a mutex so that two
// concurrent calls for the same fingerprint can never both invoke the
// upstream function.
type Deduplicator struct {
	cfg Config
	log *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*pendingRequest
	stats  stats

	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config, log *zap.SugaredLogger) *Deduplicator {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = shared.DedupDefaultMaxActive
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = shared.DedupSweepInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = shared.DedupMaxEntryAge
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Deduplicator{
		cfg:    cfg,
		log:    log,
		active: make(map[string]*pendingRequest),
		done:   make(chan struct{}),
	}
	go d.sweep()
	return d
}

// Deduplicate runs call through the single-flight map. If an identical
// request is already in flight the caller joins it and receives the same
// result; otherwise call is invoked exactly once and its outcome is shared
// with any joiners that arrive before it settles. The returned bool reports
// whether this caller joined an existing flight.
//
// There is no cancellation: once call has been invoked it runs to completion
// and joiners cannot detach from the shared handle. A timeout on the upstream
// request, if any, belongs inside call.
func (d *Deduplicator) Deduplicate(req Request, call func() ([]byte, error)) ([]byte, bool, error) {
	start := time.Now()
	fp := Fingerprint(req)

	d.mu.Lock()
	d.stats.totalRequests++
	if p, ok := d.active[fp]; ok {
		p.joinCount++
		if req.CallerID != "" {
			p.callers = append(p.callers, req.CallerID)
		}
		d.stats.recordDuplicate(time.Since(start))
		joins := p.joinCount
		d.mu.Unlock()

		metrics.DedupHits.WithLabelValues(req.Provider).Inc()
		d.log.Debugw("Joined in-flight request",
			"fingerprint", fp,
			"join_count", joins,
			"caller_id", req.CallerID)

		<-p.done
		return p.result, true, p.err
	}

	if len(d.active) >= d.cfg.MaxActive {
		d.evictOldestLocked()
	}

	p := &pendingRequest{
		fingerprint: fp,
		provider:    req.Provider,
		createdAt:   time.Now(),
		joinCount:   1,
		done:        make(chan struct{}),
	}
	if req.CallerID != "" {
		p.callers = append(p.callers, req.CallerID)
	}
	d.active[fp] = p
	d.stats.recordDetection(time.Since(start))
	metrics.DedupActiveEntries.Set(float64(len(d.active)))
	d.mu.Unlock()

	p.result, p.err = call()
	elapsed := time.Since(p.createdAt)
	close(p.done)

	d.mu.Lock()
	// The sweep may have already replaced or removed this entry; only delete
	// our own.
	if cur, ok := d.active[fp]; ok && cur == p {
		delete(d.active, fp)
	}
	if p.joinCount > 1 {
		// Heuristic: assume every joiner would have taken as long as the
		// original call. This is an estimate, not a measurement.
		saved := elapsed * time.Duration(p.joinCount-1)
		d.stats.timeSaved += saved
		metrics.DedupTimeSaved.Add(saved.Seconds())
	}
	metrics.DedupActiveEntries.Set(float64(len(d.active)))
	d.mu.Unlock()

	if p.err != nil {
		d.log.Debugw("Upstream call failed",
			"fingerprint", fp,
			"error", p.err.Error(),
			"joins", p.joinCount)
	}
	return p.result, false, p.err
}

// evictOldestLocked removes the entry with the oldest creation timestamp to
// make room for a new one. Must be called with mu held. Waiters on the
// evicted entry stay attached to its handle; only the map slot is reclaimed.
func (d *Deduplicator) evictOldestLocked() {
	var oldestKey string
	var oldest *pendingRequest
	for key, p := range d.active {
		if oldest == nil || p.createdAt.Before(oldest.createdAt) {
			oldestKey = key
			oldest = p
		}
	}
	if oldest == nil {
		return
	}
	delete(d.active, oldestKey)
	d.stats.capacityEvictions++
	metrics.DedupEvictions.WithLabelValues("capacity").Inc()
	d.log.Warnw("Evicted in-flight entry under memory pressure",
		"fingerprint", oldestKey,
		"age", time.Since(oldest.createdAt).String(),
		"join_count", oldest.joinCount)
}

// sweep periodically removes entries that have been in flight longer than
// MaxAge. This protects the map from upstream calls that never settle; the
// original waiters remain attached to the orphaned handle.
func (d *Deduplicator) sweep() {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.runSweep()
		case <-d.done:
			return
		}
	}
}

func (d *Deduplicator) runSweep() {
	now := time.Now()

	d.mu.Lock()
	for key, p := range d.active {
		age := now.Sub(p.createdAt)
		if age <= d.cfg.MaxAge {
			continue
		}
		delete(d.active, key)
		d.stats.expiredEvictions++
		metrics.DedupEvictions.WithLabelValues("expired").Inc()
		d.log.Warnw("Removed expired in-flight entry",
			"fingerprint", key,
			"age", age.String(),
			"join_count", p.joinCount,
			"callers", p.callers)
	}
	metrics.DedupActiveEntries.Set(float64(len(d.active)))
	d.mu.Unlock()
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (d *Deduplicator) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}
