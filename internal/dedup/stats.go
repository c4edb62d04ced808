package dedup

import (
	"fmt"
	"time"
)

// stats holds process-lifetime counters. Mutated only with the deduplicator
// mutex held; reset on process restart.
type stats struct {
	totalRequests       uint64
	duplicatesDetected  uint64
	capacityEvictions   uint64
	expiredEvictions    uint64
	timeSaved           time.Duration
	detectionLatencySum time.Duration
	detectionSamples    uint64
}

func (s *stats) recordDuplicate(latency time.Duration) {
	s.duplicatesDetected++
	s.detectionLatencySum += latency
	s.detectionSamples++
}

func (s *stats) recordDetection(latency time.Duration) {
	s.detectionLatencySum += latency
	s.detectionSamples++
}

// Statistics is a read-only snapshot of deduplicator state.
type Statistics struct {
	TotalRequests       uint64        `json:"total_requests"`
	DuplicatesDetected  uint64        `json:"duplicates_detected"`
	DuplicateRate       float64       `json:"duplicate_rate_percent"`
	AvgDetectionLatency time.Duration `json:"avg_detection_latency_ns"`
	EstimatedTimeSaved  time.Duration `json:"estimated_time_saved_ns"`
	CapacityEvictions   uint64        `json:"capacity_evictions"`
	ExpiredEvictions    uint64        `json:"expired_evictions"`
	ActiveRequests      int           `json:"active_requests"`
	AvgEntryAge         time.Duration `json:"avg_entry_age_ns"`
	MemoryUtilization   float64       `json:"memory_utilization"`
}

func (d *Deduplicator) Statistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := Statistics{
		TotalRequests:      d.stats.totalRequests,
		DuplicatesDetected: d.stats.duplicatesDetected,
		EstimatedTimeSaved: d.stats.timeSaved,
		CapacityEvictions:  d.stats.capacityEvictions,
		ExpiredEvictions:   d.stats.expiredEvictions,
		ActiveRequests:     len(d.active),
		MemoryUtilization:  float64(len(d.active)) / float64(d.cfg.MaxActive),
	}
	if d.stats.totalRequests > 0 {
		snap.DuplicateRate = float64(d.stats.duplicatesDetected) / float64(d.stats.totalRequests) * 100
	}
	if d.stats.detectionSamples > 0 {
		snap.AvgDetectionLatency = d.stats.detectionLatencySum / time.Duration(d.stats.detectionSamples)
	}
	if len(d.active) > 0 {
		now := time.Now()
		var total time.Duration
		for _, p := range d.active {
			total += now.Sub(p.createdAt)
		}
		snap.AvgEntryAge = total / time.Duration(len(d.active))
	}
	return snap
}

// HealthStatus is advisory only. It never blocks and never errors; it flags
// patterns that usually indicate a misconfiguration upstream.
type HealthStatus struct {
	Healthy         bool     `json:"healthy"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// healthMinSample is the request count below which duplicate-rate checks are
// skipped; rates over a handful of requests are noise.
const healthMinSample = 100

func (d *Deduplicator) Health() HealthStatus {
	snap := d.Statistics()

	status := HealthStatus{
		Issues:          []string{},
		Recommendations: []string{},
	}

	if snap.MemoryUtilization >= 0.9 {
		status.Issues = append(status.Issues,
			fmt.Sprintf("active set at %.0f%% of capacity (%d/%d)",
				snap.MemoryUtilization*100, snap.ActiveRequests, d.cfg.MaxActive))
		status.Recommendations = append(status.Recommendations,
			"increase --dedup-max-active or investigate slow upstream calls")
	}

	if snap.TotalRequests >= healthMinSample {
		if snap.DuplicateRate < 1 {
			status.Issues = append(status.Issues,
				fmt.Sprintf("duplicate rate %.2f%% is unusually low", snap.DuplicateRate))
			status.Recommendations = append(status.Recommendations,
				"verify fingerprinting covers the fields clients actually vary")
		}
		if snap.DuplicateRate > 80 {
			status.Issues = append(status.Issues,
				fmt.Sprintf("duplicate rate %.2f%% is unusually high", snap.DuplicateRate))
			status.Recommendations = append(status.Recommendations,
				"check callers for a request loop issuing identical calls")
		}
	}

	status.Healthy = len(status.Issues) == 0
	return status
}
