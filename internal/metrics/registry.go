// Package metrics collects run counters and gauges and pushes them to sinks.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Metric names pushed by the pipeline
const (
	OracleCalls     = "oracle_calls_total"
	OracleRetries   = "oracle_retries_total"
	OracleFailures  = "oracle_failures_total"
	RateExceeded    = "oracle_rate_exceeded_total"
	Unfinished      = "work_unfinished_total"
	ParseErrors     = "parse_errors_total"
	MalformedClaims = "malformed_claims_total"
	ClaimsExtracted = "claims_extracted_total"
	CanonicalClaims = "canonical_claims"
	DedupRate       = "dedup_rate"
	ClusterGroups   = "cluster_groups"
	ClusterSize     = "cluster_size_max"
	CacheHits       = "embedding_cache_hits_total"
	CacheMisses     = "embedding_cache_misses_total"
	QualityScore    = "quality_score"
)

type Point struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Snapshot struct {
	Counters []Point `json:"counters"`
	Gauges   []Point `json:"gauges"`
}

type entry struct {
	name   string
	labels map[string]string
	value  float64
}

// Registry is a labelled counter and gauge store, one per run
type Registry struct {
	mu       sync.Mutex
	counters map[string]entry
	gauges   map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]entry),
		gauges:   make(map[string]entry),
	}
}

func (r *Registry) Add(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	k, lcopy := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.counters[k]
	if e.name == "" {
		e = entry{name: name, labels: lcopy}
	}
	e.value += delta
	r.counters[k] = e
}

func (r *Registry) Set(name string, labels map[string]string, value float64) {
	k, lcopy := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = entry{name: name, labels: lcopy, value: value}
}

// Counter returns the current value of a counter, 0 when unset
func (r *Registry) Counter(name string, labels map[string]string) float64 {
	k, _ := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[k].value
}

// Gauge returns the current value of a gauge, 0 when unset
func (r *Registry) Gauge(name string, labels map[string]string) float64 {
	k, _ := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[k].value
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Counters: points(r.counters),
		Gauges:   points(r.gauges),
	}
}

// points orders entries by their full key so labelled series are stable
func points(entries map[string]entry) []Point {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Point, 0, len(keys))
	for _, k := range keys {
		e := entries[k]
		out = append(out, Point{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	return out
}

func key(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	copyLabels := make(map[string]string, len(labels))
	for _, k := range keys {
		v := labels[k]
		copyLabels[k] = v
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "|"), copyLabels
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
