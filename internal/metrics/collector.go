// Package metrics holds the process counters exposed on /metrics. A Collector is created by
// the runtime and handed to the components that record into it; there is no package state.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type routeStats struct {
	count      uint64
	errors     uint64
	totalNanos int64
}

// Collector is safe for concurrent use. A nil *Collector records nothing.
type Collector struct {
	mu        sync.Mutex
	startedAt time.Time
	counters  map[string]uint64
	routes    map[string]*routeStats
}

func NewCollector(startedAt time.Time) *Collector {
	return &Collector{
		startedAt: startedAt,
		counters:  make(map[string]uint64),
		routes:    make(map[string]*routeStats),
	}
}

// Inc bumps a counter. Labels are key/value pairs folded into the counter name.
func (c *Collector) Inc(name string, labels ...string) {
	c.Add(name, 1, labels...)
}

func (c *Collector) Add(name string, delta uint64, labels ...string) {
	if c == nil {
		return
	}
	key := counterKey(name, labels)
	c.mu.Lock()
	c.counters[key] += delta
	c.mu.Unlock()
}

// ObserveRequest records one HTTP exchange for a route pattern.
func (c *Collector) ObserveRequest(method, route string, statusCode int, elapsed time.Duration) {
	if c == nil {
		return
	}
	key := method + " " + route
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.routes[key]
	if !ok {
		st = &routeStats{}
		c.routes[key] = st
	}
	st.count++
	if statusCode >= 500 {
		st.errors++
	}
	st.totalNanos += elapsed.Nanoseconds()
}

type RouteSnapshot struct {
	Count        uint64  `json:"count"`
	ServerErrors uint64  `json:"server_errors"`
	AvgMillis    float64 `json:"avg_ms"`
}

type Snapshot struct {
	StartedAt     time.Time                `json:"started_at"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Counters      map[string]uint64        `json:"counters"`
	Routes        map[string]RouteSnapshot `json:"routes"`
}

func (c *Collector) Snapshot(now time.Time) Snapshot {
	if c == nil {
		return Snapshot{Counters: map[string]uint64{}, Routes: map[string]RouteSnapshot{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Snapshot{
		StartedAt:     c.startedAt,
		UptimeSeconds: int64(now.Sub(c.startedAt).Seconds()),
		Counters:      make(map[string]uint64, len(c.counters)),
		Routes:        make(map[string]RouteSnapshot, len(c.routes)),
	}
	for k, v := range c.counters {
		out.Counters[k] = v
	}
	for k, st := range c.routes {
		rs := RouteSnapshot{Count: st.count, ServerErrors: st.errors}
		if st.count > 0 {
			rs.AvgMillis = float64(st.totalNanos) / float64(st.count) / float64(time.Millisecond)
		}
		out.Routes[k] = rs
	}
	return out
}

// Counter returns the current value of a single counter.
func (c *Collector) Counter(name string, labels ...string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[counterKey(name, labels)]
}

func counterKey(name string, labels []string) string {
	if len(labels) < 2 {
		return name
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, labels[i]+"="+labels[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
