// Package clock implements a robust logical clock: a skew-tolerant
// now() driven by the diff between Fusion's own wall-clock reading at
// ingest time and each event's reported mtime.
//
// Per-session observation slices feed a shared histogram bucketed by
// quantized skew value. A session's oldest sample leaves the histogram
// when its ring is full and a new one arrives, and all of its samples
// leave when the session is closed.
package clock

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultRingSize is the number of recent diff samples retained per
	// session before the oldest is evicted from the shared histogram.
	DefaultRingSize = 64

	// DefaultTrustWindow is the half-width of the interval around
	// baseline in which an mtime is accepted as-is.
	DefaultTrustWindow = 1.0 * time.Second

	// bucketWidthSeconds quantizes diff samples for histogram mode estimation.
	// Skew sources (clock drift, timezone misconfiguration) are stable to
	// well within a second, so second-granularity buckets converge fast
	// without the histogram cardinality exploding on floating-point noise.
	bucketWidthSeconds = 1.0
)

// Observation is the result of evaluating one event's mtime against the
// current baseline.
type Observation struct {
	// StorageMtime is the value the arbitrator should persist on the Node.
	// Equal to the original mtime when Trusted is true; clamped to
	// baseline otherwise (future-protection).
	StorageMtime float64

	// PrecedenceMtime is always the event's original, unclamped mtime.
	// Precedence comparisons against existing Nodes must use this value
	// even when Trusted is false, so a single skewed node cannot make
	// every other node's updates look stale.
	PrecedenceMtime float64

	// Trusted is true if mtime fell inside [baseline-trustWindow, baseline+trustWindow].
	Trusted bool

	// Baseline is the deskewed "now" estimate used for this evaluation.
	Baseline float64
}

// Clock is the shared, process-scoped logical clock. One Clock instance
// serves every pipe in a Fusion process; sessions are namespaced by
// session ID.
type Clock struct {
	mu sync.Mutex

	trustWindow float64 // seconds
	ringSize    int

	buffers map[string]*ring // session_id -> sliding window of quantized diffs
	hist    map[int64]int    // quantized diff bucket -> count across all sessions

	bestBucket int64
	bestCount  int
	haveBest   bool

	value    float64 // last computed baseline
	haveSamp bool

	now func() time.Time // overridable for tests
}

type ring struct {
	buf    []int64
	head   int
	filled int
}

// New creates a Clock with the given trust window and per-session ring
// size. Zero values fall back to the package defaults.
func New(trustWindow time.Duration, ringSize int) *Clock {
	if trustWindow <= 0 {
		trustWindow = DefaultTrustWindow
	}
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Clock{
		trustWindow: trustWindow.Seconds(),
		ringSize:    ringSize,
		buffers:     make(map[string]*ring),
		hist:        make(map[int64]int),
		now:         time.Now,
	}
}

func quantize(diffSeconds float64) int64 {
	if diffSeconds >= 0 {
		return int64(diffSeconds/bucketWidthSeconds + 0.5)
	}
	return -int64(-diffSeconds/bucketWidthSeconds + 0.5)
}

// Observe records one event's diff sample for sessionID and returns the
// arbitration-ready Observation for eventMtime (unix seconds).
//
// agentWallTime is Fusion's own wall-clock reading at the moment the
// event is processed (not the sender's clock) — it is the one trusted
// timestamp in the system and is what makes the skew estimate robust
// against a misconfigured node.
func (c *Clock) Observe(sessionID string, agentWallTime time.Time, eventMtime float64) Observation {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallSeconds := float64(agentWallTime.UnixNano()) / 1e9
	diff := wallSeconds - eventMtime
	bucket := quantize(diff)

	c.record(sessionID, bucket)

	skew := c.mode()
	baseline := wallSeconds - skew
	c.value = baseline
	c.haveSamp = true

	lo := baseline - c.trustWindow
	hi := baseline + c.trustWindow
	if eventMtime >= lo && eventMtime <= hi {
		return Observation{StorageMtime: eventMtime, PrecedenceMtime: eventMtime, Trusted: true, Baseline: baseline}
	}
	if eventMtime > hi {
		// Future-dated: store the clamped baseline, but precedence still
		// uses the real mtime so this node's writes don't masquerade as
		// newer than every other node's.
		return Observation{StorageMtime: baseline, PrecedenceMtime: eventMtime, Trusted: false, Baseline: baseline}
	}
	// Far in the past relative to baseline is still accepted as-is; only
	// future skew needs clamping.
	return Observation{StorageMtime: eventMtime, PrecedenceMtime: eventMtime, Trusted: false, Baseline: baseline}
}

// record appends bucket to sessionID's ring, evicting the oldest sample
// (and decrementing its histogram count) if the ring is full.
func (c *Clock) record(sessionID string, bucket int64) {
	r, ok := c.buffers[sessionID]
	if !ok {
		r = &ring{buf: make([]int64, c.ringSize)}
		c.buffers[sessionID] = r
	}

	if r.filled == len(r.buf) {
		evicted := r.buf[r.head]
		c.decHist(evicted)
	} else {
		r.filled++
	}
	r.buf[r.head] = bucket
	r.head = (r.head + 1) % len(r.buf)
	c.incHist(bucket)
}

func (c *Clock) incHist(bucket int64) {
	c.hist[bucket]++
	count := c.hist[bucket]
	if !c.haveBest || count > c.bestCount || (count == c.bestCount && smallerDiff(bucket, c.bestBucket)) {
		c.bestBucket = bucket
		c.bestCount = count
		c.haveBest = true
	}
}

func (c *Clock) decHist(bucket int64) {
	c.hist[bucket]--
	if c.hist[bucket] <= 0 {
		delete(c.hist, bucket)
	}
	if bucket == c.bestBucket {
		c.recomputeBest()
	}
}

// smallerDiff breaks mode ties in favor of the less-skewed (smaller
// magnitude) estimate.
func smallerDiff(a, b int64) bool {
	abs := func(x int64) int64 {
		if x < 0 {
			return -x
		}
		return x
	}
	return abs(a) < abs(b)
}

// recomputeBest rescans the histogram for a new mode after the previous
// mode's bucket count drops. Distinct bucket cardinality is bounded by
// the number of distinct clock-skew magnitudes observed fleet-wide,
// which in practice is small.
func (c *Clock) recomputeBest() {
	c.haveBest = false
	buckets := make([]int64, 0, len(c.hist))
	for b := range c.hist {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return smallerDiff(buckets[i], buckets[j]) })
	for _, b := range buckets {
		count := c.hist[b]
		if !c.haveBest || count > c.bestCount {
			c.bestBucket = b
			c.bestCount = count
			c.haveBest = true
		}
	}
}

// mode returns the current global skew estimate in seconds. Must be
// called with c.mu held.
func (c *Clock) mode() float64 {
	if !c.haveBest {
		return 0
	}
	return float64(c.bestBucket) * bucketWidthSeconds
}

// Now returns the most recently accepted baseline. Falls back to the
// process wall clock if no sample has been observed yet.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveSamp {
		return c.now()
	}
	sec := int64(c.value)
	nsec := int64((c.value - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// GlobalSkew returns the current mode-estimated skew in seconds, for
// metrics and diagnostics.
func (c *Clock) GlobalSkew() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode()
}

// CloseSession removes sessionID's samples from the shared histogram.
func (c *Clock) CloseSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.buffers[sessionID]
	if !ok {
		return
	}
	for i := 0; i < r.filled; i++ {
		c.decHist(r.buf[i])
	}
	delete(c.buffers, sessionID)
}
