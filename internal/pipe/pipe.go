// Package pipe implements the Agent-side Pipe state machine: a
// composable bit-set of states (INITIALIZING, RUNNING, SNAPSHOT,
// MESSAGE, AUDIT, RECONNECTING, DRAINING, STOPPING, STOPPED, ERROR,
// CONF_OUTDATED, PAUSED), realtime-first resumption, batching, field
// projection, and exponential-backoff reconnect.
//
// The state value is mutex-guarded and explicitly transitioned, but is
// an OR-able bit-set rather than a linear enum, since the Pipe's phases
// are composable (RUNNING|MESSAGE|AUDIT simultaneously) rather than
// mutually exclusive.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fustor/fustor/internal/wire"
)

// State is a bit-set of the Pipe's concurrently-active phases.
type State uint16

const (
	StateInitializing State = 1 << iota
	StateRunning
	StateSnapshot
	StateMessage
	StateAudit
	StateReconnecting
	StateDraining
	StateStopping
	StateStopped
	StateError
	StateConfOutdated
	StatePaused
)

var stateNames = []struct {
	flag State
	name string
}{
	{StateInitializing, "INITIALIZING"},
	{StateRunning, "RUNNING"},
	{StateSnapshot, "SNAPSHOT"},
	{StateMessage, "MESSAGE"},
	{StateAudit, "AUDIT"},
	{StateReconnecting, "RECONNECTING"},
	{StateDraining, "DRAINING"},
	{StateStopping, "STOPPING"},
	{StateStopped, "STOPPED"},
	{StateError, "ERROR"},
	{StateConfOutdated, "CONF_OUTDATED"},
	{StatePaused, "PAUSED"},
}

// Has reports whether flag is set in s.
func (s State) Has(flag State) bool { return s&flag != 0 }

// String renders the set of active flags, e.g. "RUNNING|MESSAGE|AUDIT".
func (s State) String() string {
	if s == 0 {
		return "NONE"
	}
	var parts []string
	for _, sn := range stateNames {
		if s.Has(sn.flag) {
			parts = append(parts, sn.name)
		}
	}
	return strings.Join(parts, "|")
}

// BackoffConfig parameterizes the reconnect backoff algorithm.
type BackoffConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the default tuning: base 1s, cap 60s, 20 max
// attempts before the Pipe transitions to ERROR.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: 1 * time.Second, Cap: 60 * time.Second, MaxAttempts: 20}
}

// Delay computes the jittered exponential backoff delay for the given
// 1-indexed attempt number. Jitter is full-jitter (uniform in [0, d]) so
// a fleet of Agents reconnecting simultaneously does not thunder the
// server in lockstep.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			d = b.Cap
			break
		}
	}
	if d > b.Cap {
		d = b.Cap
	}
	if rng == nil {
		return d
	}
	return time.Duration(rng.Int63n(int64(d) + 1))
}

// ErrMaxAttemptsExceeded is returned once the reconnect loop has retried
// MaxAttempts times without success; the caller should transition to
// ERROR.
var ErrMaxAttemptsExceeded = errors.New("pipe: max reconnect attempts exceeded")

// BatchConfig controls how the watcher's event stream is coalesced
// before being handed to the Sender.
type BatchConfig struct {
	Size       int
	IntervalMS int
}

// DefaultBatch returns the default tuning: 1000 events or 200ms,
// whichever comes first.
func DefaultBatch() BatchConfig {
	return BatchConfig{Size: 1000, IntervalMS: 200}
}

// Batcher coalesces a stream of events into batches bounded by Size or
// the interval, whichever is reached first. Each returned batch is a
// single logical ingest call — partial acceptance is not modeled here;
// the caller either gets the whole batch acknowledged or retries it
// as-is.
func Batcher(ctx context.Context, in <-chan wire.Event, cfg BatchConfig) <-chan []wire.Event {
	if cfg.Size <= 0 {
		cfg.Size = DefaultBatch().Size
	}
	if cfg.IntervalMS <= 0 {
		cfg.IntervalMS = DefaultBatch().IntervalMS
	}
	out := make(chan []wire.Event, 4)

	go func() {
		defer close(out)
		interval := time.Duration(cfg.IntervalMS) * time.Millisecond
		timer := time.NewTimer(interval)
		defer timer.Stop()

		var batch []wire.Event
		flush := func() {
			if len(batch) == 0 {
				return
			}
			select {
			case out <- batch:
			case <-ctx.Done():
			}
			batch = nil
		}

		for {
			select {
			case <-ctx.Done():
				flush()
				return
			case ev, ok := <-in:
				if !ok {
					flush()
					return
				}
				batch = append(batch, ev)
				if len(batch) >= cfg.Size {
					flush()
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(interval)
				}
			case <-timer.C:
				flush()
				timer.Reset(interval)
			}
		}
	}()

	return out
}

// FieldMapping projects one source field name to a target field name.
type FieldMapping struct {
	From string
	To   string
}

// Mapper projects each event row to its configured target fields.
// An empty mapping is a transparent pass-through: |mapping|=0 ⇒ out ≡ in.
// A non-empty mapping keeps only the declared fields: |mapping|>0 ⇒
// keys(out) ⊆ {m.to}.
type Mapper struct {
	mappings []FieldMapping
}

// NewMapper builds a Mapper from the pipe's configured fields_mapping.
func NewMapper(mappings []FieldMapping) *Mapper {
	return &Mapper{mappings: mappings}
}

// Project applies the field mapping to a generic row representation
// (schema-agnostic key/value map, matching how fields_mapping operates
// on any source schema, not just "fs"). If no mapping is configured the
// row is returned unchanged.
func (m *Mapper) Project(row map[string]any) map[string]any {
	if len(m.mappings) == 0 {
		return row
	}
	out := make(map[string]any, len(m.mappings))
	for _, mapping := range m.mappings {
		if v, ok := row[mapping.From]; ok {
			out[mapping.To] = v
		}
	}
	return out
}

// Pipe is the Agent-side state machine binding a watcher's event stream
// to a Sender transport.
type Pipe struct {
	cfg     Config
	backoff BackoffConfig

	transport Transport

	mu    sync.Mutex
	state State

	rng *rand.Rand
}

// Config holds the Pipe's static configuration.
type Config struct {
	PipeID  string
	AgentID string
	Batch   BatchConfig
	Backoff BackoffConfig
}

// Transport is the subset of Agent.Sender operations the Pipe state
// machine drives. Implemented by internal/sender.Sender.
type Transport interface {
	CreateSession(ctx context.Context) (wire.Session, time.Time, error)
	Heartbeat(ctx context.Context) (wire.Role, []wire.PendingCommand, error)
	SendBatch(ctx context.Context, events []wire.Event, source wire.MessageSource) (committedIndex uint64, err error)
	AuditStart(ctx context.Context) error
	AuditEnd(ctx context.Context) error
	Close(ctx context.Context) error
}

// New constructs a Pipe. backoff/batch zero values fall back to the
// package defaults.
func New(cfg Config, t Transport) *Pipe {
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Batch == (BatchConfig{}) {
		cfg.Batch = DefaultBatch()
	}
	return &Pipe{
		cfg:       cfg,
		backoff:   cfg.Backoff,
		transport: t,
		state:     StateStopped,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// State returns the current state bit-set.
func (p *Pipe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipe) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipe) addState(flag State) {
	p.mu.Lock()
	p.state |= flag
	p.mu.Unlock()
}

func (p *Pipe) clearState(flag State) {
	p.mu.Lock()
	p.state &^= flag
	p.mu.Unlock()
}

// Start runs INITIALIZING → RUNNING|MESSAGE: creates a session, and
// begins consuming realtime events immediately without waiting on a
// snapshot ("message-first" policy). It returns once the pipe is in
// MESSAGE or has exhausted the reconnect budget.
func (p *Pipe) Start(ctx context.Context) error {
	p.setState(StateInitializing)

	_, _, err := p.transport.CreateSession(ctx)
	if err != nil {
		return p.reconnect(ctx, err)
	}

	p.setState(StateRunning | StateMessage)
	return nil
}

// reconnect drives the RECONNECTING overlay: exponential backoff with
// jitter, base/cap/max-attempts from p.backoff, transitioning to ERROR
// if the budget is exhausted.
func (p *Pipe) reconnect(ctx context.Context, cause error) error {
	p.addState(StateReconnecting)
	defer p.clearState(StateReconnecting)

	for attempt := 1; attempt <= p.backoff.MaxAttempts; attempt++ {
		delay := p.backoff.Delay(attempt, p.rng)
		select {
		case <-ctx.Done():
			p.setState(StateStopping | StateStopped)
			return ctx.Err()
		case <-time.After(delay):
		}

		_, _, err := p.transport.CreateSession(ctx)
		if err == nil {
			p.setState(StateRunning | StateMessage)
			return nil
		}
		cause = err
	}

	p.setState(StateError)
	return fmt.Errorf("%w: last error: %v", ErrMaxAttemptsExceeded, cause)
}

// BeginSnapshot overlays SNAPSHOT onto the current state. Snapshot runs
// concurrently with realtime; the caller is expected to stream the
// watcher's SnapshotWalk output through SendBatch while this flag is
// set, then call EndSnapshot.
func (p *Pipe) BeginSnapshot() { p.addState(StateSnapshot) }

// EndSnapshot clears the SNAPSHOT overlay.
func (p *Pipe) EndSnapshot() { p.clearState(StateSnapshot) }

// BeginAudit overlays AUDIT onto the current state and calls
// audit_start on the transport.
func (p *Pipe) BeginAudit(ctx context.Context) error {
	p.addState(StateAudit)
	if err := p.transport.AuditStart(ctx); err != nil {
		p.clearState(StateAudit)
		return err
	}
	return nil
}

// EndAudit calls audit_end and clears the AUDIT overlay.
func (p *Pipe) EndAudit(ctx context.Context) error {
	defer p.clearState(StateAudit)
	return p.transport.AuditEnd(ctx)
}

// Drain transitions RUNNING... → DRAINING → STOPPING → STOPPED on a stop
// signal, finishing any in-flight batch first. finishInFlight is called
// to let the caller flush whatever batch is currently being assembled.
func (p *Pipe) Drain(ctx context.Context, finishInFlight func(context.Context) error) error {
	p.setState(StateDraining)
	var err error
	if finishInFlight != nil {
		err = finishInFlight(ctx)
	}
	p.setState(StateStopping)
	closeErr := p.transport.Close(ctx)
	p.setState(StateStopped)
	if err != nil {
		return err
	}
	return closeErr
}

// MarkConfOutdated overlays CONF_OUTDATED; the running pipe finishes its
// current batch then the caller re-initializes against the new config.
func (p *Pipe) MarkConfOutdated() { p.addState(StateConfOutdated) }

// ClearConfOutdated clears the CONF_OUTDATED overlay after
// re-initialization completes.
func (p *Pipe) ClearConfOutdated() { p.clearState(StateConfOutdated) }

// Pause overlays PAUSED; a paused pipe keeps its session alive (so it
// does not lose leadership) but stops sending batches.
func (p *Pipe) Pause() { p.addState(StatePaused) }

// Resume clears the PAUSED overlay.
func (p *Pipe) Resume() { p.clearState(StatePaused) }
