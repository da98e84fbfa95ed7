package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/timberdb/coordinator/internal/cluster"
	"github.com/timberdb/coordinator/internal/metrics"
	"github.com/timberdb/coordinator/internal/model"
	"github.com/timberdb/coordinator/internal/store"
	"go.uber.org/zap"
)

// ErrTriggerNotFound is returned when removing a trigger the engine does not
// know about.
var ErrTriggerNotFound = errors.New("trigger not found")

// TriggerEngine watches cluster membership and drives the per-trigger state
// machine: Armed -> Pending (debounce running) -> fired or flapped back to
// Armed. Each enabled trigger scans on its own goroutine, so scans for one
// trigger are strictly sequential while triggers proceed concurrently.
type TriggerEngine struct {
	provider          cluster.LiveNodeProvider
	states            store.TriggerStateStore
	registry          *ActionRegistry
	metrics           *metrics.Metrics
	scanInterval      time.Duration
	scanTimeout       time.Duration
	persistMaxElapsed time.Duration
	now               func() time.Time
	logger            *zap.Logger

	mu       sync.Mutex
	triggers map[string]*triggerRuntime
}

type actionSlot struct {
	name string
	impl Action
}

type triggerRuntime struct {
	def     model.TriggerDefinition
	actions []actionSlot

	mu sync.Mutex
	// pending maps node id to the unix-nano timestamp of first observation.
	pending map[string]int64
	// fired maps node id to the firing timestamp; the marker is cleared when
	// the node's membership state transitions again.
	fired       map[string]int64
	lastLive    map[string]struct{}
	havePrev    bool
	needPersist bool

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewTriggerEngine creates a new trigger engine
func NewTriggerEngine(
	provider cluster.LiveNodeProvider,
	states store.TriggerStateStore,
	registry *ActionRegistry,
	m *metrics.Metrics,
	scanInterval time.Duration,
	persistMaxElapsed time.Duration,
	logger *zap.Logger,
) *TriggerEngine {
	if scanInterval <= 0 {
		scanInterval = time.Second
	}
	if persistMaxElapsed <= 0 {
		persistMaxElapsed = 2 * time.Second
	}
	return &TriggerEngine{
		provider:          provider,
		states:            states,
		registry:          registry,
		metrics:           m,
		scanInterval:      scanInterval,
		scanTimeout:       5 * time.Second,
		persistMaxElapsed: persistMaxElapsed,
		now:               time.Now,
		logger:            logger,
		triggers:          make(map[string]*triggerRuntime),
	}
}

// SetTrigger creates or hot-swaps a trigger definition. Replacing a
// definition with the same name carries forward in-flight debounce state, so
// repeated redefinition cannot silently extend debounce windows. Setting a
// disabled definition cancels all pending candidates and releases actions.
func (e *TriggerEngine) SetTrigger(ctx context.Context, def model.TriggerDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for _, spec := range def.Actions {
		if !e.registry.Has(spec.Kind) {
			return fmt.Errorf("trigger %s: unknown action kind %q", def.Name, spec.Kind)
		}
	}

	var actions []actionSlot
	if def.Enabled {
		for _, spec := range def.Actions {
			impl, err := e.registry.New(spec)
			if err != nil {
				for _, slot := range actions {
					e.closeAction(def.Name, slot)
				}
				return fmt.Errorf("trigger %s: %w", def.Name, err)
			}
			actions = append(actions, actionSlot{name: spec.Name, impl: impl})
		}
	}

	rt := &triggerRuntime{
		def:      def,
		actions:  actions,
		pending:  make(map[string]int64),
		fired:    make(map[string]int64),
		lastLive: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.triggers[def.Name]; ok {
		e.stopRuntime(old)
		// Carry the in-flight debounce state into the replacement instance,
		// keeping each candidate's original first-observed timestamp.
		if old.def.Event == def.Event {
			for n, first := range old.pending {
				rt.pending[n] = first
			}
			for n, at := range old.fired {
				rt.fired[n] = at
			}
			rt.lastLive = old.lastLive
			rt.havePrev = old.havePrev
		}
		for _, slot := range old.actions {
			e.closeAction(old.def.Name, slot)
		}
	} else if st, err := e.states.Load(ctx, def.Name); err == nil {
		rt.pending = st.Pending
		rt.fired = st.Fired
		for _, n := range st.LastLive {
			rt.lastLive[n] = struct{}{}
		}
		rt.havePrev = true
		e.logger.Info("Restored trigger state",
			zap.String("trigger", def.Name),
			zap.Int("pending", len(rt.pending)))
	} else if !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("Failed to load persisted trigger state, starting fresh",
			zap.String("trigger", def.Name),
			zap.Error(err))
	}

	if !def.Enabled {
		rt.pending = make(map[string]int64)
		rt.fired = make(map[string]int64)
		if err := e.states.Delete(ctx, def.Name); err != nil {
			e.logger.Warn("Failed to delete state of disabled trigger",
				zap.String("trigger", def.Name),
				zap.Error(err))
		}
		e.triggers[def.Name] = rt
		e.logger.Info("Trigger set (disabled)", zap.String("trigger", def.Name))
		return nil
	}

	e.triggers[def.Name] = rt
	rt.running = true
	go e.runLoop(rt)

	e.logger.Info("Trigger set",
		zap.String("trigger", def.Name),
		zap.String("event", string(def.Event)),
		zap.Duration("wait_for", time.Duration(def.WaitFor)),
		zap.Int("actions", len(def.Actions)))
	return nil
}

// RemoveTrigger cancels all pending candidates of a trigger and releases its
// actions.
func (e *TriggerEngine) RemoveTrigger(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rt, ok := e.triggers[name]
	if !ok {
		return fmt.Errorf("trigger %s: %w", name, ErrTriggerNotFound)
	}

	e.stopRuntime(rt)
	for _, slot := range rt.actions {
		e.closeAction(name, slot)
	}
	if err := e.states.Delete(ctx, name); err != nil {
		e.logger.Warn("Failed to delete state of removed trigger",
			zap.String("trigger", name),
			zap.Error(err))
	}
	delete(e.triggers, name)

	e.logger.Info("Trigger removed", zap.String("trigger", name))
	return nil
}

// List returns the current trigger definitions sorted by name
func (e *TriggerEngine) List() []model.TriggerDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()

	defs := make([]model.TriggerDefinition, 0, len(e.triggers))
	for _, rt := range e.triggers {
		defs = append(defs, rt.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Stop stops all scan loops and releases all actions. Persisted state is
// kept so debounce windows survive a restart.
func (e *TriggerEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, rt := range e.triggers {
		e.stopRuntime(rt)
		for _, slot := range rt.actions {
			e.closeAction(name, slot)
		}
	}
	e.triggers = make(map[string]*triggerRuntime)
	e.logger.Info("Trigger engine stopped")
}

// stopRuntime stops a runtime's scan loop and waits for any in-flight scan
// to finish. Callers hold e.mu.
func (e *TriggerEngine) stopRuntime(rt *triggerRuntime) {
	if !rt.running {
		return
	}
	close(rt.stopCh)
	<-rt.done
	rt.running = false
}

func (e *TriggerEngine) runLoop(rt *triggerRuntime) {
	defer close(rt.done)

	ticker := time.NewTicker(e.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.stopCh:
			return
		case <-ticker.C:
			e.scanTrigger(rt)
		}
	}
}

// scanTrigger runs one membership scan for one trigger: it compares the
// current live set to the previous snapshot, discards flapped candidates,
// records new ones, and fires candidates whose condition held for waitFor.
func (e *TriggerEngine) scanTrigger(rt *triggerRuntime) {
	ctx, cancel := context.WithTimeout(context.Background(), e.scanTimeout)
	defer cancel()

	cur, err := e.provider.LiveNodes(ctx)
	if err != nil {
		// Transient; retried next cycle without discarding pending state.
		e.metrics.RecordScan(rt.def.Name, "error")
		e.logger.Warn("Membership snapshot read failed",
			zap.String("trigger", rt.def.Name),
			zap.Error(err))
		return
	}
	e.metrics.UpdateLiveNodes(len(cur))

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := e.now()

	if !rt.havePrev {
		rt.lastLive = cur
		rt.havePrev = true
		e.metrics.RecordScan(rt.def.Name, "ok")
		return
	}

	conditionHolds := func(node string) bool {
		_, live := cur[node]
		if rt.def.Event == model.EventNodeAdded {
			return live
		}
		return !live
	}

	dirty := false

	// Flap suppression: the monitored condition reversed before the debounce
	// elapsed, so the candidate is discarded without firing.
	for node := range rt.pending {
		if !conditionHolds(node) {
			delete(rt.pending, node)
			dirty = true
			e.logger.Debug("Pending candidate flapped",
				zap.String("trigger", rt.def.Name),
				zap.String("node_id", node))
		}
	}

	// A fired marker is cleared once the node's membership state transitions
	// again, re-arming the trigger for that node.
	for node := range rt.fired {
		if !conditionHolds(node) {
			delete(rt.fired, node)
			dirty = true
		}
	}

	// New candidates from the snapshot delta, tracked per node.
	for _, node := range e.transitions(rt.def.Event, rt.lastLive, cur) {
		if _, tracked := rt.pending[node]; tracked {
			continue
		}
		if _, done := rt.fired[node]; done {
			continue
		}
		rt.pending[node] = now.UnixNano()
		dirty = true
		e.logger.Debug("Candidate observed",
			zap.String("trigger", rt.def.Name),
			zap.String("event", string(rt.def.Event)),
			zap.String("node_id", node))
	}

	// Poll-based confirmation: fire only candidates whose condition held
	// continuously and whose debounce window has elapsed.
	waitFor := time.Duration(rt.def.WaitFor)
	type firing struct {
		node  string
		first int64
	}
	var toFire []firing
	for node, first := range rt.pending {
		if now.Sub(time.Unix(0, first)) >= waitFor {
			toFire = append(toFire, firing{node: node, first: first})
		}
	}
	sort.Slice(toFire, func(i, j int) bool { return toFire[i].node < toFire[j].node })

	rt.lastLive = cur

	if len(toFire) > 0 {
		// Record the transition durably before invoking actions so a crash
		// between the two cannot double-fire. If persistence is unavailable
		// the firing is suspended, not lost: candidates stay pending and are
		// re-evaluated once connectivity returns.
		next := e.snapshotState(rt)
		for _, f := range toFire {
			delete(next.Pending, f.node)
			next.Fired[f.node] = now.UnixNano()
		}
		if err := e.persistState(ctx, rt.def.Name, next); err != nil {
			e.metrics.RecordStatePersistFailure()
			rt.needPersist = true
			e.metrics.RecordScan(rt.def.Name, "persist_error")
			e.logger.Warn("Suspending trigger firings until state can be persisted",
				zap.String("trigger", rt.def.Name),
				zap.Error(err))
			return
		}
		rt.needPersist = false

		for _, f := range toFire {
			delete(rt.pending, f.node)
			rt.fired[f.node] = now.UnixNano()

			event := model.TriggerEvent{
				Trigger:            rt.def.Name,
				Kind:               rt.def.Event,
				NodeID:             f.node,
				FirstObservedNanos: f.first,
			}
			for _, slot := range rt.actions {
				e.processAction(rt.def.Name, slot, event)
			}
			e.metrics.RecordFiring(rt.def.Name, string(rt.def.Event))
			e.logger.Info("Trigger fired",
				zap.String("trigger", rt.def.Name),
				zap.String("event", string(rt.def.Event)),
				zap.String("node_id", f.node))
		}
	} else if dirty || rt.needPersist {
		if err := e.persistState(ctx, rt.def.Name, e.snapshotState(rt)); err != nil {
			e.metrics.RecordStatePersistFailure()
			rt.needPersist = true
			e.logger.Warn("Failed to persist trigger state",
				zap.String("trigger", rt.def.Name),
				zap.Error(err))
		} else {
			rt.needPersist = false
		}
	}

	e.metrics.UpdatePendingCandidates(rt.def.Name, len(rt.pending))
	e.metrics.RecordScan(rt.def.Name, "ok")
}

// transitions returns the nodes whose membership changed in the direction
// the trigger watches.
func (e *TriggerEngine) transitions(kind model.EventKind, prev, cur map[string]struct{}) []string {
	var nodes []string
	if kind == model.EventNodeAdded {
		for n := range cur {
			if _, was := prev[n]; !was {
				nodes = append(nodes, n)
			}
		}
	} else {
		for n := range prev {
			if _, is := cur[n]; !is {
				nodes = append(nodes, n)
			}
		}
	}
	return nodes
}

// processAction invokes one action, isolating any error or panic so a
// misbehaving action cannot halt the engine or affect other triggers.
func (e *TriggerEngine) processAction(trigger string, slot actionSlot, event model.TriggerEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordActionError(trigger, slot.name)
			e.logger.Error("Action panicked",
				zap.String("trigger", trigger),
				zap.String("action", slot.name),
				zap.Any("panic", r))
		}
	}()

	if err := slot.impl.Process(event); err != nil {
		e.metrics.RecordActionError(trigger, slot.name)
		e.logger.Error("Action failed",
			zap.String("trigger", trigger),
			zap.String("action", slot.name),
			zap.String("node_id", event.NodeID),
			zap.Error(err))
	}
}

// closeAction releases one action, isolating errors the same way as process.
func (e *TriggerEngine) closeAction(trigger string, slot actionSlot) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordActionError(trigger, slot.name)
			e.logger.Error("Action close panicked",
				zap.String("trigger", trigger),
				zap.String("action", slot.name),
				zap.Any("panic", r))
		}
	}()

	if err := slot.impl.Close(); err != nil {
		e.metrics.RecordActionError(trigger, slot.name)
		e.logger.Error("Action close failed",
			zap.String("trigger", trigger),
			zap.String("action", slot.name),
			zap.Error(err))
	}
}

// snapshotState copies a runtime's durable state. Callers hold rt.mu.
func (e *TriggerEngine) snapshotState(rt *triggerRuntime) *model.TriggerState {
	st := model.NewTriggerState()
	for n, first := range rt.pending {
		st.Pending[n] = first
	}
	for n, at := range rt.fired {
		st.Fired[n] = at
	}
	st.LastLive = make([]string, 0, len(rt.lastLive))
	for n := range rt.lastLive {
		st.LastLive = append(st.LastLive, n)
	}
	sort.Strings(st.LastLive)
	return st
}

// persistState writes trigger state with exponential-backoff retry.
func (e *TriggerEngine) persistState(ctx context.Context, name string, st *model.TriggerState) error {
	operation := func() (struct{}, error) {
		return struct{}{}, e.states.Save(ctx, name, st)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond
	expBackoff.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(e.persistMaxElapsed))
	return err
}
