package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/timberdb/coordinator/internal/model"
	"github.com/timberdb/coordinator/internal/store"
	"go.uber.org/zap"
)

// fakeNodeProvider is a LiveNodeProvider with a settable live set.
type fakeNodeProvider struct {
	mu    sync.Mutex
	nodes map[string]struct{}
	err   error
}

func newFakeNodeProvider(nodes ...string) *fakeNodeProvider {
	p := &fakeNodeProvider{}
	p.set(nodes...)
	return p
}

func (p *fakeNodeProvider) set(nodes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		p.nodes[n] = struct{}{}
	}
}

func (p *fakeNodeProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeNodeProvider) LiveNodes(ctx context.Context) (map[string]struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]struct{}, len(p.nodes))
	for n := range p.nodes {
		out[n] = struct{}{}
	}
	return out, nil
}

// fakeStateStore is an in-memory TriggerStateStore with a failure toggle.
type fakeStateStore struct {
	mu       sync.Mutex
	states   map[string]*model.TriggerState
	failSave bool
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]*model.TriggerState)}
}

func (s *fakeStateStore) Save(ctx context.Context, trigger string, state *model.TriggerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errors.New("state store unavailable")
	}
	s.states[trigger] = state
	return nil
}

func (s *fakeStateStore) Load(ctx context.Context, trigger string) (*model.TriggerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[trigger]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st, nil
}

func (s *fakeStateStore) Delete(ctx context.Context, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, trigger)
	return nil
}

func (s *fakeStateStore) Ping(ctx context.Context) error { return nil }
func (s *fakeStateStore) Close() error                   { return nil }

func (s *fakeStateStore) setFailSave(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSave = fail
}

func (s *fakeStateStore) get(trigger string) *model.TriggerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[trigger]
}

// actionRecorder collects events across the action instances it creates.
type actionRecorder struct {
	mu     sync.Mutex
	events []model.TriggerEvent
	closes int
}

func (r *actionRecorder) factory() Action { return &recordedAction{rec: r} }

func (r *actionRecorder) recorded() []model.TriggerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TriggerEvent(nil), r.events...)
}

func (r *actionRecorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

type recordedAction struct {
	rec *actionRecorder
}

func (a *recordedAction) Init(args map[string]string) error { return nil }

func (a *recordedAction) Process(event model.TriggerEvent) error {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.events = append(a.rec.events, event)
	return nil
}

func (a *recordedAction) Close() error {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.closes++
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(provider *fakeNodeProvider, states *fakeStateStore) (*TriggerEngine, *actionRecorder, *fakeClock) {
	recorder := &actionRecorder{}
	registry := NewActionRegistry(zap.NewNop())
	registry.Register("record", recorder.factory)

	// The scan interval is deliberately huge: tests drive scans by hand.
	engine := NewTriggerEngine(provider, states, registry, newTestMetrics(),
		time.Hour, 10*time.Millisecond, zap.NewNop())

	clock := &fakeClock{t: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	engine.now = clock.Now
	return engine, recorder, clock
}

func recordedTrigger(name string, event model.EventKind, waitFor time.Duration) model.TriggerDefinition {
	return model.TriggerDefinition{
		Name:    name,
		Event:   event,
		WaitFor: model.Duration(waitFor),
		Enabled: true,
		Actions: []model.ActionSpec{{Name: "record-event", Kind: "record"}},
	}
}

func scan(e *TriggerEngine, name string) {
	e.mu.Lock()
	rt := e.triggers[name]
	e.mu.Unlock()
	e.scanTrigger(rt)
}

func TestTriggerEngine_NodeLostFiresAfterWaitFor(t *testing.T) {
	provider := newFakeNodeProvider("node-1", "node-2")
	states := newFakeStateStore()
	engine, recorder, clock := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-lost", model.EventNodeLost, 10*time.Second)))

	// Baseline snapshot.
	scan(engine, "node-lost")

	firstObserved := clock.Now().UnixNano()
	provider.set("node-1")
	scan(engine, "node-lost")
	assert.Empty(t, recorder.recorded())

	// Window not yet elapsed.
	clock.advance(5 * time.Second)
	scan(engine, "node-lost")
	assert.Empty(t, recorder.recorded())

	clock.advance(6 * time.Second)
	scan(engine, "node-lost")

	events := recorder.recorded()
	assert.Len(t, events, 1)
	assert.Equal(t, "node-lost", events[0].Trigger)
	assert.Equal(t, model.EventNodeLost, events[0].Kind)
	assert.Equal(t, "node-2", events[0].NodeID)
	assert.Equal(t, firstObserved, events[0].FirstObservedNanos)

	// The fired marker keeps later scans from firing again.
	clock.advance(time.Minute)
	scan(engine, "node-lost")
	assert.Len(t, recorder.recorded(), 1)
}

func TestTriggerEngine_NodeAddedFires(t *testing.T) {
	provider := newFakeNodeProvider("node-1")
	states := newFakeStateStore()
	engine, recorder, clock := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-added", model.EventNodeAdded, 3*time.Second)))

	scan(engine, "node-added")

	provider.set("node-1", "node-2")
	scan(engine, "node-added")
	assert.Empty(t, recorder.recorded())

	clock.advance(4 * time.Second)
	scan(engine, "node-added")

	events := recorder.recorded()
	assert.Len(t, events, 1)
	assert.Equal(t, "node-2", events[0].NodeID)
}

func TestTriggerEngine_ZeroWaitForFiresOnObservingScan(t *testing.T) {
	provider := newFakeNodeProvider("node-1")
	states := newFakeStateStore()
	engine, recorder, _ := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("immediate", model.EventNodeLost, 0)))

	scan(engine, "immediate")

	provider.set()
	scan(engine, "immediate")

	assert.Len(t, recorder.recorded(), 1)
}

func TestTriggerEngine_FlapSuppression(t *testing.T) {
	provider := newFakeNodeProvider("node-1", "node-2")
	states := newFakeStateStore()
	engine, recorder, clock := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-lost", model.EventNodeLost, 10*time.Second)))

	scan(engine, "node-lost")

	provider.set("node-1")
	scan(engine, "node-lost")

	// The node flaps back before the window elapses.
	clock.advance(5 * time.Second)
	provider.set("node-1", "node-2")
	scan(engine, "node-lost")

	clock.advance(time.Minute)
	scan(engine, "node-lost")

	assert.Empty(t, recorder.recorded())
}

func TestTriggerEngine_FiredMarkerResetsOnRetransition(t *testing.T) {
	provider := newFakeNodeProvider("node-1", "node-2")
	states := newFakeStateStore()
	engine, recorder, clock := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-lost", model.EventNodeLost, time.Second)))

	scan(engine, "node-lost")

	provider.set("node-1")
	scan(engine, "node-lost")
	clock.advance(2 * time.Second)
	scan(engine, "node-lost")
	assert.Len(t, recorder.recorded(), 1)

	// The node rejoins, re-arming the trigger for it.
	provider.set("node-1", "node-2")
	scan(engine, "node-lost")

	// And is lost a second time.
	provider.set("node-1")
	scan(engine, "node-lost")
	clock.advance(2 * time.Second)
	scan(engine, "node-lost")

	assert.Len(t, recorder.recorded(), 2)
}

func TestTriggerEngine_HotReloadPreservesDebounceWindow(t *testing.T) {
	provider := newFakeNodeProvider("node-1", "node-2")
	states := newFakeStateStore()
	engine, recorder, clock := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-lost", model.EventNodeLost, time.Minute)))

	scan(engine, "node-lost")

	firstObserved := clock.Now().UnixNano()
	provider.set("node-1")
	scan(engine, "node-lost")

	// Redefine mid-window. The candidate's first-observed timestamp must
	// carry over, so redefinition cannot extend the debounce.
	clock.advance(30 * time.Second)
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-lost", model.EventNodeLost, time.Minute)))
	scan(engine, "node-lost")
	assert.Empty(t, recorder.recorded())

	clock.advance(31 * time.Second)
	scan(engine, "node-lost")

	events := recorder.recorded()
	assert.Len(t, events, 1)
	assert.Equal(t, firstObserved, events[0].FirstObservedNanos)

	// The replaced instance's actions were closed.
	assert.Equal(t, 1, recorder.closeCount())
}

func TestTriggerEngine_DisableCancelsPending(t *testing.T) {
	provider := newFakeNodeProvider("node-1", "node-2")
	states := newFakeStateStore()
	engine, recorder, clock := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-lost", model.EventNodeLost, 10*time.Second)))

	scan(engine, "node-lost")
	provider.set("node-1")
	scan(engine, "node-lost")
	assert.NotNil(t, states.get("node-lost"))

	disabled := recordedTrigger("node-lost", model.EventNodeLost, 10*time.Second)
	disabled.Enabled = false
	assert.NoError(t, engine.SetTrigger(ctx, disabled))

	// Pending state is cancelled and its persisted copy deleted.
	assert.Nil(t, states.get("node-lost"))

	clock.advance(time.Minute)
	assert.Empty(t, recorder.recorded())
}

func TestTriggerEngine_SnapshotErrorKeepsPendingState(t *testing.T) {
	provider := newFakeNodeProvider("node-1", "node-2")
	states := newFakeStateStore()
	engine, recorder, clock := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-lost", model.EventNodeLost, 10*time.Second)))

	scan(engine, "node-lost")

	firstObserved := clock.Now().UnixNano()
	provider.set("node-1")
	scan(engine, "node-lost")

	// Snapshot reads fail for a while; pending state must survive.
	provider.setErr(errors.New("gossip unavailable"))
	clock.advance(5 * time.Second)
	scan(engine, "node-lost")
	clock.advance(5 * time.Second)
	scan(engine, "node-lost")
	assert.Empty(t, recorder.recorded())

	provider.setErr(nil)
	clock.advance(time.Second)
	scan(engine, "node-lost")

	events := recorder.recorded()
	assert.Len(t, events, 1)
	assert.Equal(t, firstObserved, events[0].FirstObservedNanos)
}

func TestTriggerEngine_PersistFailureSuspendsFiring(t *testing.T) {
	provider := newFakeNodeProvider("node-1", "node-2")
	states := newFakeStateStore()
	engine, recorder, clock := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-lost", model.EventNodeLost, time.Second)))

	scan(engine, "node-lost")

	provider.set("node-1")
	states.setFailSave(true)
	scan(engine, "node-lost")

	// The transition cannot be durably recorded, so the firing is suspended,
	// not lost.
	clock.advance(2 * time.Second)
	scan(engine, "node-lost")
	assert.Empty(t, recorder.recorded())

	states.setFailSave(false)
	scan(engine, "node-lost")
	assert.Len(t, recorder.recorded(), 1)

	// The persisted state reflects the firing.
	st := states.get("node-lost")
	assert.NotNil(t, st)
	assert.Empty(t, st.Pending)
	assert.Contains(t, st.Fired, "node-2")
}

func TestTriggerEngine_RestoresPersistedState(t *testing.T) {
	provider := newFakeNodeProvider("node-1")
	states := newFakeStateStore()
	engine, recorder, clock := newTestEngine(provider, states)
	defer engine.Stop()

	// A previous process observed the loss of node-2 before going down.
	firstObserved := clock.Now().Add(-time.Hour).UnixNano()
	states.states["node-lost"] = &model.TriggerState{
		Pending:  map[string]int64{"node-2": firstObserved},
		Fired:    map[string]int64{},
		LastLive: []string{"node-1"},
	}

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-lost", model.EventNodeLost, time.Minute)))

	// The condition still holds and the window elapsed during downtime.
	scan(engine, "node-lost")

	events := recorder.recorded()
	assert.Len(t, events, 1)
	assert.Equal(t, "node-2", events[0].NodeID)
	assert.Equal(t, firstObserved, events[0].FirstObservedNanos)
}

func TestTriggerEngine_RemoveTrigger(t *testing.T) {
	provider := newFakeNodeProvider("node-1")
	states := newFakeStateStore()
	engine, recorder, _ := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("node-lost", model.EventNodeLost, time.Second)))
	scan(engine, "node-lost")

	assert.NoError(t, engine.RemoveTrigger(ctx, "node-lost"))
	assert.Empty(t, engine.List())
	assert.Nil(t, states.get("node-lost"))
	assert.Equal(t, 1, recorder.closeCount())

	err := engine.RemoveTrigger(ctx, "node-lost")
	assert.ErrorIs(t, err, ErrTriggerNotFound)
}

func TestTriggerEngine_List(t *testing.T) {
	provider := newFakeNodeProvider("node-1")
	states := newFakeStateStore()
	engine, _, _ := newTestEngine(provider, states)
	defer engine.Stop()

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("zeta", model.EventNodeLost, time.Second)))
	assert.NoError(t, engine.SetTrigger(ctx, recordedTrigger("alpha", model.EventNodeAdded, time.Second)))

	defs := engine.List()
	assert.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
}

func TestTriggerEngine_UnknownActionKind(t *testing.T) {
	provider := newFakeNodeProvider("node-1")
	states := newFakeStateStore()
	engine, _, _ := newTestEngine(provider, states)
	defer engine.Stop()

	def := recordedTrigger("bad", model.EventNodeLost, time.Second)
	def.Actions = []model.ActionSpec{{Name: "nope", Kind: "teleport"}}

	err := engine.SetTrigger(context.Background(), def)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action kind")
}

func TestTriggerEngine_ActionErrorDoesNotStopOthers(t *testing.T) {
	provider := newFakeNodeProvider("node-1", "node-2")
	states := newFakeStateStore()
	engine, recorder, clock := newTestEngine(provider, states)
	defer engine.Stop()

	failing := func() Action { return &failingAction{} }
	engine.registry.Register("fail", failing)

	def := recordedTrigger("node-lost", model.EventNodeLost, time.Second)
	def.Actions = []model.ActionSpec{
		{Name: "broken", Kind: "fail"},
		{Name: "record-event", Kind: "record"},
	}

	ctx := context.Background()
	assert.NoError(t, engine.SetTrigger(ctx, def))

	scan(engine, "node-lost")
	provider.set("node-1")
	scan(engine, "node-lost")
	clock.advance(2 * time.Second)
	scan(engine, "node-lost")

	// The failing first action did not keep the second from running.
	assert.Len(t, recorder.recorded(), 1)
}

type failingAction struct{}

func (a *failingAction) Init(args map[string]string) error { return nil }

func (a *failingAction) Process(event model.TriggerEvent) error {
	return errors.New("downstream rejected event")
}

func (a *failingAction) Close() error { return nil }
