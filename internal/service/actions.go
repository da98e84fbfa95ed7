package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/timberdb/coordinator/internal/model"
	"go.uber.org/zap"
)

// Action is reaction logic bound 1:1 to a trigger's action slot. Init is
// called once when the owning trigger is (re)loaded, Process once per
// confirmed firing, and Close once when the trigger is replaced, disabled or
// removed. Close must release resources on every exit path.
type Action interface {
	Init(args map[string]string) error
	Process(event model.TriggerEvent) error
	Close() error
}

// ActionFactory constructs a fresh, uninitialized Action instance.
type ActionFactory func() Action

// ActionRegistry maps a finite set of action kind symbols to constructors.
// Definitions name kinds, never implementation types.
type ActionRegistry struct {
	factories map[string]ActionFactory
	logger    *zap.Logger
}

// NewActionRegistry creates an empty action registry
func NewActionRegistry(logger *zap.Logger) *ActionRegistry {
	return &ActionRegistry{
		factories: make(map[string]ActionFactory),
		logger:    logger,
	}
}

// Register binds an action kind symbol to a constructor
func (r *ActionRegistry) Register(kind string, factory ActionFactory) {
	r.factories[kind] = factory
}

// Has reports whether the kind is registered
func (r *ActionRegistry) Has(kind string) bool {
	_, ok := r.factories[kind]
	return ok
}

// New instantiates and initializes the action bound to a spec
func (r *ActionRegistry) New(spec model.ActionSpec) (Action, error) {
	factory, ok := r.factories[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown action kind %q", spec.Kind)
	}
	action := factory()
	if err := action.Init(spec.Args); err != nil {
		return nil, fmt.Errorf("failed to init action %s: %w", spec.Name, err)
	}
	return action, nil
}

// DefaultActionRegistry registers the built-in action kinds. The NATS
// connection may be nil when event publishing is not configured; the publish
// kind then fails at init time rather than at firing time.
func DefaultActionRegistry(logger *zap.Logger, nc *nats.Conn) *ActionRegistry {
	r := NewActionRegistry(logger)
	r.Register("log", func() Action { return &LogAction{logger: logger} })
	r.Register("publish", func() Action { return &PublishAction{conn: nc} })
	return r
}

// LogAction structured-logs every event it processes.
type LogAction struct {
	logger *zap.Logger
}

// Init implements Action
func (a *LogAction) Init(args map[string]string) error {
	return nil
}

// Process implements Action
func (a *LogAction) Process(event model.TriggerEvent) error {
	a.logger.Info("Trigger fired",
		zap.String("trigger", event.Trigger),
		zap.String("event", string(event.Kind)),
		zap.String("node_id", event.NodeID),
		zap.Int64("first_observed_nanos", event.FirstObservedNanos))
	return nil
}

// Close implements Action
func (a *LogAction) Close() error {
	return nil
}

// DefaultPublishSubject is the NATS subject used when a publish action spec
// does not name one.
const DefaultPublishSubject = "coordinator.trigger-events"

// PublishAction publishes each event as JSON to a NATS subject.
type PublishAction struct {
	conn    *nats.Conn
	subject string
}

// Init implements Action
func (a *PublishAction) Init(args map[string]string) error {
	if a.conn == nil {
		return errors.New("publish action requires a NATS connection")
	}
	a.subject = args["subject"]
	if a.subject == "" {
		a.subject = DefaultPublishSubject
	}
	return nil
}

// Process implements Action
func (a *PublishAction) Process(event model.TriggerEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger event: %w", err)
	}
	if err := a.conn.Publish(a.subject, data); err != nil {
		return fmt.Errorf("failed to publish trigger event: %w", err)
	}
	return nil
}

// Close implements Action
func (a *PublishAction) Close() error {
	return nil
}
