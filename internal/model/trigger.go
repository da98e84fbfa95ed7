package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// EventKind classifies the cluster membership transition a trigger watches.
type EventKind string

const (
	// EventNodeAdded fires when a node joins the live set.
	EventNodeAdded EventKind = "nodeAdded"
	// EventNodeLost fires when a node disappears from the live set.
	EventNodeLost EventKind = "nodeLost"
)

// ParseEventKind parses an event kind from its wire representation.
func ParseEventKind(s string) (EventKind, error) {
	switch EventKind(s) {
	case EventNodeAdded:
		return EventNodeAdded, nil
	case EventNodeLost:
		return EventNodeLost, nil
	default:
		return "", fmt.Errorf("invalid trigger event %q: must be nodeAdded or nodeLost", s)
	}
}

// Duration wraps time.Duration with string-form JSON/YAML marshaling, so
// trigger definitions can say waitFor: "5s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var i int64
	if err := value.Decode(&i); err == nil {
		*d = Duration(time.Duration(i))
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	tmp, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(tmp)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ActionSpec binds one action slot of a trigger to a registered action kind.
type ActionSpec struct {
	Name string            `json:"name" yaml:"name"`
	Kind string            `json:"kind" yaml:"kind"`
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// TriggerDefinition describes a named watcher for membership transitions.
type TriggerDefinition struct {
	Name    string       `json:"name" yaml:"name"`
	Event   EventKind    `json:"event" yaml:"event"`
	WaitFor Duration     `json:"waitFor" yaml:"waitFor"`
	Enabled bool         `json:"enabled" yaml:"enabled"`
	Actions []ActionSpec `json:"actions" yaml:"actions"`
}

// Validate checks structural validity of the definition. Action kinds are
// validated separately against the action registry.
func (d *TriggerDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("trigger name is required")
	}
	if _, err := ParseEventKind(string(d.Event)); err != nil {
		return err
	}
	if time.Duration(d.WaitFor) < 0 {
		return fmt.Errorf("trigger %s: waitFor must not be negative", d.Name)
	}
	if len(d.Actions) == 0 {
		return fmt.Errorf("trigger %s: at least one action is required", d.Name)
	}
	for _, a := range d.Actions {
		if a.Name == "" || a.Kind == "" {
			return fmt.Errorf("trigger %s: every action needs a name and a kind", d.Name)
		}
	}
	return nil
}

// TriggerEvent is the payload delivered to an action, exactly once per
// confirmed firing.
type TriggerEvent struct {
	Trigger            string    `json:"trigger"`
	Kind               EventKind `json:"kind"`
	NodeID             string    `json:"nodeId"`
	FirstObservedNanos int64     `json:"firstObservedNanos"`
}

// TriggerState is the durable runtime state of one trigger: pending debounce
// candidates, fired markers, and the last membership snapshot it compared
// against. Carried across hot-reloads and process restarts.
type TriggerState struct {
	// Pending maps node id to the unix-nano timestamp of first observation.
	Pending map[string]int64 `json:"pending"`
	// Fired maps node id to the unix-nano firing timestamp; cleared when the
	// node's membership state transitions again.
	Fired map[string]int64 `json:"fired"`
	// LastLive is the previous live node set snapshot.
	LastLive []string `json:"lastLive"`
}

// NewTriggerState returns an empty state with all maps allocated.
func NewTriggerState() *TriggerState {
	return &TriggerState{
		Pending: make(map[string]int64),
		Fired:   make(map[string]int64),
	}
}
