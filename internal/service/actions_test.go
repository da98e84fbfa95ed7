package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/timberdb/coordinator/internal/model"
	"go.uber.org/zap"
)

func TestActionRegistry_RegisterAndNew(t *testing.T) {
	registry := NewActionRegistry(zap.NewNop())
	recorder := &actionRecorder{}
	registry.Register("record", recorder.factory)

	assert.True(t, registry.Has("record"))
	assert.False(t, registry.Has("teleport"))

	action, err := registry.New(model.ActionSpec{Name: "record-event", Kind: "record"})
	assert.NoError(t, err)
	assert.NotNil(t, action)

	_, err = registry.New(model.ActionSpec{Name: "nope", Kind: "teleport"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action kind")
}

func TestActionRegistry_InitFailure(t *testing.T) {
	registry := NewActionRegistry(zap.NewNop())
	// The publish kind refuses to initialize without a connection.
	registry.Register("publish", func() Action { return &PublishAction{} })

	_, err := registry.New(model.ActionSpec{Name: "announce", Kind: "publish"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to init action announce")
}

func TestLogAction_Process(t *testing.T) {
	action := &LogAction{logger: zap.NewNop()}
	assert.NoError(t, action.Init(nil))

	err := action.Process(model.TriggerEvent{
		Trigger: "node-lost",
		Kind:    model.EventNodeLost,
		NodeID:  "node-2",
	})
	assert.NoError(t, err)
	assert.NoError(t, action.Close())
}

func TestPublishAction_RequiresConnection(t *testing.T) {
	action := &PublishAction{}
	err := action.Init(map[string]string{"subject": "events"})
	assert.Error(t, err)
}

func TestDefaultActionRegistry(t *testing.T) {
	registry := DefaultActionRegistry(zap.NewNop(), nil)

	assert.True(t, registry.Has("log"))
	assert.True(t, registry.Has("publish"))
}
