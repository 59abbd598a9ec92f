package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	a := newRecordingHandler()
	b := newRecordingHandler()
	wild := newRecordingHandler()

	r.Register(a, "created", "updated")
	r.Register(b, "created")
	r.Register(wild)

	assert.Len(t, r.GetHandlers("created"), 3)
	assert.Len(t, r.GetHandlers("updated"), 2)
	assert.Len(t, r.GetHandlers("deleted"), 1)

	// typed handlers come first
	assert.Same(t, wild, r.GetHandlers("created")[2])

	r.Unregister(a)
	assert.Len(t, r.GetHandlers("updated"), 1)
	assert.Len(t, r.GetHandlers("created"), 2)

	r.Unregister(wild)
	assert.Empty(t, r.GetHandlers("updated"))
}
