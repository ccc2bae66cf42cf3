package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceListOrdersByRecency(t *testing.T) {
	p := newPresence()

	a := p.ensure("a")
	a.LastTimestamp = "2026-08-01T10:00:00.000Z"
	b := p.ensure("b")
	b.LastTimestamp = "2026-08-01T10:00:05.000Z"
	c := p.ensure("c")
	c.LastTimestamp = "2026-08-01T10:00:05.000Z"

	list := p.list()
	require.Len(t, list, 3)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "c", list[1].ID)
	assert.Equal(t, "a", list[2].ID)
}

func TestPresenceStatusLifecycle(t *testing.T) {
	p := newPresence()
	p.ensure("v1")

	p.setStatus("v1", "online")
	assert.Equal(t, "online", p.status("v1"))
	assert.Equal(t, "online", p.get("v1").Status)

	p.setStatus("v1", "away")
	assert.Equal(t, "away", p.get("v1").Status)

	p.remove("v1")
	assert.Nil(t, p.get("v1"))
	assert.Empty(t, p.status("v1"))
}

func TestPresenceEnsureIsIdempotent(t *testing.T) {
	p := newPresence()

	v := p.ensure("v1")
	v.Country = "France"

	again := p.ensure("v1")
	assert.Equal(t, "France", again.Country)
	assert.Len(t, p.list(), 1)
}
