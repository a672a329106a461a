package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitOncePerJid(t *testing.T) {
	w := NewWindow(10)

	assert.True(t, w.Admit("jid-1"))
	assert.False(t, w.Admit("jid-1"), "replay must be rejected")
	assert.False(t, w.Admit("jid-1"), "repeated replay must stay rejected")
	assert.Equal(t, 1, w.Len())
}

func TestRejectionPerformsNoEviction(t *testing.T) {
	w := NewWindow(2)
	require.True(t, w.Admit("a"))
	require.True(t, w.Admit("b"))

	// Window is full; a duplicate must not evict anything.
	assert.False(t, w.Admit("a"))
	assert.False(t, w.Admit("b"))
	assert.Equal(t, 2, w.Len())
}

func TestFIFOEviction(t *testing.T) {
	hwm := 3
	w := NewWindow(hwm)
	require.True(t, w.Admit("x"))

	// Push hwm further jids through; "x" is the oldest and must fall out.
	for i := 0; i < hwm; i++ {
		require.True(t, w.Admit(fmt.Sprintf("fill-%d", i)))
	}
	assert.Equal(t, hwm, w.Len())

	// Evicted jid is treated as brand new.
	assert.True(t, w.Admit("x"))

	// fill-0 was evicted by x's re-admission; fill-1 and fill-2 remain.
	assert.True(t, w.Admit("fill-0"))
	assert.False(t, w.Admit("fill-2"))
}

func TestWindowNeverExceedsMark(t *testing.T) {
	hwm := 5
	w := NewWindow(hwm)
	for i := 0; i < 100; i++ {
		w.Admit(fmt.Sprintf("jid-%d", i))
		assert.LessOrEqual(t, w.Len(), hwm)
	}
}

func TestDegenerateMark(t *testing.T) {
	w := NewWindow(0) // clamped to 1
	assert.True(t, w.Admit("a"))
	assert.False(t, w.Admit("a"))
	assert.True(t, w.Admit("b"))
	assert.True(t, w.Admit("a"), "a was evicted by b and is new again")
}
