package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambumon/bambumon/internal/state"
)

func snapshotWithState(gs state.GcodeState) state.PrinterState {
	s := state.NewPrinterState()
	s.Print.GcodeState = gs
	return s
}

func TestFirstSnapshotIsBaseline(t *testing.T) {
	m := New(state.NewRepo())
	m.observe("p1", snapshotWithState(state.GcodeFinish))
	assert.Empty(t, m.List("", 10))
}

func TestGcodeStateTransitions(t *testing.T) {
	m := New(state.NewRepo())
	m.observe("p1", snapshotWithState(state.GcodeRunning))
	m.observe("p1", snapshotWithState(state.GcodePause))
	m.observe("p1", snapshotWithState(state.GcodeRunning))
	m.observe("p1", snapshotWithState(state.GcodeFinish))

	events := m.List("", 10)
	require.Len(t, events, 2)
	assert.Equal(t, "Print finished", events[0].Message)
	assert.Equal(t, "Print paused", events[1].Message)
	assert.Equal(t, ChannelGcodeState, events[0].Channel)
}

func TestRepeatedStateDoesNotFire(t *testing.T) {
	m := New(state.NewRepo())
	m.observe("p1", snapshotWithState(state.GcodeFinish))
	m.observe("p1", snapshotWithState(state.GcodeFinish))
	assert.Empty(t, m.List("", 10))
}

func TestPrintErrorEvent(t *testing.T) {
	m := New(state.NewRepo())
	m.observe("p1", snapshotWithState(state.GcodeRunning))

	s := snapshotWithState(state.GcodeRunning)
	s.Print.PrintError = &state.PrintError{Code: "0700-8004", Description: "Failed to load filament"}
	m.observe("p1", s)
	m.observe("p1", s)

	events := m.List("", 10)
	require.Len(t, events, 1)
	assert.Equal(t, ChannelPrintError, events[0].Channel)
	assert.Equal(t, "Print error detected: Failed to load filament", events[0].Message)
}

func TestHmsErrorsOnlyNewCodesFire(t *testing.T) {
	m := New(state.NewRepo())
	first := snapshotWithState(state.GcodeRunning)
	first.Print.HmsErrors = []state.HmsError{{Code: "HMS_0700-2000-0003-0001", Description: "Filament ran out"}}
	m.observe("p1", snapshotWithState(state.GcodeRunning))
	m.observe("p1", first)

	second := snapshotWithState(state.GcodeRunning)
	second.Print.HmsErrors = append(first.Print.HmsErrors, state.HmsError{Code: "HMS_0C00-0200-0001-0001"})
	m.observe("p1", second)

	events := m.List("", 10)
	require.Len(t, events, 2)
	assert.Equal(t, "HMS error detected: HMS_0C00-0200-0001-0001", events[0].Message)
	assert.Equal(t, "HMS error detected: Filament ran out", events[1].Message)
}

func TestPerPrinterHistory(t *testing.T) {
	m := New(state.NewRepo())
	m.observe("p1", snapshotWithState(state.GcodeRunning))
	m.observe("p2", snapshotWithState(state.GcodeRunning))
	m.observe("p1", snapshotWithState(state.GcodeFinish))
	m.observe("p2", snapshotWithState(state.GcodePause))

	assert.Len(t, m.List("", 10), 2)
	p1 := m.List("p1", 10)
	require.Len(t, p1, 1)
	assert.Equal(t, "Print finished", p1[0].Message)
	p2 := m.List("p2", 10)
	require.Len(t, p2, 1)
	assert.Equal(t, "Print paused", p2[0].Message)

	// Clearing one printer leaves the others alone.
	m.Clear("p1")
	assert.Empty(t, m.List("p1", 10))
	assert.Len(t, m.List("p2", 10), 1)
}

func TestHistoryCapAndClear(t *testing.T) {
	m := New(state.NewRepo())
	m.observe("p1", snapshotWithState(state.GcodeRunning))
	m.observe("p2", snapshotWithState(state.GcodeRunning))
	m.observe("p2", snapshotWithState(state.GcodeFinish))
	for i := 0; i < 60; i++ {
		m.observe("p1", snapshotWithState(state.GcodePause))
		m.observe("p1", snapshotWithState(state.GcodeRunning))
	}
	// One printer's chatter never evicts another's history.
	assert.Len(t, m.List("p1", 200), historyCap)
	assert.Len(t, m.List("p2", 200), 1)

	m.Clear("")
	assert.Empty(t, m.List("", 10))
}

func TestListLimitClamping(t *testing.T) {
	m := New(state.NewRepo())
	m.observe("p1", snapshotWithState(state.GcodeRunning))
	m.observe("p1", snapshotWithState(state.GcodeFinish))

	assert.Len(t, m.List("", 0), 1)
	assert.Len(t, m.List("", 500), 1)
}
