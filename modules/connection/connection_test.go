package connection

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambumon/bambumon/internal/config"
)

type fakeLiveness struct{ live bool }

func (f *fakeLiveness) IsLive() bool { return f.live }

type fakeGated struct{ pauses, resumes int }

func (f *fakeGated) Pause()  { f.pauses++ }
func (f *fakeGated) Resume() { f.resumes++ }

func newTestModule(t *testing.T) (*Module, *fakeLiveness, *fakeGated) {
	t.Helper()
	store, err := config.Load(filepath.Join(t.TempDir(), "app.json"))
	require.NoError(t, err)
	liveness := &fakeLiveness{}
	gated := &fakeGated{}
	return New(config.NewActiveBinding(store), liveness, gated), liveness, gated
}

func TestGatePausesOnceWhileDown(t *testing.T) {
	m, liveness, gated := newTestModule(t)
	ctx := context.Background()

	liveness.live = false
	m.tick(ctx)
	m.tick(ctx)
	m.tick(ctx)
	assert.Equal(t, 1, gated.pauses)
	assert.Zero(t, gated.resumes)
}

func TestGateResumesWhenLive(t *testing.T) {
	m, liveness, gated := newTestModule(t)
	ctx := context.Background()

	liveness.live = false
	m.tick(ctx)
	liveness.live = true
	m.tick(ctx)
	m.tick(ctx)

	assert.Equal(t, 1, gated.pauses)
	assert.Equal(t, 1, gated.resumes)
}

func TestGateNoopWhileHealthy(t *testing.T) {
	m, liveness, gated := newTestModule(t)
	liveness.live = true
	m.tick(context.Background())
	assert.Zero(t, gated.pauses)
	assert.Zero(t, gated.resumes)
}
