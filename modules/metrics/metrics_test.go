package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndSnapshot(t *testing.T) {
	m := New()
	m.Record("mqtt_publish", true, 10*time.Millisecond)
	m.Record("mqtt_publish", true, 20*time.Millisecond)
	m.Record("mqtt_publish", false, 30*time.Millisecond)

	snap := m.Snapshot()
	require.Contains(t, snap, "mqtt_publish")
	s := snap["mqtt_publish"]
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 0.333, s.ErrorRate)
	assert.Equal(t, 20.0, s.AvgMs)
}

func TestSampleWindowBounded(t *testing.T) {
	m := New()
	for i := 0; i < sampleWindow+50; i++ {
		m.Record("ftps_list", true, time.Millisecond)
	}
	assert.Equal(t, sampleWindow, m.Snapshot()["ftps_list"].Count)
}

func TestTimed(t *testing.T) {
	m := New()
	err := m.Timed("camera_connect", func() error { return errors.New("boom") })
	assert.Error(t, err)

	s := m.Snapshot()["camera_connect"]
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, 1, s.Errors)
}

func TestAlertThresholdsAndThrottle(t *testing.T) {
	m := New()
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	s := &series{}
	// Under the minimum sample count nothing alerts.
	assert.False(t, m.shouldAlertLocked(s, Summary{Count: 4, ErrorRate: 1}))

	// High error rate alerts once, then throttles.
	assert.True(t, m.shouldAlertLocked(s, Summary{Count: 10, ErrorRate: 0.5}))
	assert.False(t, m.shouldAlertLocked(s, Summary{Count: 10, ErrorRate: 0.5}))

	clock = clock.Add(61 * time.Second)
	assert.True(t, m.shouldAlertLocked(s, Summary{Count: 10, ErrorRate: 0.5}))

	// Slow averages alert too.
	s2 := &series{}
	assert.True(t, m.shouldAlertLocked(s2, Summary{Count: 10, AvgMs: 2500}))
	// Healthy series never alert.
	s3 := &series{}
	assert.False(t, m.shouldAlertLocked(s3, Summary{Count: 10, ErrorRate: 0.1, AvgMs: 100}))
}
