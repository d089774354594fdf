package watch

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/pipeline"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"2d6h", 54 * time.Hour, false},
		{"0s", 0, true},
		{"-1h", 0, true},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatInterval(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{time.Hour, "1h"},
		{90 * time.Minute, "1h30m"},
		{24 * time.Hour, "1d"},
		{36 * time.Hour, "1d12h"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatInterval(tt.input))
		})
	}
}

func TestStateManager_RecordAndReload(t *testing.T) {
	dir := t.TempDir()
	sm := NewStateManager(dir)
	require.NoError(t, sm.Load())

	assert.True(t, sm.ShouldRun(time.Hour))
	_, ok := sm.Last()
	assert.False(t, ok)

	result := pipeline.RunResult{
		RunID:     "run-1",
		Exhausted: true,
		Galleries: []models.GalleryResult{{Stored: 3}, {Stored: 2}},
	}
	sm.Record(result, nil)
	assert.False(t, sm.ShouldRun(time.Hour))
	require.NoError(t, sm.Save())
	assert.FileExists(t, filepath.Join(dir, stateFileName))

	reloaded := NewStateManager(dir)
	require.NoError(t, reloaded.Load())
	last, ok := reloaded.Last()
	require.True(t, ok)
	assert.Equal(t, "run-1", last.RunID)
	assert.True(t, last.LastRunSuccess)
	assert.Equal(t, 2, last.Galleries)
	assert.Equal(t, 5, last.Stored)
	assert.True(t, last.Exhausted)
	assert.Equal(t, 1, reloaded.TotalRuns())
}

func TestStateManager_RecordsFailure(t *testing.T) {
	sm := NewStateManager(t.TempDir())
	sm.Record(pipeline.RunResult{RunID: "run-2"}, errors.New("discovery failed"))

	last, ok := sm.Last()
	require.True(t, ok)
	assert.False(t, last.LastRunSuccess)
	assert.Equal(t, "discovery failed", last.ErrorMessage)
}

func TestStateManager_NextRunTime(t *testing.T) {
	sm := NewStateManager(t.TempDir())
	assert.WithinDuration(t, time.Now(), sm.NextRunTime(time.Hour), time.Second)

	sm.Record(pipeline.RunResult{}, nil)
	last, _ := sm.Last()
	assert.Equal(t, last.LastRunTime.Add(time.Hour), sm.NextRunTime(time.Hour))
}

func TestScheduler_RunsWhenDue(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	run := func(context.Context) (pipeline.RunResult, error) {
		if calls.Add(1) == 3 {
			cancel()
		}
		return pipeline.RunResult{RunID: "r"}, nil
	}
	s := NewScheduler(dir, 5*time.Millisecond, run, testLogger())
	s.tick = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Equal(t, int32(3), calls.Load())
	// The cancelled third run is not recorded
	assert.Equal(t, 2, s.State().TotalRuns())
}

func TestScheduler_SkipsWhenRecentRun(t *testing.T) {
	dir := t.TempDir()
	prior := NewStateManager(dir)
	prior.Record(pipeline.RunResult{RunID: "earlier"}, nil)
	require.NoError(t, prior.Save())

	var calls atomic.Int32
	run := func(context.Context) (pipeline.RunResult, error) {
		calls.Add(1)
		return pipeline.RunResult{}, nil
	}
	s := NewScheduler(dir, time.Hour, run, testLogger())
	s.tick = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Zero(t, calls.Load())
}

func TestScheduler_TickBounds(t *testing.T) {
	run := func(context.Context) (pipeline.RunResult, error) { return pipeline.RunResult{}, nil }
	assert.Equal(t, time.Minute, NewScheduler(t.TempDir(), 2*time.Minute, run, testLogger()).tick)
	assert.Equal(t, 6*time.Minute, NewScheduler(t.TempDir(), time.Hour, run, testLogger()).tick)
	assert.Equal(t, 10*time.Minute, NewScheduler(t.TempDir(), 24*time.Hour, run, testLogger()).tick)
}
