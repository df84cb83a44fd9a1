package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GigaElk/worrybox-sub002/internal/monitoring"
)

type stubSink struct {
	values map[string]string
	sets   int
}

func newStubSink() *stubSink {
	return &stubSink{values: make(map[string]string)}
}

func (s *stubSink) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *stubSink) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.values[key] = value
	s.sets++
	return nil
}

func fixedSnapshot() (monitoring.Snapshot, bool) {
	return monitoring.Snapshot{
		Timestamp: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
		Health:    monitoring.HealthHealthy,
	}, true
}

func TestPublishSnapshotActivatesThenWrites(t *testing.T) {
	sink := newStubSink()
	var activated bool

	err := publishSnapshot(context.Background(),
		func(ctx context.Context) error { activated = true; return nil },
		fixedSnapshot,
		func() snapshotSink { return sink },
	)
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, 1, sink.sets)
	assert.Contains(t, sink.values[snapshotKey], "healthy")
}

func TestPublishSnapshotSkipsUnchangedPayload(t *testing.T) {
	sink := newStubSink()
	activate := func(ctx context.Context) error { return nil }

	for i := 0; i < 3; i++ {
		require.NoError(t, publishSnapshot(context.Background(),
			activate, fixedSnapshot, func() snapshotSink { return sink }))
	}
	assert.Equal(t, 1, sink.sets)
}

func TestPublishSnapshotStopsWhenActivationFails(t *testing.T) {
	sink := newStubSink()
	want := errors.New("redis down")

	err := publishSnapshot(context.Background(),
		func(ctx context.Context) error { return want },
		fixedSnapshot,
		func() snapshotSink { return sink },
	)
	assert.ErrorIs(t, err, want)
	assert.Zero(t, sink.sets)
}

func TestPublishSnapshotNoopWithoutSnapshot(t *testing.T) {
	sink := newStubSink()

	err := publishSnapshot(context.Background(),
		func(ctx context.Context) error { return nil },
		func() (monitoring.Snapshot, bool) { return monitoring.Snapshot{}, false },
		func() snapshotSink { return sink },
	)
	require.NoError(t, err)
	assert.Zero(t, sink.sets)
}
