package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/eventbus"
	logx "pewcast/pkg/logx"
)

func startPool(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func TestEnqueueRunsTaskAndPublishes(t *testing.T) {
	t.Parallel()
	s, bus := startPool(t, Config{Workers: 2})
	events, unsub := bus.Subscribe(8, eventbus.TaskFinished)
	defer unsub()

	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "ok", Run: func(context.Context) error {
		close(done)
		return nil
	}}))
	<-done

	select {
	case e := <-events:
		assert.Equal(t, "ok", e.Data.(TaskEvent).Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no finished event")
	}
}

func TestEnqueueRejectsDuplicateKey(t *testing.T) {
	t.Parallel()
	s, _ := startPool(t, Config{Workers: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "a", Key: "job-1", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	err := s.Enqueue(Task{Name: "b", Key: "job-1", Run: func(context.Context) error { return nil }})
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.NoError(t, s.Enqueue(Task{Name: "c", Key: "job-2", Run: func(context.Context) error { return nil }}))
	close(release)

	require.Eventually(t, func() bool {
		return s.Enqueue(Task{Name: "d", Key: "job-1", Run: func(context.Context) error { return nil }}) == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	s, _ := startPool(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "busy", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}))
	err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, uint64(1), s.Snapshot().Dropped)
	close(block)
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s, bus := startPool(t, Config{Workers: 1})
	failed, unsub := bus.Subscribe(4, eventbus.TaskFailed)
	defer unsub()

	require.NoError(t, s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }}))
	select {
	case e := <-failed:
		assert.Contains(t, e.Data.(TaskEvent).Error, "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("no failed event")
	}

	ran := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(ran); return nil }}))
	<-ran
}

func TestStopDrainsThenAbandonsQueued(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	var sawDrain atomic.Bool
	require.NoError(t, s.Enqueue(Task{Name: "inflight", Run: func(ctx context.Context) error {
		close(started)
		<-Draining(ctx)
		sawDrain.Store(true)
		return ctx.Err()
	}}))
	<-started

	var abandoned atomic.Int32
	var ran atomic.Bool
	require.NoError(t, s.Enqueue(Task{
		Name:    "queued",
		Run:     func(context.Context) error { ran.Store(true); return nil },
		Abandon: func(reason error) { abandoned.Add(1) },
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.True(t, sawDrain.Load())
	assert.False(t, ran.Load())
	assert.Equal(t, int32(1), abandoned.Load())
	assert.True(t, errors.Is(s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped))
}

func TestStopHardCancelsAfterGrace(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "stubborn", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("task context was not cancelled after grace")
	}
}

func TestCallerCancellationDoesNotCancelTasks(t *testing.T) {
	t.Parallel()
	parent, cancelParent := context.WithCancel(context.Background())
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(parent)

	started := make(chan struct{})
	var taskErr atomic.Value
	require.NoError(t, s.Enqueue(Task{Name: "send", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			taskErr.Store(ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
		return nil
	}}))
	<-started
	cancelParent()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Nil(t, taskErr.Load())
}

func TestDrainingOutsidePoolIsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Draining(context.Background()))
}
