package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsInOrder(t *testing.T) {
	r := New()
	go r.Run()
	defer r.Stop()

	var got []int
	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		require.NoError(t, r.Submit(func() { got = append(got, i) }))
	}
	require.NoError(t, r.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reactor did not dispatch")
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestSubmitAfterStop(t *testing.T) {
	r := New()
	go r.Run()
	r.Stop()
	// Stop is asynchronous with respect to the dispatch loop but
	// Submit must refuse immediately once stopped.
	assert.ErrorIs(t, r.Submit(func() {}), ErrStopped)
}

func TestSubmitFromCallback(t *testing.T) {
	r := New()
	go r.Run()
	defer r.Stop()

	done := make(chan struct{})
	require.NoError(t, r.Submit(func() {
		if err := r.Submit(func() { close(done) }); err != nil {
			t.Error(err)
		}
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested submit did not run")
	}
}

func TestWatcherFiresOnReadable(t *testing.T) {
	r := New()
	go r.Run()
	defer r.Stop()

	readable := make(chan struct{}, 1)
	var fires atomic.Int32
	w := r.NewWatcher(readable, func() { fires.Add(1) })
	w.Start()
	defer w.Stop()

	readable <- struct{}{}
	assert.Eventually(t, func() bool { return fires.Load() == 1 },
		time.Second, time.Millisecond)

	readable <- struct{}{}
	assert.Eventually(t, func() bool { return fires.Load() == 2 },
		time.Second, time.Millisecond)
}

func TestWatcherStopPreventsCallback(t *testing.T) {
	r := New()
	go r.Run()
	defer r.Stop()

	readable := make(chan struct{}, 1)
	var fires atomic.Int32
	w := r.NewWatcher(readable, func() { fires.Add(1) })
	w.Start()
	w.Stop()

	readable <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fires.Load())
}

func TestWatcherStopFromCallback(t *testing.T) {
	r := New()
	go r.Run()
	defer r.Stop()

	readable := make(chan struct{}, 1)
	var w *Watcher
	stopped := make(chan struct{})
	w = r.NewWatcher(readable, func() {
		w.Stop()
		close(stopped)
	})
	w.Start()

	readable <- struct{}{}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("watcher stop from its own callback deadlocked")
	}
}

func TestNowAdvances(t *testing.T) {
	r := New()
	go r.Run()
	defer r.Stop()

	before := r.Now()
	time.Sleep(10 * time.Millisecond)
	done := make(chan struct{})
	require.NoError(t, r.Submit(func() { close(done) }))
	<-done
	assert.True(t, r.Now().After(before))
}
