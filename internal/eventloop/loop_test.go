package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestLoop_RunsInPostOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestLoop_PostFromManyGoroutines(t *testing.T) {
	l := startLoop(t)

	count := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()

	var final int
	require.NoError(t, l.Do(context.Background(), func() { final = count }))
	assert.Equal(t, 400, final)
}

func TestLoop_TaskCanPostWithoutDeadlock(t *testing.T) {
	l := startLoop(t)

	reached := make(chan struct{})
	require.NoError(t, l.Post(func() {
		_ = l.Post(func() { close(reached) })
	}))

	select {
	case <-reached:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestLoop_RecoversPanics(t *testing.T) {
	l := startLoop(t)

	require.NoError(t, l.Post(func() { panic("bad payload") }))
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoop_Close(t *testing.T) {
	l := New(nil)
	l.Close()
	l.Close()

	assert.ErrorIs(t, l.Post(func() {}), ErrClosed)
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrClosed)
	assert.NoError(t, l.Run(context.Background()))
}

func TestLoop_DoHonorsContext(t *testing.T) {
	l := New(nil) // never run

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Do(ctx, func() {}), context.DeadlineExceeded)
}
