package shutdown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestShutdown_RunsHooksInLIFOOrder(t *testing.T) {
	m := New(time.Second, zerolog.Nop())

	var mu sync.Mutex
	var order []int
	record := func(n int) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return nil
		}
	}

	m.Register(record(1))
	m.Register(record(2))
	m.Register(record(3))

	m.Shutdown()

	assert.Equal(t, []int{3, 2, 1}, order, "hooks must run most-recently-registered first")
}

func TestShutdown_ContinuesPastHookErrors(t *testing.T) {
	m := New(time.Second, zerolog.Nop())

	ran := false
	m.Register(func(context.Context) error { return assertErr })
	m.Register(func(context.Context) error { ran = true; return nil })

	m.Shutdown()
	assert.True(t, ran, "a failing hook must not prevent earlier-registered hooks from running")
}

var assertErr = errFixture{}

type errFixture struct{}

func (errFixture) Error() string { return "boom" }

func TestWaitForSignal_ReturnsWhenContextCancelled(t *testing.T) {
	m := New(100 * time.Millisecond, zerolog.Nop())
	done := false
	m.Register(func(context.Context) error { done = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	finished := make(chan struct{})
	go func() {
		m.WaitForSignal(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("WaitForSignal did not return after context cancellation")
	}
	assert.True(t, done)
}
