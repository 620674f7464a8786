package shutdown

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withExit(t *testing.T) *[]int {
	t.Helper()
	var codes []int
	reset()
	ExitFunc = func(code int) { codes = append(codes, code) }
	t.Cleanup(func() {
		reset()
		ExitFunc = os.Exit
	})
	return &codes
}

func TestShutdown_RunsHooksInReverse(t *testing.T) {
	codes := withExit(t)
	var order []string
	Register("pump flow", func(ctx context.Context) error {
		order = append(order, "pump flow")
		return nil
	})
	Register("pump keypad", func(ctx context.Context) error {
		order = append(order, "pump keypad")
		return nil
	})

	Shutdown()

	assert.Equal(t, []string{"pump keypad", "pump flow"}, order)
	assert.Equal(t, []int{0}, *codes)
}

func TestShutdownWithError_ContinuesPastFailedHook(t *testing.T) {
	codes := withExit(t)
	ran := 0
	Register("first", func(ctx context.Context) error {
		ran++
		return nil
	})
	Register("second", func(ctx context.Context) error {
		ran++
		return errors.New("serial port gone")
	})

	ShutdownWithError(errors.New("valve jammed"), "Sequencing failed")

	assert.Equal(t, 2, ran)
	assert.Equal(t, []int{1}, *codes)
}

func TestSafeStop_RunsOnce(t *testing.T) {
	withExit(t)
	calls := 0
	Register("pump", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		calls++
		return nil
	})

	SafeStop()
	SafeStop()
	Shutdown()
	assert.Equal(t, 1, calls)
}

func reset() {
	mu.Lock()
	defer mu.Unlock()
	hooks = nil
	once = sync.Once{}
}
