package shutdown

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fluidics-controller/internal/datadog"
)

// HookTimeout bounds each safe-stop hook.
const HookTimeout = 5 * time.Second

// Hook puts one piece of hardware into a safe state.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

var (
	mu    sync.Mutex
	hooks []Hook
	once  sync.Once

	ExitFunc = os.Exit
)

// Register adds a safe-stop hook. Hooks run last registered first.
func Register(name string, fn func(ctx context.Context) error) {
	mu.Lock()
	defer mu.Unlock()
	hooks = append(hooks, Hook{Name: name, Fn: fn})
}

// SafeStop runs every registered hook once, however often it is called.
func SafeStop() {
	once.Do(func() {
		mu.Lock()
		pending := make([]Hook, len(hooks))
		copy(pending, hooks)
		mu.Unlock()

		for i := len(pending) - 1; i >= 0; i-- {
			h := pending[i]
			ctx, cancel := context.WithTimeout(context.Background(), HookTimeout)
			if err := h.Fn(ctx); err != nil {
				log.Error().Err(err).Str("hook", h.Name).Msg("Safe stop failed")
			} else {
				log.Info().Str("hook", h.Name).Msg("Safe stop complete")
			}
			cancel()
		}
		datadog.Close()
	})
}

func Shutdown() {
	SafeStop()
	log.Info().Msg("Fluidics controller stopped")
	ExitFunc(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	SafeStop()
	ExitFunc(1)
}
