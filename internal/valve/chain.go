package valve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fluidics-controller/internal/bus"
	"github.com/thatsimonsguy/fluidics-controller/internal/datadog"
	"github.com/thatsimonsguy/fluidics-controller/internal/model"
)

const (
	baseAddress byte = 'a'

	cmdAutoAddress      = "1a\r"
	cmdInitialize       = "LXR"
	cmdConfiguration    = "LQT"
	cmdPosition         = "LQP"
	cmdMovementFinished = "F"
	cmdOverload         = "G"
)

var (
	ErrInvalidTarget     = errors.New("invalid valve or port")
	ErrNoDevicesDetected = errors.New("no valves detected")
	ErrNotAddressed      = errors.New("valve chain not addressed")
)

var (
	initializeCodes = bus.Codes[struct{}]{}

	configurationCodes = bus.Codes[model.PortConfig]{
		Table: map[string]model.PortConfig{
			"2": model.Config8Ports,
			"3": model.Config6Ports,
			"4": model.Config3Ports,
			"5": model.Config2Ports180,
			"6": model.Config2Ports90,
			"7": model.Config4Ports,
		},
		Fallback: model.ConfigUnknown,
		Strict:   true,
	}

	positionCodes = bus.Codes[int]{
		Table: map[string]int{
			"1": 1, "2": 2, "3": 3, "4": 4,
			"5": 5, "6": 6, "7": 7, "8": 8,
		},
		Strict: true,
	}

	flagCodes = bus.Codes[bool]{
		Table: map[string]bool{
			"*": false,
			"N": false,
			"Y": true,
		},
		Strict: true,
	}
)

var now = time.Now

type Options struct {
	MaxValves    int
	MoveTimeout  time.Duration
	PollInterval time.Duration
}

func DefaultOptions() Options {
	return Options{MaxValves: 2, MoveTimeout: 30 * time.Second, PollInterval: time.Second}
}

// Chain drives daisy-chained rotary valves sharing one bus. Valves are
// addressed by index; index 0 answers to 'a'.
type Chain struct {
	bus  *bus.Bus
	opts Options

	mu        sync.Mutex
	addressed bool
	valves    []model.Valve
}

func New(b *bus.Bus, opts Options) *Chain {
	return &Chain{bus: b, opts: opts}
}

// Open addresses the chain and detects every valve on it.
func Open(ctx context.Context, b *bus.Bus, opts Options) (*Chain, error) {
	c := New(b, opts)
	if err := c.AutoAddress(); err != nil {
		return nil, err
	}
	if _, err := c.Detect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func Address(idx int) byte {
	return baseAddress + byte(idx)
}

// AutoAddress broadcasts the address assignment command. It is sent once per
// chain; later calls are no-ops until ResetChain.
func (c *Chain) AutoAddress() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.addressed {
		return nil
	}

	log.Info().Str("port", c.bus.Transport().Name()).Msg("Addressing valve chain")
	if _, err := c.bus.Broadcast([]byte(cmdAutoAddress)); err != nil {
		return fmt.Errorf("auto-address valve chain: %w", err)
	}
	c.addressed = true
	return nil
}

// Detect probes addresses in order and stops at the first valve that does not
// initialize. The detected valves replace any previous inventory.
func (c *Chain) Detect(ctx context.Context) ([]model.Valve, error) {
	c.mu.Lock()
	addressed := c.addressed
	c.mu.Unlock()
	if !addressed {
		return nil, ErrNotAddressed
	}

	var found []model.Valve

	for i := 0; i < c.opts.MaxValves; i++ {
		v, ok, err := c.probe(ctx, i)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		found = append(found, v)
	}

	if len(found) == 0 {
		log.Error().Int("max_valves", c.opts.MaxValves).Msg("No valves discovered")
		return nil, ErrNoDevicesDetected
	}

	c.mu.Lock()
	c.valves = found
	c.mu.Unlock()

	datadog.Gauge("valve.detected", float64(len(found)))
	for _, v := range found {
		log.Info().
			Str("address", v.Address).
			Str("configuration", string(v.Configuration)).
			Msg("Valve detected")
	}

	if err := c.WaitUntilNotMoving(ctx, len(found)-1); err != nil {
		return c.Valves(), err
	}

	log.Info().Int("valves", len(found)).Msg("Initialized valves")
	return c.Valves(), nil
}

func (c *Chain) probe(ctx context.Context, idx int) (model.Valve, bool, error) {
	addr := Address(idx)

	raw, err := c.bus.Immediate(ctx, addr, cmdInitialize)
	if errors.Is(err, bus.ErrDeviceUnreachable) {
		log.Debug().Str("address", string(addr)).Msg("No valve at address")
		return model.Valve{}, false, nil
	}
	if err != nil {
		return model.Valve{}, false, fmt.Errorf("initialize valve %c: %w", addr, err)
	}
	if res := bus.Classify(raw, initializeCodes); !res.OK() {
		log.Debug().Str("address", string(addr)).Str("kind", res.Kind.String()).Msg("Valve did not initialize")
		return model.Valve{}, false, nil
	}

	raw, err = c.bus.Immediate(ctx, addr, cmdConfiguration)
	if err != nil {
		return model.Valve{}, false, fmt.Errorf("query configuration of valve %c: %w", addr, err)
	}
	cfg := bus.Classify(raw, configurationCodes)
	if !cfg.Recognized {
		log.Warn().
			Str("address", string(addr)).
			Str("code", cfg.Code).
			Str("kind", cfg.Kind.String()).
			Msg("Unknown valve configuration")
	}

	return model.Valve{
		Index:         idx,
		Address:       string(addr),
		Configuration: cfg.Value,
		NumPorts:      cfg.Value.NumPorts(),
		DetectedAt:    now(),
	}, true, nil
}

// ResetChain forgets the inventory, then re-addresses and re-detects.
func (c *Chain) ResetChain(ctx context.Context) ([]model.Valve, error) {
	c.mu.Lock()
	c.addressed = false
	c.valves = nil
	c.mu.Unlock()

	if err := c.AutoAddress(); err != nil {
		return nil, err
	}
	return c.Detect(ctx)
}

func (c *Chain) NumValves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.valves)
}

// Valves returns a copy of the detected inventory.
func (c *Chain) Valves() []model.Valve {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Valve(nil), c.valves...)
}

func (c *Chain) IsValidValve(idx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return idx >= 0 && idx < len(c.valves)
}

// IsValidPort uses 1-based ports: 1..NumPorts inclusive.
func (c *Chain) IsValidPort(idx, port int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= len(c.valves) {
		return false
	}
	return port >= 1 && port <= c.valves[idx].NumPorts
}

func (c *Chain) valve(idx int) (model.Valve, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= len(c.valves) {
		return model.Valve{}, fmt.Errorf("valve %d of %d: %w", idx, len(c.valves), ErrInvalidTarget)
	}
	return c.valves[idx], nil
}

func (c *Chain) Configuration(idx int) (model.PortConfig, error) {
	v, err := c.valve(idx)
	if err != nil {
		return "", err
	}
	return v.Configuration, nil
}

func (c *Chain) DefaultPortNames(idx int) ([]string, error) {
	v, err := c.valve(idx)
	if err != nil {
		return nil, err
	}
	names := make([]string, v.NumPorts)
	for i := range names {
		names[i] = fmt.Sprintf("Port %d", i+1)
	}
	return names, nil
}

func (c *Chain) RotationDirections(idx int) ([]string, error) {
	if _, err := c.valve(idx); err != nil {
		return nil, err
	}
	return []string{model.Clockwise.String(), model.CounterClockwise.String()}, nil
}

// ChangePort rotates valve idx to the 1-based port. Targets are checked
// before anything is written to the bus. CurrentPort is updated once the
// move is acknowledged; when wait is set the call then blocks until the
// valve reports it has stopped.
func (c *Chain) ChangePort(ctx context.Context, idx, port int, dir model.Rotation, wait bool) error {
	v, err := c.valve(idx)
	if err != nil {
		return err
	}
	if port < 1 || port > v.NumPorts {
		return fmt.Errorf("port %d on valve %s with %d ports: %w", port, v.Address, v.NumPorts, ErrInvalidTarget)
	}

	cmd := fmt.Sprintf("LP%d%dR", dir, port)
	if err := c.bus.Buffered(ctx, v.Address[0], cmd); err != nil {
		log.Error().Err(err).Str("address", v.Address).Int("port", port).Msg("Valve move failed")
		return fmt.Errorf("move valve %s to port %d: %w", v.Address, port, err)
	}

	c.setCurrentPort(idx, port)
	datadog.Gauge("valve.port", float64(port), "valve:"+v.Address)
	log.Info().
		Str("address", v.Address).
		Int("port", port).
		Str("direction", dir.String()).
		Msg("Valve moving")

	if wait {
		return c.WaitUntilNotMoving(ctx, idx)
	}
	return nil
}

func (c *Chain) setCurrentPort(idx, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < len(c.valves) {
		c.valves[idx].CurrentPort = port
	}
}

func query[T any](ctx context.Context, c *Chain, idx int, cmd string, codes bus.Codes[T]) (bus.Result[T], error) {
	v, err := c.valve(idx)
	if err != nil {
		return bus.Result[T]{}, err
	}
	raw, err := c.bus.Immediate(ctx, v.Address[0], cmd)
	if err != nil {
		return bus.Result[T]{}, fmt.Errorf("query %q on valve %s: %w", cmd, v.Address, err)
	}
	res := bus.Classify(raw, codes)
	if !res.OK() {
		log.Warn().
			Str("address", v.Address).
			Str("command", cmd).
			Str("kind", res.Kind.String()).
			Str("code", res.Code).
			Msg("Unexpected valve response")
	}
	return res, nil
}

// Position asks the valve which port it is on. An unrecognized answer is
// reported through the result, not as an error, and leaves the mirror alone.
func (c *Chain) Position(ctx context.Context, idx int) (bus.Result[int], error) {
	res, err := query(ctx, c, idx, cmdPosition, positionCodes)
	if err == nil && res.OK() && res.Recognized {
		c.setCurrentPort(idx, res.Value)
	}
	return res, err
}

func (c *Chain) IsMovementFinished(ctx context.Context, idx int) (bus.Result[bool], error) {
	return query(ctx, c, idx, cmdMovementFinished, flagCodes)
}

func (c *Chain) IsOverloaded(ctx context.Context, idx int) (bus.Result[bool], error) {
	return query(ctx, c, idx, cmdOverload, flagCodes)
}

// Status queries position, movement and overload in turn. Port falls back
// to the last acknowledged port when the valve's answer was not understood.
func (c *Chain) Status(ctx context.Context, idx int) (model.ValveStatus, error) {
	pos, err := c.Position(ctx, idx)
	if err != nil {
		return model.ValveStatus{}, err
	}
	done, err := c.IsMovementFinished(ctx, idx)
	if err != nil {
		return model.ValveStatus{}, err
	}
	overload, err := c.IsOverloaded(ctx, idx)
	if err != nil {
		return model.ValveStatus{}, err
	}

	port := pos.Value
	if !pos.Recognized {
		v, err := c.valve(idx)
		if err != nil {
			return model.ValveStatus{}, err
		}
		port = v.CurrentPort
	}

	status := model.ValveStatus{
		Port:       port,
		DoneMoving: done.OK() && done.Value,
		Overloaded: overload.OK() && overload.Value,
	}
	if status.Overloaded {
		datadog.Incr("valve.overload", "valve:"+string(Address(idx)))
	}
	return status, nil
}

// WaitUntilNotMoving polls the movement flag until the valve reports it has
// finished, giving up after the move timeout.
func (c *Chain) WaitUntilNotMoving(ctx context.Context, idx int) error {
	deadline := now().Add(c.opts.MoveTimeout)

	for {
		res, err := c.IsMovementFinished(ctx, idx)
		if err != nil {
			return err
		}
		if res.OK() && res.Value {
			return nil
		}
		if !now().Before(deadline) {
			return fmt.Errorf("valve %c still moving after %s: %w", Address(idx), c.opts.MoveTimeout, bus.ErrTimeout)
		}
		if err := bus.Sleep(ctx, c.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (c *Chain) Close() error {
	return c.bus.Transport().Close()
}
