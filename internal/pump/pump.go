package pump

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fluidics-controller/internal/bus"
	"github.com/thatsimonsguy/fluidics-controller/internal/datadog"
	"github.com/thatsimonsguy/fluidics-controller/internal/model"
)

const (
	DefaultUnit = 30
	MaxSpeed    = 48.0

	cmdRemote  = "SR"
	cmdKeypad  = "SK"
	cmdForward = "K>"
	cmdReverse = "K<"
	cmdStop    = "KH"

	queryControl  = "?"
	queryDisplay  = "R"
	queryIdentify = "%"
	queryReset    = "$"

	// remote (0xD2) and keypad (0xCB) markers once the high bit is dropped
	remoteMarker = "R"
	keypadMarker = "K"
)

var (
	ErrSpeedOutOfRange = errors.New("pump speed out of range")
	ErrMalformedStatus = errors.New("malformed pump display")
)

var now = time.Now

type Options struct {
	// Unit is the pump's unit number, 1 to 63. Zero selects DefaultUnit.
	Unit int
	// Invert swaps the meaning of forward and reverse for pumps plumbed
	// backwards.
	Invert bool
}

// Pump drives one peristaltic pump. The flow, speed and direction it
// remembers are what was last acknowledged, not what the pump reports.
type Pump struct {
	bus    *bus.Bus
	addr   byte
	invert bool

	mu    sync.Mutex
	state model.PumpState
}

func New(b *bus.Bus, opts Options) *Pump {
	unit := opts.Unit
	if unit == 0 {
		unit = DefaultUnit
	}
	return &Pump{
		bus:    b,
		addr:   0x80 | byte(unit),
		invert: opts.Invert,
		state: model.PumpState{
			Flow:      model.FlowStopped,
			Direction: model.DirectionForward,
		},
	}
}

// Connect brings the pump under remote control with zero flow.
func Connect(ctx context.Context, b *bus.Bus, opts Options) (*Pump, error) {
	p := New(b, opts)
	if err := p.Handshake(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pump) Handshake(ctx context.Context) error {
	if err := p.Disconnect(); err != nil {
		return fmt.Errorf("reset pump line: %w", err)
	}
	if err := p.EnableRemoteControl(ctx, true); err != nil {
		return err
	}
	if err := p.StartFlow(ctx, 0, model.DirectionForward); err != nil {
		return err
	}

	remote, err := p.ConfirmRemoteControl(ctx)
	if err != nil {
		return err
	}
	if !remote {
		log.Warn().Msg("Pump did not confirm remote control")
	}

	status, err := p.Status(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Str("flow", string(status.Flow)).
		Float64("speed", status.Speed).
		Str("direction", string(status.Direction)).
		Str("control", string(status.Control)).
		Msg("Initialized pump")
	return nil
}

// EncodeSpeed renders speed as the four digit argument of the set-speed
// command, in hundredths.
func EncodeSpeed(speed float64) (string, error) {
	if math.IsNaN(speed) || speed < 0 || speed > MaxSpeed {
		return "", fmt.Errorf("%v not in [0, %v]: %w", speed, MaxSpeed, ErrSpeedOutOfRange)
	}
	return fmt.Sprintf("%04d", int(math.Round(speed*100))), nil
}

// ParseStatus interprets the display string: the first character is the
// rotation, the last is the control mode and what sits between them, less
// the trailing separator, is the speed.
func ParseStatus(display string, invert bool) (model.PumpStatus, error) {
	if len(display) < 3 {
		return model.PumpStatus{}, fmt.Errorf("%q: %w", display, ErrMalformedStatus)
	}

	speed, err := strconv.ParseFloat(strings.TrimSpace(display[1:len(display)-2]), 64)
	if err != nil {
		return model.PumpStatus{}, fmt.Errorf("%q: %w", display, ErrMalformedStatus)
	}

	status := model.PumpStatus{
		Speed:     speed,
		Direction: parseDirection(display[0], invert),
		Control:   parseControl(display[len(display)-1]),
		AutoStart: "Disabled",
		Error:     "No Error",
	}
	if status.Direction == model.DirectionNotRunning {
		status.Flow = model.FlowStopped
	} else {
		status.Flow = model.FlowFlowing
	}
	return status, nil
}

func parseDirection(c byte, invert bool) model.Direction {
	switch c {
	case ' ':
		return model.DirectionNotRunning
	case '+':
		if invert {
			return model.DirectionReverse
		}
		return model.DirectionForward
	case '-':
		if invert {
			return model.DirectionForward
		}
		return model.DirectionReverse
	default:
		return model.DirectionUnknown
	}
}

func parseControl(c byte) model.ControlMode {
	switch string(c) {
	case keypadMarker:
		return model.ControlKeypad
	case remoteMarker:
		return model.ControlRemote
	default:
		return model.ControlUnknown
	}
}

// Disconnect sends the release byte without selecting the pump.
func (p *Pump) Disconnect() error {
	_, err := p.bus.SendAndAcknowledge([]byte{bus.Release})
	return err
}

func (p *Pump) EnableRemoteControl(ctx context.Context, remote bool) error {
	cmd := cmdKeypad
	if remote {
		cmd = cmdRemote
	}
	if err := p.bus.Buffered(ctx, p.addr, cmd); err != nil {
		return fmt.Errorf("set pump control: %w", err)
	}
	log.Debug().Bool("remote", remote).Msg("Pump control mode set")
	return nil
}

// CloseRemote hands the pump back to its keypad.
func (p *Pump) CloseRemote(ctx context.Context) error {
	return p.EnableRemoteControl(ctx, false)
}

// ConfirmRemoteControl reports whether the pump says it is under remote
// control. Any answer other than the remote marker is false.
func (p *Pump) ConfirmRemoteControl(ctx context.Context) (bool, error) {
	resp, err := p.bus.Immediate(ctx, p.addr, queryControl)
	if err != nil {
		return false, fmt.Errorf("query pump control: %w", err)
	}
	switch resp {
	case remoteMarker:
		log.Info().Msg("Remote control confirmed")
		return true, nil
	case keypadMarker:
		log.Info().Msg("Keypad control enabled")
		return false, nil
	default:
		log.Warn().Str("response", fmt.Sprintf("%q", resp)).Msg("Unexpected pump control response")
		return false, nil
	}
}

func (p *Pump) SetSpeed(ctx context.Context, speed float64) error {
	digits, err := EncodeSpeed(speed)
	if err != nil {
		return err
	}
	if err := p.bus.Buffered(ctx, p.addr, "R"+digits); err != nil {
		return fmt.Errorf("set pump speed %v: %w", speed, err)
	}

	p.update(func(s *model.PumpState) { s.Speed = speed })
	datadog.Gauge("pump.speed", speed)
	return nil
}

// SetFlowDirection picks the rotation command, honouring the inversion flag.
func (p *Pump) SetFlowDirection(ctx context.Context, forward bool) error {
	cmd := cmdReverse
	if forward != p.invert {
		cmd = cmdForward
	}
	if err := p.bus.Buffered(ctx, p.addr, cmd); err != nil {
		return fmt.Errorf("set pump direction: %w", err)
	}

	dir := model.DirectionReverse
	if forward {
		dir = model.DirectionForward
	}
	p.update(func(s *model.PumpState) { s.Direction = dir })
	return nil
}

func (p *Pump) StartFlow(ctx context.Context, speed float64, dir model.Direction) error {
	if err := p.SetSpeed(ctx, speed); err != nil {
		return err
	}
	if err := p.SetFlowDirection(ctx, dir == model.DirectionForward); err != nil {
		return err
	}

	flow := model.FlowStopped
	if speed > 0 {
		flow = model.FlowFlowing
	}
	p.update(func(s *model.PumpState) { s.Flow = flow })
	datadog.Gauge("pump.flowing", boolGauge(flow == model.FlowFlowing))

	log.Info().Float64("speed", speed).Str("direction", string(dir)).Msg("Pump flow started")
	return nil
}

// StopFlow halts the rotor. Stopping a stopped pump is not an error.
func (p *Pump) StopFlow(ctx context.Context) error {
	if err := p.bus.Buffered(ctx, p.addr, cmdStop); err != nil {
		return fmt.Errorf("stop pump: %w", err)
	}
	p.update(func(s *model.PumpState) { s.Flow = model.FlowStopped })
	datadog.Gauge("pump.flowing", 0)
	log.Info().Msg("Pump flow stopped")
	return nil
}

func (p *Pump) ReadDisplay(ctx context.Context) (string, error) {
	resp, err := p.bus.Immediate(ctx, p.addr, queryDisplay)
	if err != nil {
		return "", fmt.Errorf("read pump display: %w", err)
	}
	return resp, nil
}

// Status reads the display and parses it against the inversion table.
func (p *Pump) Status(ctx context.Context) (model.PumpStatus, error) {
	display, err := p.ReadDisplay(ctx)
	if err != nil {
		return model.PumpStatus{}, err
	}
	return ParseStatus(display, p.invert)
}

func (p *Pump) Identify(ctx context.Context) (string, error) {
	resp, err := p.bus.Immediate(ctx, p.addr, queryIdentify)
	if err != nil {
		return "", fmt.Errorf("identify pump: %w", err)
	}
	return resp, nil
}

func (p *Pump) MasterReset(ctx context.Context) (string, error) {
	resp, err := p.bus.Immediate(ctx, p.addr, queryReset)
	if err != nil {
		return "", fmt.Errorf("reset pump: %w", err)
	}
	log.Warn().Msg("Pump master reset")
	return resp, nil
}

// State returns the locally mirrored pump state.
func (p *Pump) State() model.PumpState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pump) update(fn func(s *model.PumpState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.state)
	p.state.UpdatedAt = now()
}

func (p *Pump) Close() error {
	return p.bus.Transport().Close()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
