package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fluidics-controller/internal/datadog"
	"github.com/thatsimonsguy/fluidics-controller/internal/transport"
)

const (
	Ack        byte = 0x06
	Nak        byte = 0x21
	FrameStart byte = 0x0A
	FrameEnd   byte = 0x0D
	Release    byte = 0xFF

	highBit = 0x80

	// read length used when draining the line after a select or broadcast
	frameReadLength   = 64
	maxResponseLength = 64
)

var (
	ErrSelectionFailed     = errors.New("device did not echo its address")
	ErrDeviceUnreachable   = errors.New("device unreachable")
	ErrNegativeAcknowledge = errors.New("negative acknowledge")
	ErrNoResponse          = errors.New("no response from device")
	ErrUnrecognizedCode    = errors.New("unrecognized response code")
	ErrTimeout             = errors.New("timed out")
)

// RetryPolicy bounds device selection. Every failed attempt is followed by
// Interval before the next one.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, Interval: time.Second}
}

// Bus runs the select / buffered / immediate exchanges over one transport.
// Exchanges are serialized so frames never interleave.
type Bus struct {
	t      transport.Transport
	policy RetryPolicy
	mu     sync.Mutex
}

func New(t transport.Transport, policy RetryPolicy) *Bus {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Bus{t: t, policy: policy}
}

func (b *Bus) Transport() transport.Transport {
	return b.t
}

// Sleep waits for d or until ctx is done.
var Sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MatchesSelection reports whether resp is a valid echo of a select byte:
// either exactly the address, or a longer response that contains it and
// ends with it.
func MatchesSelection(resp []byte, addr byte) bool {
	switch {
	case len(resp) == 1:
		return resp[0] == addr
	case len(resp) > 1:
		return bytes.IndexByte(resp, addr) >= 0 && resp[len(resp)-1] == addr
	default:
		return false
	}
}

// Broadcast writes data without per-byte echo handling and discards whatever
// the line returns. Used for chain-wide commands sent before devices have
// addresses.
func (b *Bus) Broadcast(data []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range data {
		if err := b.t.WriteByte(c); err != nil {
			return nil, err
		}
	}
	discarded, err := b.t.ReadFrame(frameReadLength)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("port", b.t.Name()).Hex("sent", data).Hex("discarded", discarded).Msg("Broadcast")
	return discarded, nil
}

// Select addresses a device, retrying under the bus retry policy.
func (b *Bus) Select(ctx context.Context, addr byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selectDevice(ctx, addr)
}

// Disconnect releases whichever device is selected.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.release()
}

// SendAndAcknowledge writes data one byte at a time, reading one echo byte
// after each. Missing echoes are not errors.
func (b *Bus) SendAndAcknowledge(data []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var echoes []byte
	for _, c := range data {
		echo, ok, err := b.exchange(c)
		if err != nil {
			return echoes, err
		}
		if ok {
			echoes = append(echoes, echo)
		}
	}
	return echoes, nil
}

// Buffered sends a framed command to addr. The device's reply to the
// end-of-frame byte decides the outcome: a negative acknowledge is
// ErrNegativeAcknowledge, silence is ErrNoResponse.
func (b *Bus) Buffered(ctx context.Context, addr byte, cmd string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.selectDevice(ctx, addr); err != nil {
		return err
	}

	frame := make([]byte, 0, len(cmd)+2)
	frame = append(frame, FrameStart)
	frame = append(frame, cmd...)
	frame = append(frame, FrameEnd)

	var last byte
	var got bool
	for _, c := range frame {
		echo, ok, err := b.exchange(c)
		if err != nil {
			b.release()
			return err
		}
		last, got = echo, ok
	}

	if err := b.release(); err != nil {
		return err
	}

	log.Debug().
		Str("port", b.t.Name()).
		Hex("address", []byte{addr}).
		Str("command", cmd).
		Hex("reply", []byte{last}).
		Msg("Buffered command")

	if !got {
		return fmt.Errorf("buffered %q: %w", cmd, ErrNoResponse)
	}
	if last == Nak {
		datadog.Incr("bus.negative_acknowledge", "port:"+b.t.Name())
		return fmt.Errorf("buffered %q: %w", cmd, ErrNegativeAcknowledge)
	}
	return nil
}

// Immediate sends a status command to addr and collects the reply. All but
// the final command byte are echo-acknowledged; the final byte starts the
// reply, which is read one byte at a time, acknowledging each, until a byte
// with the high bit set arrives. That byte is unmasked and kept. A device that
// stays silent yields an empty reply.
func (b *Bus) Immediate(ctx context.Context, addr byte, cmd string) (string, error) {
	if cmd == "" {
		return "", errors.New("empty immediate command")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.selectDevice(ctx, addr); err != nil {
		return "", err
	}

	resp, err := b.readImmediate(cmd)
	if relErr := b.release(); err == nil {
		err = relErr
	}

	log.Debug().
		Str("port", b.t.Name()).
		Hex("address", []byte{addr}).
		Str("command", cmd).
		Str("response", fmt.Sprintf("%q", resp)).
		Msg("Immediate command")

	return resp, err
}

func (b *Bus) readImmediate(cmd string) (string, error) {
	for i := 0; i < len(cmd)-1; i++ {
		if _, _, err := b.exchange(cmd[i]); err != nil {
			return "", err
		}
	}
	if err := b.t.WriteByte(cmd[len(cmd)-1]); err != nil {
		return "", err
	}

	c, err := b.t.ReadByte()
	if errors.Is(err, transport.ErrReadTimeout) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var resp []byte
	for c&highBit == 0 {
		resp = append(resp, c)
		if len(resp) >= maxResponseLength {
			return string(resp), fmt.Errorf("immediate %q: reply exceeded %d bytes: %w", cmd, maxResponseLength, ErrNoResponse)
		}
		if err := b.t.WriteByte(Ack); err != nil {
			return string(resp), err
		}
		c, err = b.t.ReadByte()
		if errors.Is(err, transport.ErrReadTimeout) {
			return string(resp), fmt.Errorf("immediate %q: reply truncated after %d bytes: %w", cmd, len(resp), ErrTimeout)
		}
		if err != nil {
			return string(resp), err
		}
	}
	resp = append(resp, c&^highBit)
	return string(resp), nil
}

func (b *Bus) selectDevice(ctx context.Context, addr byte) error {
	for attempt := 1; ; attempt++ {
		ok, err := b.trySelect(addr)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		datadog.Incr("bus.select_retry", "port:"+b.t.Name())
		if attempt >= b.policy.MaxAttempts {
			return fmt.Errorf("address 0x%02X after %d attempts: %w: %w", addr, attempt, ErrDeviceUnreachable, ErrSelectionFailed)
		}

		log.Debug().
			Str("port", b.t.Name()).
			Hex("address", []byte{addr}).
			Int("attempt", attempt).
			Msg("Device selection failed, retrying")

		if err := Sleep(ctx, b.policy.Interval); err != nil {
			return fmt.Errorf("select 0x%02X: %w", addr, err)
		}
	}
}

func (b *Bus) trySelect(addr byte) (bool, error) {
	if err := b.t.WriteByte(addr); err != nil {
		return false, err
	}
	resp, err := b.t.ReadFrame(frameReadLength)
	if err != nil {
		return false, err
	}
	return MatchesSelection(resp, addr), nil
}

func (b *Bus) release() error {
	_, _, err := b.exchange(Release)
	return err
}

// exchange writes one byte and reads one reply byte. ok is false when the
// read timed out.
func (b *Bus) exchange(c byte) (echo byte, ok bool, err error) {
	if err := b.t.WriteByte(c); err != nil {
		return 0, false, err
	}
	echo, err = b.t.ReadByte()
	if errors.Is(err, transport.ErrReadTimeout) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return echo, true, nil
}
