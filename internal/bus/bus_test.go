package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/fluidics-controller/internal/bus"
	"github.com/thatsimonsguy/fluidics-controller/internal/bus/bustest"
	"github.com/thatsimonsguy/fluidics-controller/internal/transport"
)

var fastRetry = bus.RetryPolicy{MaxAttempts: 3}

func TestMatchesSelection(t *testing.T) {
	tests := []struct {
		name     string
		resp     []byte
		expected bool
	}{
		{"exact echo", []byte{'a'}, true},
		{"wrong byte", []byte{'b'}, false},
		{"empty", nil, false},
		{"noise then address", []byte{0x00, 'x', 'a'}, true},
		{"address not trailing", []byte{'a', 'x'}, false},
		{"longer without address", []byte{'x', 'y'}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, bus.MatchesSelection(tc.resp, 'a'))
		})
	}
}

func TestSelect_ExactEcho(t *testing.T) {
	line := bustest.NewLine(&bustest.Device{Address: 'a', Handler: &bustest.Commands{}})
	b := bus.New(line.Transport, fastRetry)

	require.NoError(t, b.Select(context.Background(), 'a'))
	assert.Equal(t, []byte{'a'}, line.Transport.Written())
}

func TestSelect_WrongEchoExhaustsRetries(t *testing.T) {
	line := bustest.NewLine(&bustest.Device{Address: 'a', SelectEcho: []byte{'b'}, Handler: &bustest.Commands{}})
	b := bus.New(line.Transport, fastRetry)

	err := b.Select(context.Background(), 'a')
	assert.ErrorIs(t, err, bus.ErrDeviceUnreachable)
	assert.ErrorIs(t, err, bus.ErrSelectionFailed)
	assert.Equal(t, []byte{'a', 'a', 'a'}, line.Transport.Written())
}

func TestSelect_NonTrailingAddressFails(t *testing.T) {
	line := bustest.NewLine(&bustest.Device{Address: 'a', SelectEcho: []byte{'a', 'z'}, Handler: &bustest.Commands{}})
	b := bus.New(line.Transport, bus.RetryPolicy{MaxAttempts: 1})

	assert.ErrorIs(t, b.Select(context.Background(), 'a'), bus.ErrDeviceUnreachable)
}

func TestSelect_WaitsBetweenAttempts(t *testing.T) {
	var waits []time.Duration
	orig := bus.Sleep
	bus.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	defer func() { bus.Sleep = orig }()

	f := transport.NewFake(nil)
	b := bus.New(f, bus.RetryPolicy{MaxAttempts: 4, Interval: time.Second})

	assert.ErrorIs(t, b.Select(context.Background(), 'a'), bus.ErrDeviceUnreachable)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, waits)
}

func TestSelect_CancelledContext(t *testing.T) {
	f := transport.NewFake(nil)
	b := bus.New(f, bus.RetryPolicy{MaxAttempts: 100, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Select(ctx, 'a')
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []byte{'a'}, f.Written())
}

func TestBuffered_FramesAndReleases(t *testing.T) {
	line := bustest.NewLine(&bustest.Device{Address: 'a', Handler: &bustest.Commands{}})
	b := bus.New(line.Transport, fastRetry)

	require.NoError(t, b.Buffered(context.Background(), 'a', "R0500"))

	expected := append([]byte{'a', bus.FrameStart}, "R0500"...)
	expected = append(expected, bus.FrameEnd, bus.Release)
	assert.Equal(t, expected, line.Transport.Written())
	assert.Equal(t, []string{"R0500"}, line.BufferedCommands())
}

func TestBuffered_NegativeAcknowledge(t *testing.T) {
	line := bustest.NewLine(&bustest.Device{Address: 'a', Handler: &bustest.Commands{Reject: map[string]bool{"KX": true}}})
	b := bus.New(line.Transport, fastRetry)

	err := b.Buffered(context.Background(), 'a', "KX")
	assert.ErrorIs(t, err, bus.ErrNegativeAcknowledge)
	// still released
	written := line.Transport.Written()
	assert.Equal(t, bus.Release, written[len(written)-1])
}

func TestBuffered_NoResponse(t *testing.T) {
	f := transport.NewFake(func(c byte) []byte {
		if c == 'a' {
			return []byte{'a'}
		}
		return nil
	})
	b := bus.New(f, fastRetry)

	assert.ErrorIs(t, b.Buffered(context.Background(), 'a', "KH"), bus.ErrNoResponse)
}

func TestImmediate_HighBitTerminates(t *testing.T) {
	line := bustest.NewLine(&bustest.Device{Address: 'a', Handler: &bustest.Commands{
		Replies: map[string]string{"R": "+12.00 R"},
	}})
	b := bus.New(line.Transport, fastRetry)

	resp, err := b.Immediate(context.Background(), 'a', "R")
	require.NoError(t, err)
	assert.Equal(t, "+12.00 R", resp)

	// select, command, one ack per non-final reply byte, release
	written := line.Transport.Written()
	assert.Equal(t, byte('a'), written[0])
	assert.Equal(t, byte('R'), written[1])
	for _, c := range written[2 : len(written)-1] {
		assert.Equal(t, bus.Ack, c)
	}
	assert.Len(t, written, 2+len("+12.00 R")-1+1)
	assert.Equal(t, bus.Release, written[len(written)-1])
}

func TestImmediate_MultiCharacterCommand(t *testing.T) {
	line := bustest.NewLine(&bustest.Device{Address: 'a', Handler: &bustest.Commands{
		Replies: map[string]string{"LQP": "\x063\r"},
	}})
	b := bus.New(line.Transport, fastRetry)

	resp, err := b.Immediate(context.Background(), 'a', "LQP")
	require.NoError(t, err)
	assert.Equal(t, "\x063\r", resp)
	assert.Equal(t, []string{"LQP"}, line.ImmediateCommands())
}

func TestImmediate_SilentDeviceIsEmpty(t *testing.T) {
	line := bustest.NewLine(&bustest.Device{Address: 'a', Handler: &bustest.Commands{}})
	b := bus.New(line.Transport, fastRetry)

	resp, err := b.Immediate(context.Background(), 'a', "%")
	require.NoError(t, err)
	assert.Equal(t, "", resp)
}

func TestImmediate_TruncatedReply(t *testing.T) {
	f := transport.NewFake(func(c byte) []byte {
		switch c {
		case 'a':
			return []byte{'a'}
		case 'R':
			return []byte{'+'} // high bit never arrives
		}
		return nil
	})
	b := bus.New(f, fastRetry)

	resp, err := b.Immediate(context.Background(), 'a', "R")
	assert.ErrorIs(t, err, bus.ErrTimeout)
	assert.Equal(t, "+", resp)
}

func TestImmediate_Unreachable(t *testing.T) {
	b := bus.New(transport.NewFake(nil), fastRetry)

	_, err := b.Immediate(context.Background(), 'a', "R")
	assert.True(t, errors.Is(err, bus.ErrDeviceUnreachable))
}

func TestBroadcast_DiscardsReply(t *testing.T) {
	line := bustest.NewLine(&bustest.Device{Address: 'a', NeedsAddressing: true, Handler: &bustest.Commands{}})
	b := bus.New(line.Transport, bus.RetryPolicy{MaxAttempts: 1})

	require.ErrorIs(t, b.Select(context.Background(), 'a'), bus.ErrDeviceUnreachable)

	_, err := b.Broadcast([]byte("1a\r"))
	require.NoError(t, err)
	assert.Equal(t, []string{"1a\r"}, line.Broadcasts())

	assert.NoError(t, b.Select(context.Background(), 'a'))
}

func TestDisconnect(t *testing.T) {
	f := transport.NewFake(func(c byte) []byte { return []byte{c} })
	b := bus.New(f, fastRetry)

	require.NoError(t, b.Disconnect())
	assert.Equal(t, []byte{bus.Release}, f.Written())
}

func TestSendAndAcknowledge(t *testing.T) {
	f := transport.NewFake(func(c byte) []byte {
		if c == 'x' {
			return nil
		}
		return []byte{c}
	})
	b := bus.New(f, fastRetry)

	echoes, err := b.SendAndAcknowledge([]byte("axb"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), echoes)
}
