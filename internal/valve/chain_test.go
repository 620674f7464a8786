package valve

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/fluidics-controller/internal/bus"
	"github.com/thatsimonsguy/fluidics-controller/internal/bus/bustest"
	"github.com/thatsimonsguy/fluidics-controller/internal/model"
)

// simValve answers like an MVP valve head: replies are an acknowledge, a
// body and a carriage return.
type simValve struct {
	configCode string
	port       int
	ports      int
	movePolls  int
	moving     int
	overloaded bool
	rejectInit bool
	// replaces the LQP answer when set
	positionReply string
}

func newSimValve(code string, ports int) *simValve {
	return &simValve{configCode: code, ports: ports, port: 1}
}

func (v *simValve) Buffered(cmd string) bool {
	var dir, port int
	if _, err := fmt.Sscanf(cmd, "LP%1d%dR", &dir, &port); err != nil {
		return false
	}
	if port < 1 || port > v.ports {
		return false
	}
	v.port = port
	v.moving = v.movePolls
	return true
}

func (v *simValve) Immediate(cmd string) (string, bool) {
	switch cmd {
	case "L", "LX", "LQ":
		return "", false
	case "LXR":
		if v.rejectInit {
			return "\x21\r", true
		}
		return "\x06\r", true
	case "LQT":
		return "\x06" + v.configCode + "\r", true
	case "LQP":
		if v.positionReply != "" {
			return v.positionReply, true
		}
		return fmt.Sprintf("\x06%d\r", v.port), true
	case "F":
		if v.moving > 0 {
			v.moving--
			return "\x06N\r", true
		}
		return "\x06Y\r", true
	case "G":
		if v.overloaded {
			return "\x06Y\r", true
		}
		return "\x06N\r", true
	}
	return "", true
}

func newLine(valves ...*simValve) *bustest.Line {
	var devices []*bustest.Device
	for i, v := range valves {
		devices = append(devices, &bustest.Device{Address: Address(i), Handler: v, NeedsAddressing: true})
	}
	return bustest.NewLine(devices...)
}

func testOptions(maxValves int) Options {
	return Options{MaxValves: maxValves, MoveTimeout: time.Minute}
}

func openChain(t *testing.T, line *bustest.Line, maxValves int) *Chain {
	t.Helper()
	b := bus.New(line.Transport, bus.RetryPolicy{MaxAttempts: 2})
	c, err := Open(context.Background(), b, testOptions(maxValves))
	require.NoError(t, err)
	return c
}

func TestDetect_ContiguousAddressesForEveryCount(t *testing.T) {
	const maxValves = 4
	for n := 1; n <= maxValves; n++ {
		t.Run(fmt.Sprintf("%d valves", n), func(t *testing.T) {
			var sims []*simValve
			for i := 0; i < n; i++ {
				sims = append(sims, newSimValve("2", 8))
			}
			c := openChain(t, newLine(sims...), maxValves)

			valves := c.Valves()
			require.Len(t, valves, n)
			for i, v := range valves {
				assert.Equal(t, i, v.Index)
				assert.Equal(t, string(rune('a'+i)), v.Address)
				assert.Equal(t, model.Config8Ports, v.Configuration)
				assert.Equal(t, 8, v.NumPorts)
			}
			assert.Equal(t, n, c.NumValves())
		})
	}
}

func TestDetect_StopsAtFirstFailedInitialization(t *testing.T) {
	bad := newSimValve("2", 8)
	bad.rejectInit = true
	c := openChain(t, newLine(newSimValve("3", 6), bad, newSimValve("2", 8)), 3)

	valves := c.Valves()
	require.Len(t, valves, 1)
	assert.Equal(t, model.Config6Ports, valves[0].Configuration)
}

func TestDetect_UnknownConfigurationIsKept(t *testing.T) {
	c := openChain(t, newLine(newSimValve("9", 8)), 1)

	cfg, err := c.Configuration(0)
	require.NoError(t, err)
	assert.Equal(t, model.ConfigUnknown, cfg)
	assert.False(t, c.IsValidPort(0, 1))
}

func TestDetect_NoDevices(t *testing.T) {
	line := newLine()
	b := bus.New(line.Transport, bus.RetryPolicy{MaxAttempts: 1})

	_, err := Open(context.Background(), b, testOptions(2))
	assert.ErrorIs(t, err, ErrNoDevicesDetected)
}

func TestDetect_RequiresAddressing(t *testing.T) {
	line := newLine(newSimValve("2", 8))
	c := New(bus.New(line.Transport, bus.RetryPolicy{MaxAttempts: 1}), testOptions(1))

	_, err := c.Detect(context.Background())
	assert.ErrorIs(t, err, ErrNotAddressed)
	assert.Empty(t, line.Transport.Written())
	assert.Equal(t, 0, c.NumValves())

	require.NoError(t, c.AutoAddress())
	valves, err := c.Detect(context.Background())
	require.NoError(t, err)
	assert.Len(t, valves, 1)
}

func TestAutoAddress_SentOnce(t *testing.T) {
	line := newLine(newSimValve("2", 8))
	c := openChain(t, line, 1)

	require.NoError(t, c.AutoAddress())
	assert.Equal(t, []string{"1a\r"}, line.Broadcasts())

	_, err := c.ResetChain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1a\r", "1a\r"}, line.Broadcasts())
	assert.Equal(t, 1, c.NumValves())
}

func TestChangePort_SendsMoveAndUpdatesMirror(t *testing.T) {
	sim := newSimValve("2", 8)
	sim.movePolls = 2
	line := newLine(sim)
	c := openChain(t, line, 1)

	require.NoError(t, c.ChangePort(context.Background(), 0, 7, model.CounterClockwise, true))

	assert.Equal(t, []string{"LP17R"}, line.BufferedCommands())
	assert.Equal(t, 7, c.Valves()[0].CurrentPort)
	assert.Equal(t, 7, sim.port)
	assert.Equal(t, 0, sim.moving)
}

func TestChangePort_LastPortIsValid(t *testing.T) {
	c := openChain(t, newLine(newSimValve("4", 3)), 1)

	assert.NoError(t, c.ChangePort(context.Background(), 0, 3, model.Clockwise, false))
}

func TestChangePort_RejectedLocally(t *testing.T) {
	line := newLine(newSimValve("2", 8), newSimValve("7", 4))
	c := openChain(t, line, 2)

	tests := []struct {
		name string
		idx  int
		port int
	}{
		{"port above range", 1, 5},
		{"port zero", 0, 0},
		{"negative valve", -1, 1},
		{"valve beyond detected", 2, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			line.Transport.ResetWritten()
			err := c.ChangePort(context.Background(), tc.idx, tc.port, model.Clockwise, false)
			assert.ErrorIs(t, err, ErrInvalidTarget)
			assert.Empty(t, line.Transport.Written())
		})
	}
}

func TestChangePort_NegativeAcknowledgeKeepsMirror(t *testing.T) {
	sim := newSimValve("2", 8)
	c := openChain(t, newLine(sim), 1)
	// valve head reports fewer ports than detected
	sim.ports = 4

	err := c.ChangePort(context.Background(), 0, 6, model.Clockwise, false)
	assert.ErrorIs(t, err, bus.ErrNegativeAcknowledge)
	assert.Equal(t, 0, c.Valves()[0].CurrentPort)
}

func TestStatus(t *testing.T) {
	sim := newSimValve("2", 8)
	sim.port = 5
	sim.overloaded = true
	c := openChain(t, newLine(sim), 1)

	status, err := c.Status(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, model.ValveStatus{Port: 5, DoneMoving: true, Overloaded: true}, status)
	assert.Equal(t, 5, c.Valves()[0].CurrentPort)
}

func TestPosition_UnrecognizedIsData(t *testing.T) {
	sim := newSimValve("2", 8)
	c := openChain(t, newLine(sim), 1)
	sim.port = 9

	res, err := c.Position(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, "9", res.Code)
	assert.Equal(t, 0, res.Value)
}

func TestPosition_UnrecognizedImplicitReplyKeepsMirror(t *testing.T) {
	sim := newSimValve("2", 8)
	c := openChain(t, newLine(sim), 1)
	ctx := context.Background()

	require.NoError(t, c.ChangePort(ctx, 0, 5, model.Clockwise, false))
	assert.Equal(t, 5, c.Valves()[0].CurrentPort)

	sim.positionReply = "?\r"
	res, err := c.Position(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, bus.KindImplicit, res.Kind)
	assert.False(t, res.Recognized)
	assert.Equal(t, 5, c.Valves()[0].CurrentPort)

	status, err := c.Status(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, status.Port)
}

func TestWaitUntilNotMoving_Timeout(t *testing.T) {
	sim := newSimValve("2", 8)
	c := openChain(t, newLine(sim), 1)
	sim.moving = 1000

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	now = func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * 10 * time.Second)
	}
	defer func() { now = time.Now }()

	err := c.WaitUntilNotMoving(context.Background(), 0)
	assert.ErrorIs(t, err, bus.ErrTimeout)
	assert.Greater(t, sim.moving, 990)
}

func TestWaitUntilNotMoving_Cancelled(t *testing.T) {
	sim := newSimValve("2", 8)
	line := newLine(sim)
	b := bus.New(line.Transport, bus.RetryPolicy{MaxAttempts: 1})
	c, err := Open(context.Background(), b, Options{MaxValves: 1, MoveTimeout: time.Hour, PollInterval: time.Hour})
	require.NoError(t, err)
	sim.moving = 5

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.WaitUntilNotMoving(ctx, 0), context.Canceled)
}

func TestPortNamesAndDirections(t *testing.T) {
	c := openChain(t, newLine(newSimValve("3", 6)), 1)

	names, err := c.DefaultPortNames(0)
	require.NoError(t, err)
	assert.Equal(t, "Port 1,Port 2,Port 3,Port 4,Port 5,Port 6", strings.Join(names, ","))

	dirs, err := c.RotationDirections(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Clockwise", "Counter Clockwise"}, dirs)

	_, err = c.DefaultPortNames(3)
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestClose(t *testing.T) {
	line := newLine(newSimValve("2", 8))
	c := openChain(t, line, 1)

	require.NoError(t, c.Close())
	assert.True(t, line.Transport.Closed())
}
