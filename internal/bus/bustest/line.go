// Package bustest simulates addressed devices sharing one serial line.
package bustest

import (
	"github.com/thatsimonsguy/fluidics-controller/internal/bus"
	"github.com/thatsimonsguy/fluidics-controller/internal/transport"
)

// Handler is the command set of a simulated device.
type Handler interface {
	// Buffered runs a framed command. Returning false rejects it.
	Buffered(cmd string) bool
	// Immediate returns the reply to cmd. complete is false while cmd is only
	// a prefix of a longer command.
	Immediate(cmd string) (reply string, complete bool)
}

type Device struct {
	Address byte
	Handler Handler
	// NeedsAddressing keeps the device silent until a broadcast has been seen.
	NeedsAddressing bool
	// SelectEcho replaces the plain address echo when set.
	SelectEcho []byte
	// Silent devices never answer selection.
	Silent bool

	addressed bool
}

func (d *Device) answers() bool {
	if d.Silent {
		return false
	}
	return !d.NeedsAddressing || d.addressed
}

type mode int

const (
	modeIdle mode = iota
	modeBroadcast
	modeSelected
	modeFrame
	modeReply
)

// Line routes host bytes to the simulated devices. Use Transport as the
// host side.
type Line struct {
	Transport *transport.Fake

	devices    map[byte]*Device
	selected   *Device
	mode       mode
	buf        []byte
	reply      []byte
	broadcasts []string
	buffered   []string
	immediates []string
}

func NewLine(devices ...*Device) *Line {
	l := &Line{devices: map[byte]*Device{}}
	for _, d := range devices {
		l.devices[d.Address] = d
	}
	l.Transport = transport.NewFake(l.respond)
	return l
}

// Broadcasts, BufferedCommands and ImmediateCommands are what the devices
// received, in order.
func (l *Line) Broadcasts() []string        { return l.broadcasts }
func (l *Line) BufferedCommands() []string  { return l.buffered }
func (l *Line) ImmediateCommands() []string { return l.immediates }

func (l *Line) respond(b byte) []byte {
	switch {
	case b == bus.Release:
		l.selected = nil
		l.mode = modeIdle
		l.buf = nil
		l.reply = nil
		return []byte{bus.Release}

	case l.mode == modeBroadcast:
		l.buf = append(l.buf, b)
		if b == '\r' {
			l.broadcasts = append(l.broadcasts, string(l.buf))
			for _, d := range l.devices {
				d.addressed = true
			}
			l.mode = modeIdle
			l.buf = nil
		}
		return nil

	case l.mode == modeIdle:
		if b == '1' {
			l.mode = modeBroadcast
			l.buf = []byte{b}
			return nil
		}
		d, ok := l.devices[b]
		if !ok || !d.answers() {
			return nil
		}
		l.selected = d
		l.mode = modeSelected
		if d.SelectEcho != nil {
			return append([]byte(nil), d.SelectEcho...)
		}
		return []byte{b}

	case l.mode == modeFrame:
		if b == bus.FrameEnd {
			l.mode = modeSelected
			cmd := string(l.buf)
			l.buf = nil
			l.buffered = append(l.buffered, cmd)
			if l.selected.Handler.Buffered(cmd) {
				return []byte{bus.FrameEnd}
			}
			return []byte{bus.Nak}
		}
		l.buf = append(l.buf, b)
		return []byte{b}

	case l.mode == modeReply && b == bus.Ack:
		return l.nextReplyByte()

	case b == bus.FrameStart:
		l.mode = modeFrame
		l.buf = nil
		return []byte{b}

	default:
		l.buf = append(l.buf, b)
		reply, complete := l.selected.Handler.Immediate(string(l.buf))
		if !complete {
			return []byte{b}
		}
		l.immediates = append(l.immediates, string(l.buf))
		l.buf = nil
		l.reply = []byte(reply)
		l.mode = modeReply
		return l.nextReplyByte()
	}
}

// nextReplyByte sends the reply one byte at a time; the last byte carries the
// high bit.
func (l *Line) nextReplyByte() []byte {
	if len(l.reply) == 0 {
		l.mode = modeSelected
		return nil
	}
	c := l.reply[0]
	l.reply = l.reply[1:]
	if len(l.reply) == 0 {
		c |= 0x80
		l.mode = modeSelected
	}
	return []byte{c}
}

// Commands is a Handler backed by maps, for tests that only need canned
// replies.
type Commands struct {
	Replies map[string]string
	Reject  map[string]bool
}

func (c *Commands) Buffered(cmd string) bool {
	return !c.Reject[cmd]
}

func (c *Commands) Immediate(cmd string) (string, bool) {
	if r, ok := c.Replies[cmd]; ok {
		return r, true
	}
	for k := range c.Replies {
		if len(k) > len(cmd) && k[:len(cmd)] == cmd {
			return "", false
		}
	}
	return "", true
}
