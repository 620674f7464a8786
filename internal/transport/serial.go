package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"
)

// PortConfig describes how a serial device is opened.
type PortConfig struct {
	Device      string        `json:"device"`
	Baud        int           `json:"baud"`
	DataBits    byte          `json:"data_bits"`
	Parity      string        `json:"parity"`
	StopBits    byte          `json:"stop_bits"`
	ReadTimeout time.Duration `json:"-"`
}

// ValveChainPort is the 9600 7O1 line used by the valve daisy chain.
func ValveChainPort(device string, readTimeout time.Duration) PortConfig {
	return PortConfig{Device: device, Baud: 9600, DataBits: 7, Parity: "odd", StopBits: 1, ReadTimeout: readTimeout}
}

// PumpPort is the 19200 8E2 line used by the peristaltic pump.
func PumpPort(device string, readTimeout time.Duration) PortConfig {
	return PortConfig{Device: device, Baud: 19200, DataBits: 8, Parity: "even", StopBits: 2, ReadTimeout: readTimeout}
}

// SerialPort is a Transport backed by an OS serial device.
type SerialPort struct {
	cfg  PortConfig
	port *serial.Port
	buf  [1]byte
}

// Open opens the device described by cfg.
func Open(cfg PortConfig) (*SerialPort, error) {
	sc := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		Size:        cfg.DataBits,
		Parity:      parseParity(cfg.Parity),
		StopBits:    parseStopBits(cfg.StopBits),
		ReadTimeout: cfg.ReadTimeout,
	}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Device, err)
	}

	log.Info().
		Str("device", cfg.Device).
		Int("baud", cfg.Baud).
		Uint8("data_bits", cfg.DataBits).
		Str("parity", cfg.Parity).
		Uint8("stop_bits", cfg.StopBits).
		Msg("Opened serial port")

	return &SerialPort{cfg: cfg, port: p}, nil
}

func parseParity(p string) serial.Parity {
	switch p {
	case "O", "odd":
		return serial.ParityOdd
	case "E", "even":
		return serial.ParityEven
	default:
		return serial.ParityNone
	}
}

func parseStopBits(s byte) serial.StopBits {
	if s == 2 {
		return serial.Stop2
	}
	return serial.Stop1
}

func (s *SerialPort) Name() string {
	return s.cfg.Device
}

func (s *SerialPort) WriteByte(b byte) error {
	s.buf[0] = b
	if _, err := s.port.Write(s.buf[:]); err != nil {
		return fmt.Errorf("write to %s: %w", s.cfg.Device, err)
	}
	return nil
}

func (s *SerialPort) ReadByte() (byte, error) {
	var b [1]byte
	n, err := s.port.Read(b[:])
	if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
		return 0, ErrReadTimeout
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read from %s: %w", s.cfg.Device, err)
	}
	return b[0], nil
}

func (s *SerialPort) ReadFrame(max int) ([]byte, error) {
	out := make([]byte, 0, max)
	chunk := make([]byte, max)
	for len(out) < max {
		n, err := s.port.Read(chunk[:max-len(out)])
		out = append(out, chunk[:n]...)
		if err != nil && !errors.Is(err, io.EOF) {
			return out, fmt.Errorf("read from %s: %w", s.cfg.Device, err)
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

func (s *SerialPort) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	log.Info().Str("device", s.cfg.Device).Msg("Closed serial port")
	return err
}
