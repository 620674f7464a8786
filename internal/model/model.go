package model

import "time"

// PortConfig is the valve head configuration reported by the LQT query.
type PortConfig string

const (
	Config8Ports    PortConfig = "8 ports"
	Config6Ports    PortConfig = "6 ports"
	Config4Ports    PortConfig = "4 ports"
	Config3Ports    PortConfig = "3 ports"
	Config2Ports180 PortConfig = "2 ports @180"
	Config2Ports90  PortConfig = "2 ports @90"
	ConfigUnknown   PortConfig = "Unknown response"
)

// NumPorts returns the number of addressable ports for the configuration,
// or 0 for an unknown configuration.
func (c PortConfig) NumPorts() int {
	switch c {
	case Config8Ports:
		return 8
	case Config6Ports:
		return 6
	case Config4Ports:
		return 4
	case Config3Ports:
		return 3
	case Config2Ports180, Config2Ports90:
		return 2
	default:
		return 0
	}
}

type Rotation int

const (
	Clockwise        Rotation = 0
	CounterClockwise Rotation = 1
)

func (r Rotation) String() string {
	if r == CounterClockwise {
		return "Counter Clockwise"
	}
	return "Clockwise"
}

// Valve is one detected device on the valve chain. CurrentPort is the
// locally mirrored port (1-based, 0 when unknown) and can drift from the
// device if an acknowledgement is lost.
type Valve struct {
	Index         int        `json:"index"`
	Address       string     `json:"address"`
	Configuration PortConfig `json:"configuration"`
	NumPorts      int        `json:"num_ports"`
	CurrentPort   int        `json:"current_port"`
	DetectedAt    time.Time  `json:"detected_at"`
}

type ValveStatus struct {
	Port       int  `json:"port"`
	DoneMoving bool `json:"done_moving"`
	Overloaded bool `json:"overloaded"`
}

type FlowStatus string

const (
	FlowStopped FlowStatus = "Stopped"
	FlowFlowing FlowStatus = "Flowing"
)

type Direction string

const (
	DirectionForward    Direction = "Forward"
	DirectionReverse    Direction = "Reverse"
	DirectionNotRunning Direction = "Not Running"
	DirectionUnknown    Direction = "Unknown"
)

type ControlMode string

const (
	ControlRemote  ControlMode = "Remote"
	ControlKeypad  ControlMode = "Keypad"
	ControlUnknown ControlMode = "Unknown"
)

// PumpStatus is the decoded display of the pump.
type PumpStatus struct {
	Flow      FlowStatus  `json:"flow"`
	Speed     float64     `json:"speed"`
	Direction Direction   `json:"direction"`
	Control   ControlMode `json:"control"`
	AutoStart string      `json:"auto_start"`
	Error     string      `json:"error"`
}

// PumpState is the locally tracked mirror of the last commanded pump state.
type PumpState struct {
	Flow      FlowStatus `json:"flow"`
	Speed     float64    `json:"speed"`
	Direction Direction  `json:"direction"`
	UpdatedAt time.Time  `json:"updated_at"`
}
