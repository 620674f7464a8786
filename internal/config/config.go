package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	ConfigFile string
	DBPath     string
	LogLevel   zerolog.Level
	Rounds     int
	Protocol   string
	Experiment string

	// serial links
	ValvePort         string `json:"valve_port"`
	PumpPort          string `json:"pump_port"`
	ReadTimeoutMillis int    `json:"read_timeout_ms"`

	// valve chain
	MaxValves             int `json:"max_valves"`
	SelectAttempts        int `json:"select_attempts"`
	SelectIntervalMillis  int `json:"select_interval_ms"`
	MoveTimeoutSeconds    int `json:"move_timeout_seconds"`
	MovePollIntervalMilli int `json:"move_poll_interval_ms"`

	// pump
	PumpUnit   int  `json:"pump_unit"`
	InvertFlow bool `json:"invert_flow"`

	// imaging protocol runner
	ImagingHost string `json:"imaging_host"`
	ImagingPort int    `json:"imaging_port"`

	LayoutFile string `json:"layout_file"`
	LogFile    string `json:"log_file"`

	// read-only status API, 0 disables it
	StatusPort int `json:"status_port"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	NtfyTopic string `json:"ntfy_topic"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&cfg.DBPath, "db", "data/fluidics.db", "Path to sqlite inventory database")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.Rounds, "rounds", 1, "Number of sequencing rounds")
	flag.StringVar(&cfg.Protocol, "protocol", "", "Imaging protocol to run after each flow block")
	flag.StringVar(&cfg.Experiment, "experiment", "", "Experiment name used in logs and notifications")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	cfg.presetFileDefaults()
	if err := cfg.readFile(cfg.ConfigFile); err != nil {
		panic("Failed to load config: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func (cfg *Config) readFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// DefaultPumpUnit is the unit number pumps ship with.
const DefaultPumpUnit = 30

// presetFileDefaults fills fields before the file is read, so an explicit
// zero in the file is validated instead of replaced.
func (cfg *Config) presetFileDefaults() {
	cfg.PumpUnit = DefaultPumpUnit
}

func (cfg *Config) applyDefaults() {
	if cfg.ReadTimeoutMillis == 0 {
		cfg.ReadTimeoutMillis = 1000
	}
	if cfg.MaxValves == 0 {
		cfg.MaxValves = 2
	}
	if cfg.SelectAttempts == 0 {
		cfg.SelectAttempts = 10
	}
	if cfg.SelectIntervalMillis == 0 {
		cfg.SelectIntervalMillis = 1000
	}
	if cfg.MoveTimeoutSeconds == 0 {
		cfg.MoveTimeoutSeconds = 30
	}
	if cfg.MovePollIntervalMilli == 0 {
		cfg.MovePollIntervalMilli = 1000
	}
	if cfg.ImagingHost == "" {
		cfg.ImagingHost = "localhost"
	}
	if cfg.ImagingPort == 0 {
		cfg.ImagingPort = 15120
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "/var/log/fluidics-controller.log"
	}
	if cfg.Experiment == "" {
		cfg.Experiment = "experiment"
	}
}

func (cfg *Config) validate() {
	var problems []string

	if cfg.ValvePort == "" {
		problems = append(problems, "valve_port is required")
	}
	if cfg.PumpPort == "" {
		problems = append(problems, "pump_port is required")
	}
	if cfg.ValvePort != "" && cfg.ValvePort == cfg.PumpPort {
		problems = append(problems, fmt.Sprintf("valve_port and pump_port both use %s", cfg.ValvePort))
	}
	if cfg.LayoutFile == "" {
		problems = append(problems, "layout_file is required")
	}
	// addresses are single characters from 'a'
	if cfg.MaxValves < 1 || cfg.MaxValves > 26 {
		problems = append(problems, fmt.Sprintf("max_valves must be between 1 and 26, got %d", cfg.MaxValves))
	}
	if cfg.PumpUnit < 1 || cfg.PumpUnit > 63 {
		problems = append(problems, fmt.Sprintf("pump_unit must be between 1 and 63, got %d", cfg.PumpUnit))
	}
	if cfg.SelectAttempts < 1 {
		problems = append(problems, "select_attempts must be positive")
	}
	if cfg.Rounds < 0 {
		problems = append(problems, "rounds must not be negative")
	}
	if cfg.StatusPort < 0 || cfg.StatusPort > 65535 {
		problems = append(problems, fmt.Sprintf("status_port must be between 0 and 65535, got %d", cfg.StatusPort))
	}
	if cfg.EnableDatadog && cfg.DDAgentAddr == "" {
		problems = append(problems, "dd_agent_addr is required when datadog is enabled")
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, ", "))
	}
}

func (cfg *Config) ReadTimeout() time.Duration {
	return time.Duration(cfg.ReadTimeoutMillis) * time.Millisecond
}

func (cfg *Config) SelectInterval() time.Duration {
	return time.Duration(cfg.SelectIntervalMillis) * time.Millisecond
}

func (cfg *Config) MoveTimeout() time.Duration {
	return time.Duration(cfg.MoveTimeoutSeconds) * time.Second
}

func (cfg *Config) MovePollInterval() time.Duration {
	return time.Duration(cfg.MovePollIntervalMilli) * time.Millisecond
}

func (cfg *Config) ImagingURL() string {
	return fmt.Sprintf("http://%s:%d", cfg.ImagingHost, cfg.ImagingPort)
}
