package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fluidics-controller/db"
	"github.com/thatsimonsguy/fluidics-controller/internal/api"
	"github.com/thatsimonsguy/fluidics-controller/internal/bus"
	"github.com/thatsimonsguy/fluidics-controller/internal/config"
	"github.com/thatsimonsguy/fluidics-controller/internal/datadog"
	"github.com/thatsimonsguy/fluidics-controller/internal/env"
	"github.com/thatsimonsguy/fluidics-controller/internal/imaging"
	"github.com/thatsimonsguy/fluidics-controller/internal/logging"
	"github.com/thatsimonsguy/fluidics-controller/internal/notifications"
	"github.com/thatsimonsguy/fluidics-controller/internal/pump"
	"github.com/thatsimonsguy/fluidics-controller/internal/sequencer"
	"github.com/thatsimonsguy/fluidics-controller/internal/transport"
	"github.com/thatsimonsguy/fluidics-controller/internal/valve"
	"github.com/thatsimonsguy/fluidics-controller/system/shutdown"
)

func main() {
	cfg := config.Load()
	env.Cfg = &cfg
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("experiment", cfg.Experiment).
		Int("rounds", cfg.Rounds).
		Str("protocol", cfg.Protocol).
		Msg("Starting fluidics controller")

	datadog.InitMetrics()
	notifications.Init()

	layout, err := sequencer.LoadLayout(cfg.LayoutFile)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to load reagent layout")
		return
	}

	dbConn, err := db.Open(cfg.DBPath)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open inventory database")
		return
	}
	shutdown.Register("database", func(ctx context.Context) error { return dbConn.Close() })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retry := bus.RetryPolicy{MaxAttempts: cfg.SelectAttempts, Interval: cfg.SelectInterval()}

	valvePort, err := transport.Open(transport.ValveChainPort(cfg.ValvePort, cfg.ReadTimeout()))
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open valve chain port")
		return
	}
	chain, err := valve.Open(ctx, bus.New(valvePort, retry), valve.Options{
		MaxValves:    cfg.MaxValves,
		MoveTimeout:  cfg.MoveTimeout(),
		PollInterval: cfg.MovePollInterval(),
	})
	if err != nil {
		valvePort.Close()
		shutdown.ShutdownWithError(err, "Failed to detect valves")
		return
	}
	shutdown.Register("valve chain", func(ctx context.Context) error { return chain.Close() })

	pumpPort, err := transport.Open(transport.PumpPort(cfg.PumpPort, cfg.ReadTimeout()))
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open pump port")
		return
	}
	p, err := pump.Connect(ctx, bus.New(pumpPort, retry), pump.Options{Unit: cfg.PumpUnit, Invert: cfg.InvertFlow})
	if err != nil {
		pumpPort.Close()
		shutdown.ShutdownWithError(err, "Failed to connect to pump")
		return
	}
	shutdown.Register("pump", func(ctx context.Context) error {
		return safeStopPump(ctx, p)
	})

	imager := imaging.NewClient(cfg.ImagingURL())
	seq := sequencer.New(chain, p, imager, layout, dbConn, cfg.Experiment)

	if cfg.StatusPort != 0 {
		go func() {
			if err := api.NewServer(dbConn, seq.RunID(), cfg.Experiment).Start(cfg.StatusPort); err != nil {
				log.Error().Err(err).Msg("Status API server stopped")
			}
		}()
	}

	log.Info().
		Str("run_id", seq.RunID()).
		Int("valves", chain.NumValves()).
		Msg("Rig ready")

	if err := seq.RunSequencing(ctx, cfg.Rounds, cfg.Protocol); err != nil {
		shutdown.ShutdownWithError(err, "Sequencing stopped")
		return
	}
	shutdown.Shutdown()
}

type stoppablePump interface {
	StopFlow(ctx context.Context) error
	CloseRemote(ctx context.Context) error
	Close() error
}

// safeStopPump stops the rotor, hands the pump back to its keypad and
// always releases the serial port.
func safeStopPump(ctx context.Context, p stoppablePump) error {
	var errs []error
	if err := p.StopFlow(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.CloseRemote(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
