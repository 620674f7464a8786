package sequencer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fluidics-controller/db"
	"github.com/thatsimonsguy/fluidics-controller/internal/bus"
	"github.com/thatsimonsguy/fluidics-controller/internal/datadog"
	"github.com/thatsimonsguy/fluidics-controller/internal/model"
	"github.com/thatsimonsguy/fluidics-controller/internal/notifications"
)

var ErrUnknownReagent = errors.New("unknown reagent")

// bounds the abort alert once the run itself has been cancelled
const alertTimeout = 5 * time.Second

// package-level seams for tests
var (
	sleep  = bus.Sleep
	notify = notifications.Send
)

type ValveChain interface {
	NumValves() int
	Valves() []model.Valve
	ChangePort(ctx context.Context, idx, port int, dir model.Rotation, wait bool) error
}

type Pump interface {
	StartFlow(ctx context.Context, speed float64, dir model.Direction) error
	StopFlow(ctx context.Context) error
	State() model.PumpState
}

type Imager interface {
	RunProtocolCompletely(ctx context.Context, name string) error
}

// FlowParams describes one reagent delivery: pump for Pumping, then let it
// react for Reaction, Repeats times.
type FlowParams struct {
	Pumping  time.Duration
	Reaction time.Duration
	Repeats  int
}

// Sequencer runs reagent deliveries and imaging rounds against the rig.
type Sequencer struct {
	valves ValveChain
	pump   Pump
	imager Imager
	layout *Layout
	db     *sql.DB

	experiment string
	runID      string
	log        zerolog.Logger
}

// New builds a sequencer. conn may be nil, in which case the inventory is not
// mirrored to the database.
func New(valves ValveChain, pump Pump, imager Imager, layout *Layout, conn *sql.DB, experiment string) *Sequencer {
	runID := uuid.NewString()
	s := &Sequencer{
		valves:     valves,
		pump:       pump,
		imager:     imager,
		layout:     layout,
		db:         conn,
		experiment: experiment,
		runID:      runID,
		log:        log.With().Str("run_id", runID).Str("experiment", experiment).Logger(),
	}
	s.recordInventory()
	return s
}

func (s *Sequencer) RunID() string {
	return s.runID
}

// Flow turns every valve to the reagent's port and then pumps and incubates
// it. The pump is stopped on the way out even if ctx is cancelled mid-pump.
func (s *Sequencer) Flow(ctx context.Context, reagent string, p FlowParams) error {
	ports, ok := s.layout.Reagents[reagent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReagent, reagent)
	}

	n := s.valves.NumValves()
	if len(ports) < n {
		return fmt.Errorf("reagent %s is plumbed to %d valves, chain has %d", reagent, len(ports), n)
	}
	for idx := 0; idx < n; idx++ {
		if err := s.valves.ChangePort(ctx, idx, ports[idx], model.Clockwise, true); err != nil {
			return fmt.Errorf("select %s: %w", reagent, err)
		}
		s.recordValvePort(idx, ports[idx])
	}

	repeats := p.Repeats
	if repeats < 1 {
		repeats = 1
	}
	datadog.Incr("sequencer.flow", "reagent:"+reagent)

	for r := 1; r <= repeats; r++ {
		s.log.Info().
			Str("reagent", reagent).
			Int("repeat", r).
			Int("repeats", repeats).
			Dur("pumping", p.Pumping).
			Dur("reaction", p.Reaction).
			Msg("Reaction started")

		if err := s.pumpFor(ctx, p.Pumping); err != nil {
			return fmt.Errorf("flow %s: %w", reagent, err)
		}
		if err := sleep(ctx, p.Reaction); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) pumpFor(ctx context.Context, d time.Duration) (err error) {
	if err := s.pump.StartFlow(ctx, s.layout.Speed, model.DirectionForward); err != nil {
		return err
	}
	s.recordPump()

	defer func() {
		stopErr := s.pump.StopFlow(context.WithoutCancel(ctx))
		s.recordPump()
		if err == nil {
			err = stopErr
		}
	}()

	return sleep(ctx, d)
}

// Image washes with SSC, runs the imaging protocol and flushes. A failed
// protocol run is logged and reported but does not stop the sequence.
func (s *Sequencer) Image(ctx context.Context, round int, protocol string) error {
	pumping := s.layout.Pumping.Reagent
	if err := s.Flow(ctx, "ssc", FlowParams{Pumping: pumping * 2}); err != nil {
		return err
	}
	if err := sleep(ctx, 2*time.Second); err != nil {
		return err
	}

	s.log.Info().Int("round", round+1).Str("protocol", protocol).Msg("Imaging started")
	datadog.Gauge("sequencer.round", float64(round+1))

	if err := s.imager.RunProtocolCompletely(ctx, protocol); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error().Err(err).Int("round", round+1).Str("protocol", protocol).Msg("Error running imaging protocol")
		datadog.Incr("sequencer.imaging_failed")
		s.alert(ctx, "Imaging failed", fmt.Sprintf("%s round %d: %v", s.experiment, round+1, err), notifications.PriorityHigh)
	} else {
		s.log.Info().Int("round", round+1).Msg("Imaging finished")
	}

	if err := sleep(ctx, 3*time.Second); err != nil {
		return err
	}
	return s.Flow(ctx, "flush", FlowParams{Pumping: pumping - 5*time.Second})
}

// RunSequencing executes the full multi-round schedule.
func (s *Sequencer) RunSequencing(ctx context.Context, rounds int, protocol string) error {
	steps := Schedule(rounds, s.layout.Pumping)

	if missing := s.layout.Missing(Reagents(steps)); len(missing) > 0 {
		return fmt.Errorf("%w: layout lacks %s", ErrUnknownReagent, strings.Join(missing, ", "))
	}

	s.log.Info().Int("rounds", rounds).Str("protocol", protocol).Int("steps", len(steps)).Msg("Sequencing started")

	for i, step := range steps {
		var err error
		if step.Image {
			err = s.Image(ctx, step.Round, protocol)
		} else {
			err = s.Flow(ctx, step.Reagent, step.FlowParams)
		}
		if err != nil {
			s.log.Error().Err(err).Int("step", i+1).Str("step_name", step.String()).Msg("Sequencing aborted")
			// the run's ctx may already be cancelled
			alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
			s.alert(alertCtx, "Sequencing aborted", fmt.Sprintf("%s at step %d (%s): %v", s.experiment, i+1, step, err), notifications.PriorityUrgent)
			cancel()
			return err
		}
	}

	s.log.Info().Msg("Sequencing complete")
	s.alert(ctx, "Sequencing complete", fmt.Sprintf("%s finished %d rounds", s.experiment, rounds), notifications.PriorityDefault)
	return nil
}

func (s *Sequencer) alert(ctx context.Context, title, message string, priority notifications.Priority) {
	err := notify(ctx, notifications.Alert{
		Title:    title,
		Message:  message,
		Priority: priority,
		RunID:    s.runID,
		Tags:     []string{s.experiment},
	})
	if err != nil {
		s.log.Debug().Err(err).Str("title", title).Msg("Notification not sent")
	}
}

func (s *Sequencer) recordInventory() {
	if s.db == nil {
		return
	}
	if err := db.ReplaceValveInventory(s.db, s.valves.Valves()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record valve inventory")
	}
}

func (s *Sequencer) recordValvePort(idx, port int) {
	if s.db == nil {
		return
	}
	if err := db.UpdateValvePort(s.db, idx, port); err != nil {
		s.log.Warn().Err(err).Int("valve", idx).Msg("Failed to record valve port")
	}
}

func (s *Sequencer) recordPump() {
	if s.db == nil {
		return
	}
	if err := db.SavePumpState(s.db, s.pump.State()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record pump state")
	}
}
