package sequencer

import (
	"fmt"
	"time"
)

// Step is either a reagent delivery or an imaging round.
type Step struct {
	Reagent string
	FlowParams

	Image bool
	Round int
}

func (s Step) String() string {
	if s.Image {
		return fmt.Sprintf("image round %d", s.Round+1)
	}
	return fmt.Sprintf("%s x%d", s.Reagent, s.Repeats)
}

func flow(reagent string, pumping, reaction time.Duration, repeats int) Step {
	return Step{Reagent: reagent, FlowParams: FlowParams{Pumping: pumping, Reaction: reaction, Repeats: repeats}}
}

func image(round int) Step {
	return Step{Image: true, Round: round}
}

// Schedule lays out the sequencing run: a wash, then per round a reader
// hybridisation, amplification, nuclear stain and imaging, followed by
// displacement, stripping and a second image. A final round stains with dT
// and DAPI.
func Schedule(rounds int, p Pumping) []Step {
	const minute = time.Minute
	wash := 2 * p.Reagent

	steps := []Step{flow("ssc", p.Reagent, minute, 1)}

	for r := 0; r < rounds; r++ {
		steps = append(steps,
			flow(fmt.Sprintf("reader%d", r%8+1), p.Reader, 0, 1),
			flow("flush", p.Flush, 30*minute, 1),
			flow("ssc", wash, 5*minute, 3),
			flow("flush", p.Flush, 0, 1),

			flow("hcr", p.Reagent, 0, 1),
			flow("flush", p.Flush, 60*minute, 1),
			flow("ssc", wash, 5*minute, 3),
			flow("flush", p.Flush, 0, 1),

			flow("dapi", p.Reagent, 0, 1),
			flow("flush", p.Flush, 10*minute, 1),
			flow("ssc", wash, 5*minute, 3),
			image(r),

			flow("displacement", p.Reagent, 0, 1),
			flow("flush", p.Flush, 60*minute, 1),
			flow("ssc", wash, 5*minute, 3),
			flow("flush", p.Flush, 0, 1),

			flow("stripping", p.Reagent, 0, 1),
			flow("flush", p.Flush, 60*minute, 1),
			flow("ssc", wash, 5*minute, 5),
			image(r),
		)
	}

	steps = append(steps,
		image(rounds),
		flow("dt", p.Reagent, 0, 1),
		flow("flush", p.Flush, 60*minute, 1),
		flow("ssc", wash, minute, 2),
		flow("flush", p.Flush, 0, 1),
		flow("dapi", p.Reagent, 0, 1),
		flow("flush", p.Flush, 10*minute, 1),
		image(rounds+1),
	)
	return steps
}

// Reagents lists every reagent a schedule draws on, imaging washes included.
func Reagents(steps []Step) []string {
	var names []string
	for _, s := range steps {
		if s.Image {
			names = append(names, "ssc", "flush")
			continue
		}
		names = append(names, s.Reagent)
	}
	return names
}
