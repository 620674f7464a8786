package sequencer

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v2"
)

// Layout is the static plumbing of the rig: which port on each valve feeds
// each reagent, plus the pump speed and pumping times.
type Layout struct {
	Speed    float64          `yaml:"speed"`
	Reagents map[string][]int `yaml:"reagents"`
	Pumping  Pumping          `yaml:"pumping"`
}

// Pumping times are sized to move one reagent volume through the tubing.
type Pumping struct {
	Reagent time.Duration `yaml:"reagent"`
	Reader  time.Duration `yaml:"reader"`
	Flush   time.Duration `yaml:"flush"`
}

func DefaultLayout() *Layout {
	return &Layout{
		Speed: 20,
		Reagents: map[string][]int{
			"ssc":          {7, 1},
			"hcr":          {3, 1},
			"dapi":         {2, 1},
			"displacement": {4, 1},
			"stripping":    {5, 1},
			"dt":           {6, 1},
			"reader1":      {1, 1},
			"reader2":      {1, 2},
			"reader3":      {1, 3},
			"reader4":      {1, 4},
			"reader5":      {1, 5},
			"reader6":      {1, 6},
			"reader7":      {1, 7},
			"reader8":      {1, 8},
			"flush":        {8, 1},
		},
		Pumping: Pumping{
			Reagent: 38 * time.Second,
			Reader:  48 * time.Second,
			Flush:   18 * time.Second,
		},
	}
}

func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	return ParseLayout(data)
}

// ParseLayout decodes YAML over the defaults, so a file only needs the
// entries it changes.
func ParseLayout(data []byte) (*Layout, error) {
	layout := DefaultLayout()
	reagents := layout.Reagents
	layout.Reagents = nil

	if err := yaml.UnmarshalStrict(data, layout); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	for name, ports := range layout.Reagents {
		reagents[name] = ports
	}
	layout.Reagents = reagents

	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return layout, nil
}

func (l *Layout) Validate() error {
	if l.Speed <= 0 || l.Speed > 48 {
		return fmt.Errorf("layout speed %v not in (0, 48]", l.Speed)
	}
	if l.Pumping.Reagent <= 5*time.Second {
		return fmt.Errorf("layout reagent pumping time %s too short", l.Pumping.Reagent)
	}
	for name, ports := range l.Reagents {
		if len(ports) == 0 {
			return fmt.Errorf("reagent %q has no ports", name)
		}
		for _, p := range ports {
			if p < 1 {
				return fmt.Errorf("reagent %q: port %d must be 1 or more", name, p)
			}
		}
	}
	return nil
}

// Missing lists the reagents in names that the layout does not plumb.
func (l *Layout) Missing(names []string) []string {
	seen := map[string]bool{}
	var missing []string
	for _, n := range names {
		if _, ok := l.Reagents[n]; !ok && !seen[n] {
			missing = append(missing, n)
			seen[n] = true
		}
	}
	sort.Strings(missing)
	return missing
}
