package sequencer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLayout(t *testing.T) {
	l := DefaultLayout()
	require.NoError(t, l.Validate())
	assert.Equal(t, []int{7, 1}, l.Reagents["ssc"])
	assert.Equal(t, []int{1, 8}, l.Reagents["reader8"])
	assert.Equal(t, 38*time.Second, l.Pumping.Reagent)
}

func TestParseLayout_MergesOverDefaults(t *testing.T) {
	data := []byte(`
speed: 12.5
reagents:
  ssc: [6, 2]
  wga: [3, 3]
pumping:
  reagent: 40s
  reader: 1m
  flush: 20s
`)
	l, err := ParseLayout(data)
	require.NoError(t, err)

	assert.Equal(t, 12.5, l.Speed)
	assert.Equal(t, []int{6, 2}, l.Reagents["ssc"])
	assert.Equal(t, []int{3, 3}, l.Reagents["wga"])
	assert.Equal(t, []int{8, 1}, l.Reagents["flush"])
	assert.Equal(t, Pumping{Reagent: 40 * time.Second, Reader: time.Minute, Flush: 20 * time.Second}, l.Pumping)
}

func TestParseLayout_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown field", "speeed: 10\n"},
		{"speed too high", "speed: 60\n"},
		{"zero port", "reagents:\n  ssc: [0, 1]\n"},
		{"no ports", "reagents:\n  ssc: []\n"},
		{"pumping too short", "pumping:\n  reagent: 5s\n  reader: 48s\n  flush: 18s\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseLayout([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	require.NoError(t, os.WriteFile(path, []byte("speed: 30\n"), 0644))

	l, err := LoadLayout(path)
	require.NoError(t, err)
	assert.Equal(t, 30.0, l.Speed)

	_, err = LoadLayout(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMissing(t *testing.T) {
	l := DefaultLayout()
	assert.Empty(t, l.Missing([]string{"ssc", "flush", "reader3"}))
	assert.Equal(t, []string{"reader9", "wga"}, l.Missing([]string{"wga", "ssc", "reader9", "wga"}))
}
