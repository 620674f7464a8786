package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var positions = Codes[int]{
	Table:    map[string]int{"1": 1, "2": 2, "3": 3},
	Fallback: -1,
	Strict:   true,
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		codes      Codes[int]
		kind       Kind
		ok         bool
		recognized bool
		value      int
	}{
		{"ack recognized", "\x062\r", positions, KindAck, true, true, 2},
		{"ack unrecognized strict", "\x069\r", positions, KindAck, false, false, -1},
		{"ack unrecognized lenient", "\x069\r", Codes[int]{Fallback: 7}, KindAck, true, false, 7},
		{"nak with known body", "\x212\r", positions, KindNak, false, false, -1},
		{"nak bare", "\x21", Codes[int]{}, KindNak, false, false, 0},
		{"implicit recognized", "3", positions, KindImplicit, true, true, 3},
		{"implicit unrecognized", "Z", positions, KindImplicit, true, false, -1},
		{"empty", "", positions, KindEmpty, false, false, -1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := Classify(tc.raw, tc.codes)
			assert.Equal(t, tc.kind, res.Kind)
			assert.Equal(t, tc.ok, res.OK())
			assert.Equal(t, tc.recognized, res.Recognized)
			assert.Equal(t, tc.value, res.Value)
			assert.Equal(t, tc.raw, res.Raw)
		})
	}
}

func TestResultErr(t *testing.T) {
	assert.NoError(t, Classify("\x061\r", positions).Err())
	assert.ErrorIs(t, Classify("\x211\r", positions).Err(), ErrNegativeAcknowledge)
	assert.ErrorIs(t, Classify("", positions).Err(), ErrNoResponse)

	err := Classify("\x069\r", positions).Err()
	assert.ErrorIs(t, err, ErrUnrecognizedCode)
	assert.Contains(t, err.Error(), `"9"`)
}

func TestClassify_CodeStripsAckAndCarriageReturn(t *testing.T) {
	res := Classify("\x06Y\r", Codes[bool]{Table: map[string]bool{"Y": true}})
	assert.Equal(t, "Y", res.Code)
	assert.True(t, res.Value)
}
