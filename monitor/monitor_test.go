package monitor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"daq_computer", "tpc_readout"} {
		_, ok := Lookup(name)
		assert.True(t, ok, name)
	}

	_, ok := Lookup("nope")
	assert.False(t, ok)
	assert.Equal(t, []string{"daq_computer", "tpc_readout"}, Names())
}

func TestDecodeDaqComputer(t *testing.T) {
	args := []int32{3600, 125, 50, 25, 2048, 8192, 4250, 455, 460, 470, 480, 0b101}

	m, err := DecodeDaqComputer(args)
	require.NoError(t, err)

	assert.Equal(t, int32(3600), m["uptime_s"])
	assert.Equal(t, [3]float32{1.25, 0.5, 0.25}, m["load_average"])
	assert.Equal(t, 25.0, m["memory_used_pct"])
	assert.Equal(t, 42.5, m["disk_used_pct"])
	assert.Equal(t, [8]uint8{1, 0, 1, 0, 0, 0, 0, 0}, m["process_running"])

	_, err = DecodeDaqComputer(args[:5])
	assert.Error(t, err)
}

func TestDecodeTpcReadout(t *testing.T) {
	tests := []struct {
		name      string
		args      []int32
		wantErr   bool
		wantFems  []uint32
		occupancy float64
	}{
		{name: "two fems with occupancy", args: []int32{2, 17, 1000, 1550, 2, 10, 20, 7525}, wantFems: []uint32{10, 20}, occupancy: 75.25},
		{name: "no occupancy", args: []int32{1, 17, 0, 0, 1, 5}, wantFems: []uint32{5}},
		{name: "too short", args: []int32{1, 2}, wantErr: true},
		{name: "missing fem words", args: []int32{1, 2, 3, 4, 3, 1}, wantErr: true},
		{name: "corrupt fem count", args: []int32{1, 2, 3, 4, -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeTpcReadout(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFems, m["fem_word_count"])
			assert.Equal(t, tt.occupancy, m["buffer_occupancy_pct"])
		})
	}
}

func TestRunStateString(t *testing.T) {
	assert.Equal(t, "running", RunRunning.String())
	assert.Equal(t, "unknown(42)", RunState(42).String())
}

func TestNormalizeConvertsArrays(t *testing.T) {
	in := map[string]any{
		"fixed":  [3]float32{1.5, 2.5, 3.5},
		"words":  []uint32{1, 2},
		"ints":   [2]int16{-1, 1},
		"flags":  [2]bool{true, false},
		"names":  [2]string{"a", "b"},
		"scalar": int32(4),
		"text":   "idle",
		"nested": map[string]any{"v": [1]uint8{9}},
	}

	out := Normalize(in)

	assert.Equal(t, []float64{1.5, 2.5, 3.5}, out["fixed"])
	assert.Equal(t, []int64{1, 2}, out["words"])
	assert.Equal(t, []int64{-1, 1}, out["ints"])
	assert.Equal(t, []bool{true, false}, out["flags"])
	assert.Equal(t, []string{"a", "b"}, out["names"])
	assert.Equal(t, int32(4), out["scalar"])
	assert.Equal(t, "idle", out["text"])
	assert.Equal(t, map[string]any{"v": []int64{9}}, out["nested"])

	// The input is left untouched.
	assert.Equal(t, [3]float32{1.5, 2.5, 3.5}, in["fixed"])
}

func TestNormalizeIsIdempotent(t *testing.T) {
	m, err := DecodeTpcReadout([]int32{2, 17, 1000, 1550, 2, 10, 20, 7525})
	require.NoError(t, err)

	once := Normalize(m)
	twice := Normalize(once)
	assert.Equal(t, once, twice)

	d, err := DecodeDaqComputer([]int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	require.NoError(t, err)
	assert.Equal(t, Normalize(d), Normalize(Normalize(d)))
}

func TestNormalizedMetricsMarshal(t *testing.T) {
	d, err := DecodeDaqComputer([]int32{1, 100, 200, 300, 5, 10, 7, 8, 9, 10, 11, 1})
	require.NoError(t, err)

	data, err := json.Marshal(Normalize(d))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"load_average":[1,2,3]`)
}

func TestNormalizeBytesMarshalAsNumbers(t *testing.T) {
	out := Normalize(map[string]any{"raw": []byte{1, 2, 255}})

	assert.Equal(t, []int64{1, 2, 255}, out["raw"])

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":[1,2,255]}`, string(data))
}
