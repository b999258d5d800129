package daqconfig

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daq-gateway/common"
	"daq-gateway/logger"
)

// fakeObject records what the merger pushes into it.
type fakeObject struct {
	initial common.MetricMapping
	pushed  []common.MetricMapping
}

func (f *fakeObject) MetricDict() common.MetricMapping { return f.initial.Clone() }

func (f *fakeObject) SetConfigDict(m common.MetricMapping) { f.pushed = append(f.pushed, m) }

func (f *fakeObject) Serialize() []int32 { return []int32{7, 8, 9} }

func exampleMerger() (*Merger, *fakeObject) {
	obj := &fakeObject{initial: common.MetricMapping{
		"thresholdVec": common.Sequence(1, 1, 1),
		"mode":         common.Text("idle"),
		"gain":         common.Number(2),
	}}
	return NewMerger(obj, logger.NewTestLogger()), obj
}

func TestMergeBroadcastsScalarIntoVector(t *testing.T) {
	m, obj := exampleMerger()

	n := m.Merge(common.ConfigUpdate{"general": {"thresholdVec": common.Number(5)}})
	assert.Equal(t, 1, n)

	cfg := m.Config()
	assert.True(t, cfg["thresholdVec"].Equal(common.Sequence(5, 5, 5)))
	assert.True(t, cfg["mode"].Equal(common.Text("idle")))

	require.Len(t, obj.pushed, 1)
	assert.True(t, obj.pushed[0]["thresholdVec"].Equal(common.Sequence(5, 5, 5)))
}

func TestMergeOverwrites(t *testing.T) {
	m, _ := exampleMerger()

	m.Merge(common.ConfigUpdate{
		"general": {"gain": common.Number(4), "mode": common.Text("run")},
		"fem":     {"thresholdVec": common.Sequence(3, 2, 1)},
	})

	cfg := m.Config()
	assert.True(t, cfg["gain"].Equal(common.Number(4)))
	assert.True(t, cfg["mode"].Equal(common.Text("run")))
	assert.True(t, cfg["thresholdVec"].Equal(common.Sequence(3, 2, 1)))
}

func TestMergeScalarKeyTakesVector(t *testing.T) {
	m, _ := exampleMerger()

	m.Merge(common.ConfigUpdate{"general": {"gain": common.Sequence(1, 2)}})

	assert.True(t, m.Config()["gain"].Equal(common.Sequence(1, 2)))
}

func TestMergeIgnoresUnknownKeys(t *testing.T) {
	m, obj := exampleMerger()

	n := m.Merge(common.ConfigUpdate{"general": {"tresholdVec": common.Number(5)}})

	assert.Equal(t, 0, n)
	assert.NotContains(t, m.Config(), "tresholdVec")
	assert.Len(t, obj.pushed, 1)
}

func TestMergeRefusesTextIntoVector(t *testing.T) {
	m, _ := exampleMerger()

	n := m.Merge(common.ConfigUpdate{"general": {"thresholdVec": common.Text("high")}})

	assert.Equal(t, 0, n)
	assert.True(t, m.Config()["thresholdVec"].Equal(common.Sequence(1, 1, 1)))
}

func TestMergeBroadcastsNumericTextIntoVector(t *testing.T) {
	m, _ := exampleMerger()

	var update common.ConfigUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"general":{"thresholdVec":"5"}}`), &update))

	n := m.Merge(update)

	assert.Equal(t, 1, n)
	assert.True(t, m.Config()["thresholdVec"].Equal(common.Sequence(5, 5, 5)))
}

func TestTpcConfigSerializeSaturates(t *testing.T) {
	m := NewMerger(NewTpcConfig(nil), logger.NewTestLogger())

	m.Merge(common.ConfigUpdate{"general": {
		"timesize":          common.Number(3e9),
		"drift_frames":      common.Number(-3e9),
		"channel_threshold": common.Number(1e12),
	}})

	serialized := m.Serialize()
	offsets := layoutOffsets(DefaultTpcLayout)

	assert.Equal(t, int32(math.MaxInt32), serialized[offsets["timesize"]])
	assert.Equal(t, int32(math.MinInt32), serialized[offsets["drift_frames"]])
	assert.Equal(t, int32(math.MaxInt32), serialized[offsets["channel_threshold"]+63])
}

func layoutOffsets(layout []Field) map[string]int {
	offsets := make(map[string]int, len(layout))
	pos := 0
	for _, f := range layout {
		offsets[f.Key] = pos
		if f.Len > 0 {
			pos += f.Len
		} else {
			pos++
		}
	}
	return offsets
}

func TestMergeIsIdempotent(t *testing.T) {
	update := common.ConfigUpdate{"general": {
		"gain":         common.Number(3),
		"thresholdVec": common.Sequence(4, 5, 6),
	}}

	once, _ := exampleMerger()
	once.Merge(update)

	twice, _ := exampleMerger()
	twice.Merge(update)
	twice.Merge(update)

	a, b := once.Config(), twice.Config()
	require.Equal(t, len(a), len(b))
	for k := range a {
		assert.True(t, a[k].Equal(b[k]), k)
	}
}

func TestBroadcastPreservesLength(t *testing.T) {
	for _, n := range []int{1, 3, 16, 64} {
		obj := &fakeObject{initial: common.MetricMapping{"v": common.Number(0).Broadcast(n)}}
		m := NewMerger(obj, logger.NewTestLogger())

		m.Merge(common.ConfigUpdate{"x": {"v": common.Number(2.5)}})

		v := m.Config()["v"]
		require.True(t, v.IsSequence())
		assert.Equal(t, n, v.Len())
		for _, e := range v.Elements() {
			assert.Equal(t, 2.5, e)
		}
	}
}

func TestConfigIsACopy(t *testing.T) {
	m, _ := exampleMerger()

	cfg := m.Config()
	cfg["gain"] = common.Number(100)

	assert.True(t, m.Config()["gain"].Equal(common.Number(2)))
}

func TestMergerSerializeDelegates(t *testing.T) {
	m, _ := exampleMerger()
	assert.Equal(t, []int32{7, 8, 9}, m.Serialize())
}

func TestTpcConfigSerialize(t *testing.T) {
	c := NewTpcConfig([]Field{
		{Key: "a", Default: 2.7},
		{Key: "vec", Len: 3, Default: 1},
		{Key: "b", Default: -1.5},
	})

	assert.Equal(t, []int32{2, 1, 1, 1, -2}, c.Serialize())

	c.SetConfigDict(common.MetricMapping{
		"vec":     common.Sequence(9, 8),
		"unknown": common.Number(5),
	})
	assert.Equal(t, []int32{2, 9, 8, 0, -2}, c.Serialize())
	assert.NotContains(t, c.MetricDict(), "unknown")

	c.SetConfigDict(common.MetricMapping{"vec": common.Number(4)})
	assert.Equal(t, []int32{2, 4, 4, 4, -2}, c.Serialize())
}

func TestDefaultTpcLayout(t *testing.T) {
	c := NewTpcConfig(nil)

	want := 0
	for _, f := range DefaultTpcLayout {
		if f.Len == 0 {
			want++
		} else {
			want += f.Len
		}
	}

	assert.Len(t, c.Serialize(), want)
	assert.Equal(t, 16, c.MetricDict()["fem_enable"].Len())
}

func TestMergerWithTpcConfig(t *testing.T) {
	m := NewMerger(NewTpcConfig(nil), logger.NewTestLogger())

	m.Merge(common.ConfigUpdate{"fem": {"fem_enable": common.Number(0), "timesize": common.Number(1000)}})

	ser := m.Serialize()
	assert.Equal(t, int32(1), ser[0])
	assert.Equal(t, int32(16), ser[1])
	for _, v := range ser[2:18] {
		assert.Equal(t, int32(0), v)
	}
	assert.Equal(t, int32(1000), ser[18])
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "run.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"general":{"timesize":1000,"fem_enable":[1,0]}}`), 0o600))

	u, err := LoadFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, u["general"]["timesize"].Equal(common.Number(1000)))
	assert.True(t, u["general"]["fem_enable"].Equal(common.Sequence(1, 0)))

	yamlPath := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("general:\n  timesize: 42\n"), 0o600))

	u, err = LoadFile(yamlPath)
	require.NoError(t, err)
	assert.True(t, u["general"]["timesize"].Equal(common.Number(42)))
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.Is(err, common.ErrIOFailure))
	assert.False(t, errors.Is(err, common.ErrParseFailure))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"general":`), 0o600))

	_, err = LoadFile(bad)
	assert.True(t, errors.Is(err, common.ErrParseFailure))
	assert.False(t, errors.Is(err, common.ErrIOFailure))
}
