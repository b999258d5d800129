package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daq-gateway/common"
	"daq-gateway/logger"
)

type gatewayFixture struct {
	gw    *Gateway
	links map[string]*fakeLink
	sink  *recordingSink
}

func newFixture(t *testing.T, links map[string]*fakeLink, options Options) *gatewayFixture {
	t.Helper()

	if links == nil {
		links = map[string]*fakeLink{}
	}
	reg := newRegistry(t, links)
	sink := &recordingSink{}

	gw := New(reg, testMerger(), sink, options, NewMetrics(nil), logger.NewTestLogger())
	t.Cleanup(gw.Stop)

	return &gatewayFixture{gw: gw, links: links, sink: sink}
}

func testOptions() Options {
	return Options{Poll: fastPoll(), Response: fastResponse()}
}

func startFixture(t *testing.T, links map[string]*fakeLink, options Options) *gatewayFixture {
	t.Helper()
	f := newFixture(t, links, options)
	require.NoError(t, f.gw.Start(context.Background()))
	return f
}

func waitFor(t *testing.T, sink *recordingSink, target common.Target, n int) []common.Event {
	t.Helper()

	var events []common.Event
	require.Eventually(t, func() bool {
		events = sink.to(target)
		return len(events) >= n
	}, 2*time.Second, 5*time.Millisecond)

	return events
}

func TestStartBroadcastsPolledFrames(t *testing.T) {
	stat := &fakeLink{}
	stat.push(common.NewFrame(9, 1, 2, 3))
	f := startFixture(t, map[string]*fakeLink{"TPCReadoutCmd": stat}, testOptions())

	events := waitFor(t, f.sink, common.Broadcast, 1)
	assert.Equal(t, "TPCReadoutCmd", events[0].Device)
	assert.Equal(t, []int32{1, 2, 3}, events[0].Args)
}

func TestStartTwice(t *testing.T) {
	f := startFixture(t, nil, testOptions())
	assert.Error(t, f.gw.Start(context.Background()))
}

func TestStopClosesLinksAndIsIdempotent(t *testing.T) {
	opts := testOptions()
	opts.Poll.IdleSleep = time.Hour
	f := startFixture(t, nil, opts)

	start := time.Now()
	f.gw.Stop()
	f.gw.Stop()
	assert.Less(t, time.Since(start), time.Second)

	for name, l := range f.links {
		assert.True(t, l.isClosed(), name)
	}

	_, err := f.gw.Devices()
	assert.ErrorIs(t, err, common.ErrLinkNotOpen)
}

func TestDevicesInConfigurationOrder(t *testing.T) {
	f := startFixture(t, nil, testOptions())

	devices, err := f.gw.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 4)
	assert.Equal(t, common.DeviceTitle{Name: "DaemonStat", Title: "DaemonStat [50000]"}, devices[0])
	assert.Equal(t, "TPCReadoutCmd [50003]", devices[3].Title)
}

func TestHandleCommandRoutesResponsesToSession(t *testing.T) {
	cmd := &fakeLink{replies: [][]common.Frame{{common.NewFrame(int32(ColResetRun), 0)}}}
	f := startFixture(t, map[string]*fakeLink{"TPCReadoutCmd": cmd}, testOptions())

	f.gw.HandleCommand("s1", CommandRequest{Device: "TPCReadoutCmd", Command: "RESET"})

	events := waitFor(t, f.sink, common.Session("s1"), 1)
	assert.Equal(t, common.KindFrame, events[0].Kind)
	assert.Equal(t, "TPCReadoutCmd", events[0].Device)
	assert.Equal(t, int32(ColResetRun), events[0].Opcode)

	assert.Empty(t, f.sink.to(common.Session("s2")))
	assert.Empty(t, f.sink.to(common.Broadcast))
	assert.Equal(t, []common.Frame{common.NewFrame(int32(ColResetRun))}, cmd.sentFrames())
}

func TestHandleCommandApplyConfig(t *testing.T) {
	cmd := &fakeLink{}
	f := startFixture(t, map[string]*fakeLink{"TPCReadoutCmd": cmd}, testOptions())

	f.gw.HandleCommand("s1", CommandRequest{
		Device:  "TPCReadoutCmd",
		Command: "CONFIGURE",
		Value:   json.RawMessage(`{"ignored": true}`),
	})

	require.Eventually(t, func() bool { return len(cmd.sentFrames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	sent := cmd.sentFrames()[0]
	want := f.gw.merger.Serialize()
	assert.Equal(t, append([]int32{1}, want...), sent.Args)
}

func TestHandleCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		req  CommandRequest
		want string
	}{
		{"unknown device", CommandRequest{Device: "Nope", Command: "RESET"}, "Invalid device or command"},
		{"missing command", CommandRequest{Device: "DaemonCmd"}, "Invalid device or command"},
		{"bad value", CommandRequest{Device: "DaemonCmd", Command: "RESET", Value: json.RawMessage(`"x"`)}, "invalid command value"},
		{"unknown command", CommandRequest{Device: "DaemonCmd", Command: "NOPE"}, "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := startFixture(t, nil, testOptions())

			f.gw.HandleCommand("s1", tt.req)

			events := waitFor(t, f.sink, common.Session("s1"), 1)
			assert.Equal(t, common.KindError, events[0].Kind)
			assert.Contains(t, events[0].Message, tt.want)
			assert.Empty(t, f.links["DaemonCmd"].sentFrames())
		})
	}
}

func TestHandleCommandWriteFailure(t *testing.T) {
	cmd := &fakeLink{sendErr: errBrokenPipe}
	f := startFixture(t, map[string]*fakeLink{"DaemonCmd": cmd}, testOptions())

	f.gw.HandleCommand("s1", CommandRequest{Device: "DaemonCmd", Command: "RESET"})

	events := waitFor(t, f.sink, common.Session("s1"), 1)
	assert.Equal(t, common.KindError, events[0].Kind)
	assert.Contains(t, events[0].Message, "broken pipe")
}

func TestHandleCommandBeforeStart(t *testing.T) {
	f := newFixture(t, nil, testOptions())

	f.gw.HandleCommand("s1", CommandRequest{Device: "DaemonCmd", Command: "RESET"})

	events := f.sink.to(common.Session("s1"))
	require.Len(t, events, 1)
	assert.Equal(t, common.ErrLinkNotOpen.Error(), events[0].Message)
}

func TestUpdateConfigRepliesWithMergedConfig(t *testing.T) {
	f := newFixture(t, nil, testOptions())

	f.gw.UpdateConfig("s1", common.ConfigUpdate{
		"tpc": {"fem_count": common.Number(8), "channel_threshold": common.Number(5)},
	})

	events := f.sink.to(common.Session("s1"))
	require.Len(t, events, 1)
	assert.Equal(t, common.KindInfo, events[0].Kind)
	assert.Equal(t, common.ServerDevice, events[0].Device)
	require.True(t, strings.HasPrefix(events[0].Message, "Updated config "))

	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(events[0].Message, "Updated config ")), &cfg))
	assert.Equal(t, 8.0, cfg["fem_count"])

	thresholds, ok := cfg["channel_threshold"].([]any)
	require.True(t, ok)
	assert.Len(t, thresholds, 64)
	assert.Equal(t, 5.0, thresholds[63])
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.yaml"), []byte("tpc:\n  timesize: 100\n"), 0o644))

	opts := testOptions()
	opts.ConfigDir = dir
	f := newFixture(t, nil, opts)

	f.gw.LoadConfigFile("s1", "run.yaml")

	events := f.sink.to(common.Session("s1"))
	require.Len(t, events, 1)
	assert.Equal(t, common.KindConfigLoaded, events[0].Kind)
	assert.Equal(t, "config_loaded", events[0].Name())
	v, _ := events[0].Config["tpc"]["timesize"].Float()
	assert.Equal(t, 100.0, v)

	// loading does not merge
	cfg := f.gw.Config()
	ts, _ := cfg["timesize"].Float()
	assert.Equal(t, 3199.0, ts)
}

func TestLoadConfigFileFailure(t *testing.T) {
	opts := testOptions()
	opts.ConfigDir = t.TempDir()
	f := newFixture(t, nil, opts)

	f.gw.LoadConfigFile("s1", "missing.json")

	events := f.sink.to(common.Session("s1"))
	require.Len(t, events, 1)
	assert.Equal(t, common.KindError, events[0].Kind)
	assert.True(t, strings.HasPrefix(events[0].Message, "Failed to load file: "))
}

func TestResolveConfigPathStaysInsideDir(t *testing.T) {
	g := &Gateway{options: Options{ConfigDir: "/srv/configs"}}

	assert.Equal(t, "/srv/configs/run.yaml", g.resolveConfigPath("run.yaml"))
	assert.Equal(t, "/srv/configs/etc/passwd", g.resolveConfigPath("../../etc/passwd"))

	g.options.ConfigDir = ""
	assert.Equal(t, "relative/run.json", g.resolveConfigPath("relative/run.json"))
}
