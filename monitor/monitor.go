// Package monitor decodes status frames from DAQ monitoring channels into metric
// mappings.
package monitor

import (
	"fmt"
	"sort"
)

// DecodeFunc deserializes a status frame's argument vector. The result may hold native
// fixed-size arrays; pass it through Normalize before transport.
type DecodeFunc func(args []int32) (map[string]any, error)

// decoders by name, as referenced from a device's "decoder" setting.
var decoders = map[string]DecodeFunc{
	"daq_computer": DecodeDaqComputer,
	"tpc_readout":  DecodeTpcReadout,
}

// Lookup returns the decoder registered under name.
func Lookup(name string) (DecodeFunc, bool) {
	d, ok := decoders[name]
	return d, ok
}

// Names lists the registered decoders.
func Names() []string {
	names := make([]string, 0, len(decoders))
	for n := range decoders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Fixed-point scales used by the monitoring firmware.
const (
	centi = 100.0
	deci  = 10.0
)

// daqProcesses names the bits of the daq process mask, least significant first.
var daqProcesses = [8]string{
	"daq_daemon", "readout", "event_builder", "trigger", "archiver", "monitor", "pcie_driver", "spare",
}

// DaqComputer is the daq computer status frame.
//
//	0      uptime (s)
//	1..3   load average x100
//	4      memory used (MiB)
//	5      memory total (MiB)
//	6      disk used x100 (%)
//	7..10  cpu temperatures x10 (°C)
//	11     daq process mask
type DaqComputer struct {
	UptimeSeconds  int32
	LoadAverage    [3]float32
	MemoryUsedMiB  int32
	MemoryTotalMiB int32
	DiskUsedPct    float64
	CPUTemperature [4]float32
	ProcessRunning [8]uint8
}

const daqComputerArgs = 12

func DecodeDaqComputer(args []int32) (map[string]any, error) {
	if len(args) < daqComputerArgs {
		return nil, fmt.Errorf("daq computer status: expected %d args, got %d", daqComputerArgs, len(args))
	}

	var s DaqComputer

	s.UptimeSeconds = args[0]
	for i := range s.LoadAverage {
		s.LoadAverage[i] = float32(float64(args[1+i]) / centi)
	}
	s.MemoryUsedMiB = args[4]
	s.MemoryTotalMiB = args[5]
	s.DiskUsedPct = float64(args[6]) / centi
	for i := range s.CPUTemperature {
		s.CPUTemperature[i] = float32(float64(args[7+i]) / deci)
	}
	mask := uint32(args[11])
	for i := range s.ProcessRunning {
		s.ProcessRunning[i] = uint8(mask >> i & 1)
	}

	return s.Metrics(), nil
}

// Metrics flattens the status into its metric mapping.
func (s DaqComputer) Metrics() map[string]any {
	memPct := 0.0
	if s.MemoryTotalMiB > 0 {
		memPct = float64(s.MemoryUsedMiB) / float64(s.MemoryTotalMiB) * 100
	}

	return map[string]any{
		"uptime_s":          s.UptimeSeconds,
		"load_average":      s.LoadAverage,
		"memory_used_mib":   s.MemoryUsedMiB,
		"memory_total_mib":  s.MemoryTotalMiB,
		"memory_used_pct":   memPct,
		"disk_used_pct":     s.DiskUsedPct,
		"cpu_temperature_c": s.CPUTemperature,
		"process_running":   s.ProcessRunning,
		"process_names":     daqProcesses,
	}
}

// RunState of the TPC readout.
type RunState int32

const (
	RunIdle RunState = iota
	RunConfigured
	RunRunning
	RunStopped
	RunError
)

var runStateNames = map[RunState]string{
	RunIdle:       "idle",
	RunConfigured: "configured",
	RunRunning:    "running",
	RunStopped:    "stopped",
	RunError:      "error",
}

func (r RunState) String() string {
	if s, ok := runStateNames[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int32(r))
}

// TpcReadout is the TPC readout status frame.
//
//	0       run state
//	1       run number
//	2       event count
//	3       trigger rate x100 (Hz)
//	4       FEM count N
//	5..4+N  words read per FEM
//	5+N     buffer occupancy x100 (%), optional
type TpcReadout struct {
	State           RunState
	RunNumber       int32
	EventCount      int32
	TriggerRateHz   float64
	FemWordCount    []uint32
	BufferOccupancy float64
}

// maxFems bounds the FEM count field against corrupt frames.
const maxFems = 64

func DecodeTpcReadout(args []int32) (map[string]any, error) {
	if len(args) < 5 {
		return nil, fmt.Errorf("tpc readout status: expected at least 5 args, got %d", len(args))
	}

	n := int(args[4])
	if n < 0 || n > maxFems {
		return nil, fmt.Errorf("tpc readout status: invalid FEM count %d", n)
	}
	if len(args) < 5+n {
		return nil, fmt.Errorf("tpc readout status: FEM count %d needs %d args, got %d", n, 5+n, len(args))
	}

	s := TpcReadout{
		State:         RunState(args[0]),
		RunNumber:     args[1],
		EventCount:    args[2],
		TriggerRateHz: float64(args[3]) / centi,
		FemWordCount:  make([]uint32, n),
	}
	for i := range s.FemWordCount {
		s.FemWordCount[i] = uint32(args[5+i])
	}
	if len(args) > 5+n {
		s.BufferOccupancy = float64(args[5+n]) / centi
	}

	return s.Metrics(), nil
}

func (s TpcReadout) Metrics() map[string]any {
	return map[string]any{
		"run_state":            int32(s.State),
		"run_state_name":       s.State.String(),
		"run_number":           s.RunNumber,
		"event_count":          s.EventCount,
		"trigger_rate_hz":      s.TriggerRateHz,
		"fem_count":            len(s.FemWordCount),
		"fem_word_count":       s.FemWordCount,
		"buffer_occupancy_pct": s.BufferOccupancy,
	}
}
