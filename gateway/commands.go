package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"daq-gateway/common"
)

// CommCode is a firmware opcode.
type CommCode int32

// Orchestrator (Orc*) codes act on the daq computer; collector (Col*) codes act on the
// readout run.
const (
	OrcStartComputerStatus CommCode = 0x10
	OrcStopComputerStatus  CommCode = 0x11
	OrcBootAllDaq          CommCode = 0x12
	OrcShutdownAllDaq      CommCode = 0x13
	OrcExecCpuRestart      CommCode = 0x14
	OrcExecCpuShutdown     CommCode = 0x15
	OrcPcieInit            CommCode = 0x16

	ColResetRun  CommCode = 0x20
	ColConfigure CommCode = 0x21
	ColStartRun  CommCode = 0x22
	ColStopRun   CommCode = 0x23
)

// commandMap maps operator commands to opcodes.
var commandMap = map[string]CommCode{
	"START_STATUS":      OrcStartComputerStatus,
	"STOP_STATUS":       OrcStopComputerStatus,
	"START_ALL_DAQ":     OrcBootAllDaq,
	"SHUTDOWN_ALL_DAQ":  OrcShutdownAllDaq,
	"REBOOT_COMPUTER":   OrcExecCpuRestart,
	"SHUTDOWN_COMPUTER": OrcExecCpuShutdown,
	"PCIE_DRIVER_INIT":  OrcPcieInit,
	"RESET":             ColResetRun,
	"CONFIGURE":         ColConfigure,
	"START_RUN":         ColStartRun,
	"STOP_RUN":          ColStopRun,
}

// ResolveCommand returns the opcode for an operator command name.
func ResolveCommand(name string) (CommCode, error) {
	code, ok := commandMap[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", common.ErrUnknownCommand, name)
	}
	return code, nil
}

// CommandNames lists the operator commands.
func CommandNames() []string {
	names := make([]string, 0, len(commandMap))
	for n := range commandMap {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type valueKind uint8

const (
	valueNone valueKind = iota
	valueScalar
	valueApplyConfig
)

// CommandValue is the optional argument of a command: nothing, a scalar, or a request to
// apply the current configuration.
type CommandValue struct {
	kind   valueKind
	scalar float64
}

// NoValue sends the command without arguments.
func NoValue() CommandValue { return CommandValue{} }

// ScalarValue sends floor(v) as the single argument.
func ScalarValue(v float64) CommandValue { return CommandValue{kind: valueScalar, scalar: v} }

// ApplyConfigValue sends the serialized canonical configuration.
func ApplyConfigValue() CommandValue { return CommandValue{kind: valueApplyConfig} }

func (v CommandValue) String() string {
	switch v.kind {
	case valueScalar:
		return strconv.FormatFloat(v.scalar, 'g', -1, 64)
	case valueApplyConfig:
		return "config"
	default:
		return "none"
	}
}

// ParseCommandValue decodes the "value" field of a send_command request. Absent and null
// mean no value, an object means apply configuration, and a number or numeric string is
// a scalar.
func ParseCommandValue(raw json.RawMessage) (CommandValue, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return NoValue(), nil
	}

	switch s[0] {
	case '{':
		return ApplyConfigValue(), nil
	case '"':
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return CommandValue{}, fmt.Errorf("%w: %w", common.ErrInvalidValue, err)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return CommandValue{}, fmt.Errorf("%w: %q is not a number", common.ErrInvalidValue, str)
		}
		return scalarInRange(f)
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return CommandValue{}, fmt.Errorf("%w: %s", common.ErrInvalidValue, s)
	}

	return scalarInRange(f)
}

func scalarInRange(f float64) (CommandValue, error) {
	if math.IsNaN(f) || math.Floor(f) < math.MinInt32 || math.Floor(f) > math.MaxInt32 {
		return CommandValue{}, fmt.Errorf("%w: %v does not fit a frame argument", common.ErrInvalidValue, f)
	}
	return ScalarValue(f), nil
}
