package daqconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"daq-gateway/common"
)

// LoadFile reads a configuration update from a JSON or YAML file. Read errors wrap
// common.ErrIOFailure, decode errors wrap common.ErrParseFailure.
func LoadFile(path string) (common.ConfigUpdate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrIOFailure, err)
	}

	var update common.ConfigUpdate

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &update)
	default:
		err = json.Unmarshal(data, &update)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", common.ErrParseFailure, path, err)
	}

	return update, nil
}
