package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// PLCEntry is one device roster entry as read from a multi-section YAML
// file: each top-level key is a legacy "section" (e.g. "plcs",
// "screw_comp") holding a list of devices.
type PLCEntry struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// LoadPLCRoster scans every top-level key of the YAML file at path for
// lists of PLCEntry, deduplicating by name (first occurrence wins).
//
// Grounded on original_source/sunny_scada/modbus_service.py's
// load_plc_configs: deployments have historically kept PLC lists under
// section names other than a single top-level "plcs:" key, and the
// loader must still pick them all up.
func LoadPLCRoster(path string) ([]PLCEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open plc roster %s: %w", path, err)
	}
	defer f.Close()

	var raw yaml.MapSlice
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("config: decode plc roster %s: %w", path, err)
	}

	seen := make(map[string]bool)
	roster := make([]PLCEntry, 0)
	for _, section := range raw {
		b, err := yaml.Marshal(section.Value)
		if err != nil {
			continue
		}
		var entries []PLCEntry
		if err := yaml.Unmarshal(b, &entries); err != nil {
			continue
		}
		for _, e := range entries {
			if e.Name == "" || e.IP == "" {
				continue
			}
			if seen[e.Name] {
				continue
			}
			seen[e.Name] = true
			if e.Port == 0 {
				e.Port = 502
			}
			roster = append(roster, e)
		}
	}
	return roster, nil
}
