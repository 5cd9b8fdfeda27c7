package core

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Device - a compute lane a network replica runs on
type Device string

const (
	DeviceCPU Device = "cpu"
)

// ParseDevices validates the configured device list. "cpu" and "-1" select the host;
// numeric ids select host worker lanes and must be below the CPU count. Accelerator
// names are rejected since no accelerator backend is compiled in.
func ParseDevices(names []string) ([]Device, error) {
	if len(names) == 0 {
		return []Device{DeviceCPU}, nil
	}
	devices := make([]Device, 0, len(names))
	seen := make(map[Device]bool, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		var d Device
		switch {
		case name == "cpu" || name == "-1":
			d = DeviceCPU
		default:
			id, err := strconv.Atoi(name)
			if err != nil {
				return nil, fmt.Errorf("device %q: %w", raw, ErrDevice)
			}
			if id < 0 || id >= runtime.NumCPU() {
				return nil, fmt.Errorf("device %d outside [0,%d): %w", id, runtime.NumCPU(), ErrDevice)
			}
			d = Device("cpu:" + name)
		}
		if seen[d] {
			return nil, fmt.Errorf("device %q listed twice: %w", raw, ErrDevice)
		}
		seen[d] = true
		devices = append(devices, d)
	}
	return devices, nil
}
