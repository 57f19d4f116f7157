package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srg/hrtrack/internal/device"
)

// MemoryFileName is the device memory file inside the data directory.
const MemoryFileName = "device.yaml"

// ErrNoRememberedDevice is returned when no device was ever connected.
var ErrNoRememberedDevice = errors.New("no remembered device")

// DeviceMemory is the last device a connect was requested for.
type DeviceMemory struct {
	Device      device.Device `yaml:"device"`
	RequestedAt time.Time     `yaml:"requested_at"`
}

// LoadDeviceMemory reads the memory file at path.
// A missing or empty file yields ErrNoRememberedDevice.
func LoadDeviceMemory(path string) (DeviceMemory, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DeviceMemory{}, ErrNoRememberedDevice
	}
	if err != nil {
		return DeviceMemory{}, fmt.Errorf("failed to read device memory: %w", err)
	}

	var mem DeviceMemory
	if err := yaml.Unmarshal(data, &mem); err != nil {
		return DeviceMemory{}, fmt.Errorf("failed to parse device memory %s: %w", path, err)
	}
	if mem.Device.Address == "" {
		return DeviceMemory{}, ErrNoRememberedDevice
	}
	return mem, nil
}

// SaveDeviceMemory replaces the memory file at path.
func SaveDeviceMemory(path string, mem DeviceMemory) error {
	data, err := yaml.Marshal(&mem)
	if err != nil {
		return fmt.Errorf("failed to encode device memory: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write device memory: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write device memory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write device memory: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write device memory: %w", err)
	}
	return nil
}
