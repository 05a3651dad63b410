package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config represents the complete supervisor configuration.
type Config struct {
	Service   ServiceConfig  `yaml:"service"`
	WorkerBin string         `yaml:"worker_bin"`
	LockFile  string         `yaml:"lock_file,omitempty"`
	Workers   []WorkerConfig `yaml:"workers"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// WorkerConfig is the immutable record a worker is forked with. The same
// record travels to the child inside the IPC start message.
type WorkerConfig struct {
	ID          string            `yaml:"id,omitempty" json:"id,omitempty"`
	URLPrefix   string            `yaml:"url_prefix" json:"urlPrefix"`
	Host        string            `yaml:"host,omitempty" json:"host,omitempty"`
	Port        int               `yaml:"port,omitempty" json:"port,omitempty"`
	DynamicPort DynamicPort       `yaml:"dynamic_port,omitempty" json:"dynamicPort,omitempty"`
	Storage     string            `yaml:"storage" json:"storage"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// DynamicPort is the dynamic-port policy: disabled, enabled without a probe
// budget, or enabled with a bounded number of remaining attempts. It accepts
// a bare bool or an integer in both YAML and JSON.
type DynamicPort struct {
	Enabled  bool
	Attempts int // 0 means unbounded when Enabled
}

// UnmarshalYAML accepts `true`, `false`, or an attempt count.
func (d *DynamicPort) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		*d = DynamicPort{Enabled: b}
		return nil
	}
	var n int
	if err := value.Decode(&n); err == nil {
		if n < 0 {
			return fmt.Errorf("dynamic_port attempts must not be negative: %d", n)
		}
		*d = DynamicPort{Enabled: n > 0, Attempts: n}
		return nil
	}
	return fmt.Errorf("dynamic_port must be a bool or an attempt count")
}

// MarshalYAML emits the compact form.
func (d DynamicPort) MarshalYAML() (any, error) {
	if d.Attempts > 0 {
		return d.Attempts, nil
	}
	return d.Enabled, nil
}

// UnmarshalJSON mirrors the YAML behavior for the IPC wire form.
func (d *DynamicPort) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*d = DynamicPort{Enabled: true}
		return nil
	case "false", "null":
		*d = DynamicPort{}
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(string(data), "%d", &n); err != nil || n < 0 {
		return fmt.Errorf("dynamicPort must be a bool or an attempt count: %s", data)
	}
	*d = DynamicPort{Enabled: n > 0, Attempts: n}
	return nil
}

// MarshalJSON emits the compact form.
func (d DynamicPort) MarshalJSON() ([]byte, error) {
	if d.Attempts > 0 {
		return []byte(fmt.Sprintf("%d", d.Attempts)), nil
	}
	if d.Enabled {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "warden",
			LogLevel: "info",
		},
		WorkerBin: "./warden-worker",
		LockFile:  "./data/warden.pid",
	}
}
