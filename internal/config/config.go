// Package config loads the platform configuration of the strider binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/driver"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

const (
	KindCPU         = "cpu"
	KindAccelerator = "accelerator"
)

type Config struct {
	Logger struct {
		Level string `yaml:"level"`
	} `yaml:"logger"`
	Queue struct {
		Mode string `yaml:"mode"`
	} `yaml:"queue"`
	Devices []Device `yaml:"devices"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
	Flight struct {
		Listen string `yaml:"listen"`
	} `yaml:"flight"`
	Tracing struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"tracing"`
}

// Device configures one device. The first device must be the CPU.
type Device struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Queues   int    `yaml:"queues"`
	Capacity string `yaml:"capacity"`
	UseGPU   bool   `yaml:"useGpu"`
	// Decline lists operations the emulated accelerator reports as
	// unsupported.
	Decline []string `yaml:"decline"`
}

// Default returns a configuration with a single CPU device.
func Default() *Config {
	c := &Config{}
	c.Logger.Level = "info"
	c.Queue.Mode = "async"
	c.Metrics.Listen = ":9090"
	c.Devices = []Device{{Name: "cpu", Kind: KindCPU, Queues: 1}}
	return c
}

// Load reads and validates the YAML file at path. Missing fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load on YAML already in memory.
func Parse(data []byte) (*Config, error) {
	c := Default()
	c.Devices = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if len(c.Devices) == 0 {
		c.Devices = Default().Devices
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate normalizes enumerated fields and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	c.Logger.Level = fold(c.Logger.Level)
	if _, err := zerolog.ParseLevel(c.Logger.Level); err != nil {
		invalid("logger.level %q", c.Logger.Level)
	}
	c.Queue.Mode = fold(c.Queue.Mode)
	if c.Queue.Mode != "async" && c.Queue.Mode != "sync" {
		invalid("queue.mode %q, want async or sync", c.Queue.Mode)
	}

	if len(c.Devices) == 0 {
		invalid("no devices")
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		d.Kind = fold(d.Kind)
		if d.Kind == "" {
			d.Kind = KindCPU
		}
		switch {
		case d.Kind != KindCPU && d.Kind != KindAccelerator:
			invalid("devices[%d].kind %q", i, d.Kind)
		case i == 0 && d.Kind != KindCPU:
			invalid("devices[0] must be the cpu")
		case i > 0 && d.Kind == KindCPU:
			invalid("devices[%d]: only one cpu device is allowed", i)
		}
		if d.Queues < 0 {
			invalid("devices[%d].queues %d", i, d.Queues)
		}
		if _, err := ParseBytes(d.Capacity); err != nil {
			invalid("devices[%d].capacity: %v", i, err)
		}
		if d.Kind == KindCPU && len(d.Decline) > 0 {
			invalid("devices[%d]: decline applies to accelerators only", i)
		}
		for j, op := range d.Decline {
			d.Decline[j] = fold(op)
			if _, err := declineOption(d.Decline[j]); err != nil {
				invalid("devices[%d].decline: %v", i, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogLevel returns the configured zerolog level.
func (c *Config) LogLevel() zerolog.Level {
	l, err := zerolog.ParseLevel(c.Logger.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

// QueueMode returns the configured queue mode.
func (c *Config) QueueMode() device.QueueMode {
	if c.Queue.Mode == "sync" {
		return device.Sync
	}
	return device.Async
}

// DeviceSpecs builds the platform description. Accelerators are backed by
// the emulated host driver.
func (c *Config) DeviceSpecs(logger zerolog.Logger) ([]device.DeviceSpec, error) {
	specs := make([]device.DeviceSpec, 0, len(c.Devices))
	for _, d := range c.Devices {
		capacity, err := ParseBytes(d.Capacity)
		if err != nil {
			return nil, err
		}
		spec := device.DeviceSpec{
			Name:     d.Name,
			Queues:   d.Queues,
			Capacity: capacity,
		}
		if d.Kind == KindAccelerator {
			opts := []driver.Option{driver.WithLogger(logger)}
			for _, op := range d.Decline {
				opt, err := declineOption(op)
				if err != nil {
					return nil, err
				}
				opts = append(opts, opt)
			}
			spec.Accelerator = true
			spec.UseGPU = d.UseGPU
			spec.Driver = driver.NewHost(opts...)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func declineOption(op string) (driver.Option, error) {
	if r, err := device.ParseReduceOp(op); err == nil {
		return driver.DeclineReduce(r), nil
	}
	if e, err := device.ParseElementwiseOp(op); err == nil {
		return driver.DeclineElementwise(e), nil
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// ParseBytes converts sizes such as 4GB, 512MB, 64k or 1024 to bytes. An
// empty string or 0 means unlimited and returns 0.
func ParseBytes(s string) (int64, error) {
	s = fold(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	var val int64
	var unit string
	n, _ := fmt.Sscanf(s, "%d%s", &val, &unit)
	if n == 0 || val < 0 {
		return 0, fmt.Errorf("bad size %q", s)
	}

	switch unit {
	case "", "b":
		return val, nil
	case "kb", "k":
		return val << 10, nil
	case "mb", "m":
		return val << 20, nil
	case "gb", "g":
		return val << 30, nil
	case "tb", "t":
		return val << 40, nil
	default:
		return 0, fmt.Errorf("bad size unit %q", unit)
	}
}
