// Package device models the compute resources a tensor operation runs on.
//
// A Platform owns an ordered list of devices. Device 0 is always the host CPU,
// whose memory is unified. Further devices are accelerators with discreet
// memory, driven through a Driver. Every operation runs on a Queue, an ordered
// and possibly asynchronous command stream belonging to one device.
package device

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrOutOfMemory is returned when a device cannot satisfy an allocation.
	ErrOutOfMemory = errors.New("device: out of memory")
	// ErrDeviceFault wraps any driver failure other than a capability gap.
	ErrDeviceFault = errors.New("device: fault")
	// ErrReleased is returned when accessing a buffer after Release.
	ErrReleased = errors.New("device: buffer released")
)

// MemoryType tells whether the host can address a device's memory directly.
type MemoryType int

const (
	// Unified memory is shared between host and device.
	Unified MemoryType = iota
	// Discreet memory is device exclusive and needs explicit copies.
	Discreet
)

func (m MemoryType) String() string {
	if m == Unified {
		return "unified"
	}
	return "discreet"
}

// QueueMode selects how a queue executes its commands.
type QueueMode int

const (
	// Async queues run commands on a dedicated worker goroutine.
	Async QueueMode = iota
	// Sync queues run each command inline in Enqueue. Useful when debugging.
	Sync
)

// DeviceSpec describes one device to create on a platform.
type DeviceSpec struct {
	Name        string
	Accelerator bool
	Queues      int
	// Capacity bounds the bytes that may be allocated at once. Zero means unbounded.
	Capacity int64
	// UseGPU routes operations through Driver instead of the CPU kernels.
	UseGPU bool
	Driver Driver
}

type platformOptions struct {
	logger    zerolog.Logger
	allocator memory.Allocator
	mode      QueueMode
}

// Option configures a Platform.
type Option func(*platformOptions)

// WithLogger sets the logger used by the platform and its devices.
func WithLogger(l zerolog.Logger) Option {
	return func(o *platformOptions) { o.logger = l }
}

// WithAllocator sets the allocator backing all device memory.
func WithAllocator(a memory.Allocator) Option {
	return func(o *platformOptions) { o.allocator = a }
}

// WithQueueMode sets the execution mode of every queue.
func WithQueueMode(m QueueMode) Option {
	return func(o *platformOptions) { o.mode = m }
}

// Platform is the set of devices available to a process.
type Platform struct {
	devices []*Device
	log     zerolog.Logger
}

// NewPlatform creates the devices described by specs. An empty list yields a
// single CPU device with one queue. The first device must be the CPU.
func NewPlatform(specs []DeviceSpec, opts ...Option) (*Platform, error) {
	o := platformOptions{
		logger:    log.Logger,
		allocator: memory.NewGoAllocator(),
		mode:      Async,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if len(specs) == 0 {
		specs = []DeviceSpec{{Name: "cpu", Queues: 1}}
	}
	if specs[0].Accelerator {
		return nil, fmt.Errorf("device: device 0 must be the cpu, got accelerator %q", specs[0].Name)
	}

	p := &Platform{log: o.logger}
	for i, s := range specs {
		if s.Queues <= 0 {
			s.Queues = 1
		}
		if s.Accelerator && s.Driver == nil {
			p.Close()
			return nil, fmt.Errorf("device: accelerator %q has no driver", s.Name)
		}
		if !s.Accelerator {
			s.UseGPU = false
		}
		p.devices = append(p.devices, newDevice(p, i, s, o))
	}

	p.log.Info().
		Int("devices", len(p.devices)).
		Str("mode", modeName(o.mode)).
		Msg("Platform initialized")
	return p, nil
}

// Devices returns the platform's devices, CPU first.
func (p *Platform) Devices() []*Device { return p.devices }

// CPU returns the host device.
func (p *Platform) CPU() *Device { return p.devices[0] }

// HostQueue returns the first queue of the host device.
func (p *Platform) HostQueue() *Queue { return p.devices[0].queues[0] }

// Queue returns queue q of device d.
func (p *Platform) Queue(d, q int) *Queue { return p.devices[d].queues[q] }

// Close drains and stops every queue.
func (p *Platform) Close() {
	for _, d := range p.devices {
		for _, q := range d.queues {
			q.Close()
		}
	}
}

// Device is one compute resource with its own memory and queues.
type Device struct {
	platform   *Platform
	id         int
	name       string
	memoryType MemoryType
	useGPU     bool
	driver     Driver
	queues     []*Queue
	alloc      memory.Allocator
	capacity   *semaphore.Weighted
	log        zerolog.Logger
}

func newDevice(p *Platform, id int, s DeviceSpec, o platformOptions) *Device {
	d := &Device{
		platform: p,
		id:       id,
		name:     s.Name,
		useGPU:   s.UseGPU,
		driver:   s.Driver,
		alloc:    o.allocator,
	}
	if d.name == "" {
		d.name = fmt.Sprintf("device%d", id)
	}
	if s.Accelerator {
		d.memoryType = Discreet
	}
	if s.Capacity > 0 {
		d.capacity = semaphore.NewWeighted(s.Capacity)
	}
	d.log = o.logger.With().Int("device", id).Str("name", d.name).Logger()
	for i := 0; i < s.Queues; i++ {
		d.queues = append(d.queues, newQueue(d, i, o.mode))
	}
	return d
}

func (d *Device) ID() int                { return d.id }
func (d *Device) Name() string           { return d.name }
func (d *Device) MemoryType() MemoryType { return d.memoryType }
func (d *Device) Queues() []*Queue       { return d.queues }
func (d *Device) Driver() Driver         { return d.driver }

func modeName(m QueueMode) string {
	if m == Sync {
		return "sync"
	}
	return "async"
}
