package device

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// DeviceMemory is a region of bytes owned by one device.
//
// Release must be called exactly once per region. Later calls are no-ops.
type DeviceMemory struct {
	Buffer []byte
	Type   MemoryType
	Device int

	release  func()
	once     sync.Once
	released atomic.Bool
}

// NewDeviceMemory wraps buf. release runs the first time Release is called.
func NewDeviceMemory(buf []byte, typ MemoryType, device int, release func()) *DeviceMemory {
	return &DeviceMemory{Buffer: buf, Type: typ, Device: device, release: release}
}

// Len returns the size of the region in bytes.
func (m *DeviceMemory) Len() int { return len(m.Buffer) }

// Release returns the region to its device.
func (m *DeviceMemory) Release() {
	m.once.Do(func() {
		m.released.Store(true)
		if m.release != nil {
			m.release()
		}
		m.Buffer = nil
	})
}

// Released reports whether Release has run.
func (m *DeviceMemory) Released() bool { return m.released.Load() }

// CopyFrom synchronously copies src into m. Both regions must be unified and
// the same size; discreet regions are copied with Queue.CopyAsync.
func (m *DeviceMemory) CopyFrom(src *DeviceMemory) {
	if m.Type != src.Type {
		panic(fmt.Sprintf("device: copy between %s and %s memory", src.Type, m.Type))
	}
	if m.Type != Unified {
		panic("device: synchronous copy of discreet memory")
	}
	if len(m.Buffer) != len(src.Buffer) {
		panic(fmt.Sprintf("device: copy size mismatch %d != %d", len(src.Buffer), len(m.Buffer)))
	}
	copy(m.Buffer, src.Buffer)
	copiesTotal.WithLabelValues(copyKind(src, m)).Inc()
}

// Allocate returns n bytes of zeroed memory on d.
func (d *Device) Allocate(n int) (*DeviceMemory, error) {
	if n < 0 {
		panic(fmt.Sprintf("device: negative allocation %d", n))
	}
	if d.capacity != nil && !d.capacity.TryAcquire(int64(n)) {
		allocationFailures.WithLabelValues(d.label()).Inc()
		return nil, fmt.Errorf("%w: %d bytes on %s", ErrOutOfMemory, n, d.name)
	}

	buf := d.alloc.Allocate(n)
	clear(buf)

	label := d.label()
	allocationsTotal.WithLabelValues(label).Inc()
	bytesInUse.WithLabelValues(label).Add(float64(n))
	d.log.Debug().Int("bytes", n).Msg("Allocated device memory")

	return NewDeviceMemory(buf, d.memoryType, d.id, func() {
		d.alloc.Free(buf)
		if d.capacity != nil {
			d.capacity.Release(int64(n))
		}
		releasesTotal.WithLabelValues(label).Inc()
		bytesInUse.WithLabelValues(label).Sub(float64(n))
		d.log.Debug().Int("bytes", n).Msg("Released device memory")
	}), nil
}

func (d *Device) label() string { return strconv.Itoa(d.id) }

func copyKind(src, dst *DeviceMemory) string {
	switch {
	case src.Type == Unified && dst.Type == Unified:
		return "host"
	case src.Type == Unified:
		return "host_to_device"
	case dst.Type == Unified:
		return "device_to_host"
	default:
		return "device_to_device"
	}
}
