//go:build linux

package hostinput

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ericcurtin/libkrun/internal/devices/virtio"
)

// evdevEventSize is sizeof(struct input_event) on 64-bit kernels:
// 16 bytes of struct timeval, then type, code and value.
const evdevEventSize = 24

const eviocgrab = 0x40044590

// EvdevCapture reads Linux input_event records from a /dev/input/eventN
// device and forwards them to an injector, one SYN_REPORT-delimited report
// at a time so reports stay atomic end to end.
type EvdevCapture struct {
	f       *os.File
	grabbed bool
}

// OpenEvdev opens an evdev device node for capture.
func OpenEvdev(path string) (*EvdevCapture, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("hostinput: open evdev device: %w", err)
	}
	return &EvdevCapture{f: f}, nil
}

// Grab takes exclusive ownership of the device so captured events do not
// also reach the host.
func (c *EvdevCapture) Grab() error {
	if err := unix.IoctlSetInt(int(c.f.Fd()), eviocgrab, 1); err != nil {
		return fmt.Errorf("hostinput: grab %s: %w", c.f.Name(), err)
	}
	c.grabbed = true
	return nil
}

// Release drops exclusive ownership.
func (c *EvdevCapture) Release() error {
	if !c.grabbed {
		return nil
	}
	if err := unix.IoctlSetInt(int(c.f.Fd()), eviocgrab, 0); err != nil {
		return fmt.Errorf("hostinput: release %s: %w", c.f.Name(), err)
	}
	c.grabbed = false
	return nil
}

// Close releases the grab (if held) and closes the device.
func (c *EvdevCapture) Close() error {
	_ = c.Release()
	return c.f.Close()
}

// Run forwards device reports to the injector until a read error.
func (c *EvdevCapture) Run(inj Injector) error {
	buf := make([]byte, evdevEventSize)
	var report []virtio.InputEvent

	for {
		if _, err := c.f.Read(buf); err != nil {
			return fmt.Errorf("hostinput: read %s: %w", c.f.Name(), err)
		}

		ev := virtio.InputEvent{
			Type:  binary.LittleEndian.Uint16(buf[16:18]),
			Code:  binary.LittleEndian.Uint16(buf[18:20]),
			Value: binary.LittleEndian.Uint32(buf[20:24]),
		}

		switch ev.Type {
		case virtio.EV_KEY, virtio.EV_REL:
			report = append(report, ev)
		case virtio.EV_SYN:
			if ev.Code == virtio.SYN_REPORT && len(report) > 0 {
				report = append(report, ev)
				inj.SendEvents(report...)
				report = nil
			}
		default:
			// MSC and friends are not part of the emulated capability set.
		}
	}
}
