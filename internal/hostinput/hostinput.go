// Package hostinput implements host-side input capture frontends that feed
// events into an emulated virtio-input device.
package hostinput

import "github.com/ericcurtin/libkrun/internal/devices/virtio"

// Injector is the device-side surface a capture frontend feeds. Events
// passed in one call are staged atomically, so a frontend hands over a full
// report (updates plus SYN_REPORT) at once.
type Injector interface {
	SendEvents(events ...virtio.InputEvent)
}
