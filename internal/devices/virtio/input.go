package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const (
	inputQueueCount = 2
	inputQueueSize  = 256

	inputQueueEvent  = 0
	inputQueueStatus = 1
)

// ErrAlreadyActivated is returned by Activate after the device has made its
// one-way transition to the activated state.
var ErrAlreadyActivated = errors.New("virtio-input: device already activated")

// Input is a virtio-input device emulating a keyboard or a mouse. The guest
// discovers its identity and capabilities through config-space selector
// queries and receives events over the event queue; the host feeds events in
// through the Send* injection surface, which may run on any goroutine.
type Input struct {
	ident      InputIdentity
	deviceName string

	queues        []*VirtQueue
	availFeatures uint64
	ackedFeatures uint64

	config *configNegotiator
	buffer *eventBuffer

	// mu serializes activation state and queue dispatch between the bus
	// context and host injection goroutines. The event buffer has its own
	// lock; mu is never held while that lock is taken for a push.
	mu    sync.Mutex
	state deviceState
}

// NewKeyboard creates a virtio-input keyboard with the default identity.
func NewKeyboard() (*Input, error) {
	return NewInput(DeviceKeyboard, "virtio-keyboard", "keyboard-1")
}

// NewMouse creates a virtio-input mouse with the default identity.
func NewMouse() (*Input, error) {
	return NewInput(DeviceMouse, "virtio-mouse", "mouse-1")
}

// NewInput creates a virtio-input device with a custom name and serial.
func NewInput(class DeviceClass, name, serial string) (*Input, error) {
	if _, ok := deviceClasses[class]; !ok {
		return nil, fmt.Errorf("virtio-input: unknown device class %d", class)
	}
	if name == "" {
		return nil, fmt.Errorf("virtio-input: device name must not be empty")
	}

	queues := make([]*VirtQueue, inputQueueCount)
	for i := range queues {
		queues[i] = NewVirtQueue(inputQueueSize)
	}

	ident := newInputIdentity(class, name, serial)
	return &Input{
		ident:         ident,
		deviceName:    fmt.Sprintf("virtio-input-%s", name),
		queues:        queues,
		availFeatures: VIRTIO_F_VERSION_1,
		config:        newConfigNegotiator(ident),
		buffer:        newEventBuffer(defaultEventBufferCap),
	}, nil
}

// Identity returns the device's immutable identity.
func (in *Input) Identity() InputIdentity {
	return in.ident
}

// DeviceType implements VirtioDevice.
func (in *Input) DeviceType() uint32 {
	return VIRTIO_ID_INPUT
}

// DeviceName implements VirtioDevice.
func (in *Input) DeviceName() string {
	return in.deviceName
}

// Queues implements VirtioDevice.
func (in *Input) Queues() []*VirtQueue {
	return in.queues
}

// AvailFeatures implements VirtioDevice.
func (in *Input) AvailFeatures() uint64 {
	return in.availFeatures
}

// AckedFeatures implements VirtioDevice.
func (in *Input) AckedFeatures() uint64 {
	return in.ackedFeatures
}

// SetAckedFeatures implements VirtioDevice. Feature bits the device never
// offered are clamped away rather than stored.
func (in *Input) SetAckedFeatures(features uint64) {
	if extra := features &^ in.availFeatures; extra != 0 {
		slog.Warn("virtio-input: driver acked unoffered features", "device", in.deviceName, "bits", fmt.Sprintf("%#x", extra))
	}
	in.ackedFeatures = features & in.availFeatures
}

// ReadConfig implements VirtioDevice.
func (in *Input) ReadConfig(offset uint64, data []byte) {
	n := in.config.handleRead(offset, data)
	clear(data[n:])
}

// WriteConfig implements VirtioDevice.
func (in *Input) WriteConfig(offset uint64, data []byte) {
	in.config.handleWrite(offset, data)
}

// IsActivated implements VirtioDevice.
func (in *Input) IsActivated() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state.isActivated()
}

// Activate implements VirtioDevice. It attaches guest memory to the queues
// and enables event dispatch. The transition happens exactly once; repeat
// calls are rejected.
func (in *Input) Activate(mem GuestMemory, irq InterruptTransport) error {
	if mem == nil {
		return fmt.Errorf("virtio-input: activate with nil guest memory")
	}
	if irq == nil {
		return fmt.Errorf("virtio-input: activate with nil interrupt transport")
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state.isActivated() {
		return ErrAlreadyActivated
	}
	in.state = deviceState{mem: mem, irq: irq}
	for _, q := range in.queues {
		q.Attach(mem)
	}
	return nil
}

// Reset implements VirtioDevice. Pending events are discarded and the device
// returns to its pre-activation state.
func (in *Input) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.buffer.discardAll()
	in.config.reset()
	in.ackedFeatures = 0
	in.state = deviceState{}
	for _, q := range in.queues {
		q.Reset()
	}
}

// QueueNotify implements VirtioDevice.
func (in *Input) QueueNotify(queueIdx int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.state.isActivated() {
		slog.Debug("virtio-input: queue notify before activation", "device", in.deviceName, "queue", queueIdx)
		return nil
	}

	switch queueIdx {
	case inputQueueEvent:
		return in.deliverPendingLocked()
	case inputQueueStatus:
		return in.drainStatusQueueLocked()
	default:
		slog.Warn("virtio-input: notify for unknown queue", "device", in.deviceName, "queue", queueIdx)
		return nil
	}
}

// SendEvent appends a host-originated event and attempts delivery. Safe to
// call from any goroutine.
func (in *Input) SendEvent(event InputEvent) {
	in.buffer.push(event)
	in.kick()
}

// SendEvents appends a batch of events atomically: a drain either takes the
// whole batch or leaves it. Use this for updates that must reach the guest
// together with their SYN_REPORT.
func (in *Input) SendEvents(events ...InputEvent) {
	in.buffer.push(events...)
	in.kick()
}

// SendKey injects a key or button transition together with its terminating
// synchronization marker.
func (in *Input) SendKey(code uint16, pressed bool) {
	in.SendEvents(KeyEvent(code, pressed), SynReport())
}

// SendRelMotion injects relative pointer motion on one axis. The caller is
// expected to follow a motion burst with SendSynReport.
func (in *Input) SendRelMotion(axis uint16, delta int32) {
	in.SendEvents(RelMotionEvent(axis, delta))
}

// SendSynReport injects a synchronization marker terminating the current
// batch of updates.
func (in *Input) SendSynReport() {
	in.SendEvents(SynReport())
}

// DroppedEvents reports how many events were discarded because the guest
// stalled and the staging buffer hit its bound.
func (in *Input) DroppedEvents() uint64 {
	return in.buffer.droppedCount()
}

// PendingEvents reports how many events await delivery.
func (in *Input) PendingEvents() int {
	return in.buffer.len()
}

// kick runs the dispatcher if the device is activated. Push-time delivery is
// what lets host events reach the guest without waiting for the next driver
// kick on the event queue.
func (in *Input) kick() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.state.isActivated() {
		return
	}
	if err := in.deliverPendingLocked(); err != nil {
		slog.Error("virtio-input: event delivery failed", "device", in.deviceName, "err", err)
	}
}

// deliverPendingLocked drains staged events into guest descriptors. Events
// that cannot be delivered (no descriptors) go back to the front of the
// buffer in order and are retried on the next kick. Called with mu held.
func (in *Input) deliverPendingLocked() error {
	q := in.queues[inputQueueEvent]
	if !q.Ready || q.Size == 0 {
		return nil
	}

	batch := in.buffer.drain(int(q.Size))
	var used int

	i := 0
	for i < len(batch) {
		head, ok, err := q.GetAvailableBuffer()
		if err != nil {
			in.buffer.requeue(batch[i:])
			return err
		}
		if !ok {
			in.buffer.requeue(batch[i:])
			break
		}

		desc, found, err := writableEventDescriptor(q, head)
		if err != nil {
			in.buffer.requeue(batch[i:])
			return err
		}
		if !found {
			// Misprovided buffer: consume it with zero length and retry
			// the same event on the next descriptor.
			slog.Error("virtio-input: guest event buffer too small", "device", in.deviceName)
			if err := q.PutUsedBuffer(head, 0); err != nil {
				in.buffer.requeue(batch[i:])
				return err
			}
			used++
			continue
		}

		data := batch[i].Encode()
		if err := q.WriteGuest(desc.Addr, data[:]); err != nil {
			in.buffer.requeue(batch[i:])
			return err
		}
		if err := q.PutUsedBuffer(head, inputEventSize); err != nil {
			in.buffer.requeue(batch[i:])
			return err
		}
		used++
		i++
	}

	if used > 0 && !q.InterruptSuppressed() {
		if err := in.state.irq.Signal(); err != nil {
			return fmt.Errorf("virtio-input: signal interrupt: %w", err)
		}
	}
	return nil
}

// writableEventDescriptor finds the first device-writable descriptor in the
// chain that can hold one event record.
func writableEventDescriptor(q *VirtQueue, head uint16) (VirtQueueDescriptor, bool, error) {
	chain, err := q.ReadDescriptorChain(head)
	if err != nil {
		return VirtQueueDescriptor{}, false, err
	}
	for _, desc := range chain {
		if desc.IsWrite() && desc.Length >= inputEventSize {
			return desc, true, nil
		}
	}
	return VirtQueueDescriptor{}, false, nil
}

// drainStatusQueueLocked acknowledges guest feedback records (LED state and
// the like) without interpreting them. The queue must stay drainable so the
// driver never stalls on it. Called with mu held.
func (in *Input) drainStatusQueueLocked() error {
	q := in.queues[inputQueueStatus]
	if !q.Ready || q.Size == 0 {
		return nil
	}

	var acked int
	for {
		head, ok, err := q.GetAvailableBuffer()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := q.PutUsedBuffer(head, 0); err != nil {
			return err
		}
		acked++
	}

	if acked > 0 {
		slog.Debug("virtio-input: drained status queue", "device", in.deviceName, "entries", acked)
		if !q.InterruptSuppressed() {
			if err := in.state.irq.Signal(); err != nil {
				return fmt.Errorf("virtio-input: signal interrupt: %w", err)
			}
		}
	}
	return nil
}

var _ VirtioDevice = (*Input)(nil)
