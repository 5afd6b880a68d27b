package virtio

// Virtio device type identifiers (virtio spec 5).
// Common values:
//
//	 1 = network card
//	 2 = block device
//	 3 = console
//	 9 = filesystem
//	18 = input device
const (
	VIRTIO_ID_INPUT = 18
)

// VIRTIO_F_VERSION_1 indicates compliance with the virtio 1.0 spec.
const VIRTIO_F_VERSION_1 = uint64(1) << 32

// VirtioDevice is the contract a device exposes to the surrounding device
// bus. The bus owns transport-level concerns (MMIO/PCI register layout, the
// generic feature handshake, queue address programming); the device owns its
// queues, config space and activation state.
//
// All methods except Activate and the host-facing injection surface are
// called on the single device-emulation context serialized by the bus.
type VirtioDevice interface {
	// DeviceType returns the virtio device type identifier.
	DeviceType() uint32

	// DeviceName returns a stable name for logs and bus bookkeeping.
	DeviceName() string

	// Queues returns the device's virtqueues, indexed by queue number.
	Queues() []*VirtQueue

	// AvailFeatures returns the feature bits the device offers.
	AvailFeatures() uint64

	// AckedFeatures returns the feature bits the driver has acknowledged.
	AckedFeatures() uint64

	// SetAckedFeatures records the driver's feature selection. Bits the
	// device never offered are clamped away.
	SetAckedFeatures(features uint64)

	// ReadConfig copies device config space starting at offset into data.
	ReadConfig(offset uint64, data []byte)

	// WriteConfig applies a driver write to device config space.
	WriteConfig(offset uint64, data []byte)

	// IsActivated reports whether the bus has activated the device.
	IsActivated() bool

	// Activate hands the device its guest memory accessor and interrupt
	// doorbell once the bus has finished feature negotiation and queue
	// setup. The transition happens exactly once.
	Activate(mem GuestMemory, irq InterruptTransport) error

	// QueueNotify signals that the driver kicked the given queue.
	QueueNotify(queueIdx int) error

	// Reset returns the device to its pre-activation state.
	Reset()
}

// deviceState tracks the one-way Inactive -> Activated transition. The
// device is activated exactly when it holds its guest memory accessor and
// interrupt transport.
type deviceState struct {
	mem GuestMemory
	irq InterruptTransport
}

func (s *deviceState) isActivated() bool {
	return s.mem != nil
}
