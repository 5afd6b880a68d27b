package virtio

import (
	"encoding/binary"
	"log/slog"
)

// Virtio input config selectors (virtio spec 5.8.4).
const (
	VIRTIO_INPUT_CFG_UNSET     = 0x00
	VIRTIO_INPUT_CFG_ID_NAME   = 0x01
	VIRTIO_INPUT_CFG_ID_SERIAL = 0x02
	VIRTIO_INPUT_CFG_ID_DEVIDS = 0x03
	VIRTIO_INPUT_CFG_PROP_BITS = 0x10
	VIRTIO_INPUT_CFG_EV_BITS   = 0x11
	VIRTIO_INPUT_CFG_ABS_INFO  = 0x12
)

// Input device bus types.
const (
	BUS_PCI     = 0x01
	BUS_VIRTUAL = 0x06
)

// virtioVendorID is the Red Hat vendor id used by all virtio input devices.
const virtioVendorID = 0x1af4

const (
	configPayloadSize = 128
	// select, subsel, size, reserved[5], then the payload union.
	configSpaceSize = 8 + configPayloadSize
)

// DeviceClass selects the emulated input device variant.
type DeviceClass int

const (
	DeviceKeyboard DeviceClass = iota
	DeviceMouse
)

func (c DeviceClass) String() string {
	switch c {
	case DeviceKeyboard:
		return "keyboard"
	case DeviceMouse:
		return "mouse"
	}
	return "unknown"
}

// classTraits describes everything that differs between device classes. All
// class-dependent config behavior is table lookups against this record
// rather than per-function branching.
type classTraits struct {
	product uint16
	// evTypes is the set of event types advertised under EV_BITS subsel 0.
	// EV_SYN is implied and always added.
	evTypes []uint16
	// bitmaps maps an EV_BITS subsel to the capability bitmap builder for
	// that event type. The builder fills the payload and returns the
	// advertised size.
	bitmaps map[uint8]func(payload *[configPayloadSize]byte) uint8
}

var deviceClasses = map[DeviceClass]classTraits{
	DeviceKeyboard: {
		product: 1,
		evTypes: []uint16{EV_KEY, EV_REP},
		bitmaps: map[uint8]func(*[configPayloadSize]byte) uint8{
			EV_KEY: keyboardKeyBitmap,
			EV_REP: repeatBitmap,
		},
	},
	DeviceMouse: {
		product: 2,
		evTypes: []uint16{EV_KEY, EV_REL},
		bitmaps: map[uint8]func(*[configPayloadSize]byte) uint8{
			EV_KEY: mouseButtonBitmap,
			EV_REL: mouseRelBitmap,
		},
	},
}

// keyboardKeyBitmap advertises every key code. This is a deliberate
// simplification: the guest probes per-key support, and claiming all 1024
// codes keeps the table independent of the host keymap.
func keyboardKeyBitmap(payload *[configPayloadSize]byte) uint8 {
	for i := range payload {
		payload[i] = 0xff
	}
	return configPayloadSize
}

func repeatBitmap(payload *[configPayloadSize]byte) uint8 {
	setBitmapBit(payload, REP_DELAY)
	setBitmapBit(payload, REP_PERIOD)
	return 1
}

func mouseButtonBitmap(payload *[configPayloadSize]byte) uint8 {
	setBitmapBit(payload, BTN_LEFT)
	setBitmapBit(payload, BTN_RIGHT)
	setBitmapBit(payload, BTN_MIDDLE)
	// 24 bytes is what the guest driver expects for button ranges; the
	// button bits themselves live above that size in the raw payload.
	return 24
}

func mouseRelBitmap(payload *[configPayloadSize]byte) uint8 {
	setBitmapBit(payload, REL_X)
	setBitmapBit(payload, REL_Y)
	setBitmapBit(payload, REL_WHEEL)
	return 2
}

func setBitmapBit(payload *[configPayloadSize]byte, bit int) {
	byteIdx := bit / 8
	if byteIdx < len(payload) {
		payload[byteIdx] |= 1 << (bit % 8)
	}
}

// InputIdentity is the immutable identity of an emulated input device.
type InputIdentity struct {
	Class   DeviceClass
	Name    string
	Serial  string
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

func newInputIdentity(class DeviceClass, name, serial string) InputIdentity {
	return InputIdentity{
		Class:   class,
		Name:    name,
		Serial:  serial,
		BusType: BUS_VIRTUAL,
		Vendor:  virtioVendorID,
		Product: deviceClasses[class].product,
		Version: 1,
	}
}

// inputConfig is the current config-space page:
//
//	struct virtio_input_config {
//	    u8 select;
//	    u8 subsel;
//	    u8 size;
//	    u8 reserved[5];
//	    union { char string[128]; u8 bitmap[128]; ... } u;
//	}
//
// The payload is a raw byte buffer whose interpretation is fixed by the
// selector pair; it is only ever filled through the selector dispatch in
// build, never aliased as typed views.
type inputConfig struct {
	selector uint8
	subsel   uint8
	size     uint8
	payload  [configPayloadSize]byte
}

func (c *inputConfig) bytes() []byte {
	buf := make([]byte, configSpaceSize)
	buf[0] = c.selector
	buf[1] = c.subsel
	buf[2] = c.size
	copy(buf[8:], c.payload[:])
	return buf
}

// configNegotiator answers guest config-space queries against the selector
// table. It is a single-slot register: each select write replaces the whole
// cached record.
type configNegotiator struct {
	ident  InputIdentity
	record inputConfig
}

func newConfigNegotiator(ident InputIdentity) *configNegotiator {
	return &configNegotiator{ident: ident}
}

func (n *configNegotiator) reset() {
	n.record = inputConfig{}
}

// handleWrite processes a guest config-space write. Only a select pair
// written at offset 0 has any effect; everything else is guest misbehavior
// and is logged and ignored.
func (n *configNegotiator) handleWrite(offset uint64, data []byte) {
	if offset != 0 || len(data) < 2 {
		slog.Debug("virtio-input: ignoring config write", "offset", offset, "len", len(data))
		return
	}
	n.record = n.build(data[0], data[1])
}

// handleRead copies the cached record into data starting at offset and
// returns the number of bytes copied. Reads past the end of the record
// return zero bytes, never an error.
func (n *configNegotiator) handleRead(offset uint64, data []byte) int {
	cfg := n.record.bytes()
	if offset >= uint64(len(cfg)) {
		slog.Debug("virtio-input: config read past end", "offset", offset)
		return 0
	}
	return copy(data, cfg[offset:])
}

// build computes the config record for a selector pair. Unknown selectors
// and subsels that do not apply to the device class yield an empty record
// (size 0), which is how virtio-input signals "unsupported".
func (n *configNegotiator) build(selector, subsel uint8) inputConfig {
	cfg := inputConfig{selector: selector, subsel: subsel}

	switch selector {
	case VIRTIO_INPUT_CFG_ID_NAME:
		cfg.size = uint8(copy(cfg.payload[:], n.ident.Name))

	case VIRTIO_INPUT_CFG_ID_SERIAL:
		cfg.size = uint8(copy(cfg.payload[:], n.ident.Serial))

	case VIRTIO_INPUT_CFG_ID_DEVIDS:
		// struct virtio_input_devids { le16 bustype, vendor, product, version; }
		binary.LittleEndian.PutUint16(cfg.payload[0:2], n.ident.BusType)
		binary.LittleEndian.PutUint16(cfg.payload[2:4], n.ident.Vendor)
		binary.LittleEndian.PutUint16(cfg.payload[4:6], n.ident.Product)
		binary.LittleEndian.PutUint16(cfg.payload[6:8], n.ident.Version)
		cfg.size = 8

	case VIRTIO_INPUT_CFG_EV_BITS:
		traits := deviceClasses[n.ident.Class]
		if subsel == 0 {
			setBitmapBit(&cfg.payload, EV_SYN)
			for _, ev := range traits.evTypes {
				setBitmapBit(&cfg.payload, int(ev))
			}
			cfg.size = 1
			break
		}
		if builder, ok := traits.bitmaps[subsel]; ok {
			cfg.size = builder(&cfg.payload)
		}

	default:
		// PROP_BITS, ABS_INFO and anything unrecognized: empty record.
	}

	return cfg
}
