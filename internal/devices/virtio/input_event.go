package virtio

import (
	"encoding/binary"
	"fmt"
)

// inputEventSize is the wire size of a virtio_input_event record.
const inputEventSize = 8

// InputEvent is a single virtio-input event as seen on the wire:
//
//	struct virtio_input_event {
//	    le16 type;
//	    le16 code;
//	    le32 value;
//	}
type InputEvent struct {
	Type  uint16
	Code  uint16
	Value uint32
}

// SynReport returns the synchronization marker that terminates an atomic
// batch of input updates.
func SynReport() InputEvent {
	return InputEvent{Type: EV_SYN, Code: SYN_REPORT, Value: 0}
}

// KeyEvent returns a key press (pressed=true) or release event.
func KeyEvent(code uint16, pressed bool) InputEvent {
	value := uint32(0)
	if pressed {
		value = 1
	}
	return InputEvent{Type: EV_KEY, Code: code, Value: value}
}

// RelMotionEvent returns a relative motion event for the given axis. The
// signed delta is carried in the 32-bit value field unchanged.
func RelMotionEvent(axis uint16, delta int32) InputEvent {
	return InputEvent{Type: EV_REL, Code: axis, Value: uint32(delta)}
}

// Encode serializes the event into its fixed 8-byte wire form.
func (e InputEvent) Encode() [inputEventSize]byte {
	var buf [inputEventSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], e.Type)
	binary.LittleEndian.PutUint16(buf[2:4], e.Code)
	binary.LittleEndian.PutUint32(buf[4:8], e.Value)
	return buf
}

// DecodeInputEvent parses an 8-byte wire record into an InputEvent.
func DecodeInputEvent(data []byte) (InputEvent, error) {
	if len(data) < inputEventSize {
		return InputEvent{}, fmt.Errorf("virtio-input: short event record (%d bytes)", len(data))
	}
	return InputEvent{
		Type:  binary.LittleEndian.Uint16(data[0:2]),
		Code:  binary.LittleEndian.Uint16(data[2:4]),
		Value: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}
