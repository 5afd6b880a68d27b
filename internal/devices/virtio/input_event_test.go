package virtio

import "testing"

func TestInputEventRoundTrip(t *testing.T) {
	events := []InputEvent{
		{},
		{Type: EV_KEY, Code: 0, Value: 0},
		{Type: EV_KEY, Code: KEY_A, Value: 1},
		{Type: EV_REL, Code: REL_X, Value: 0xffffffff},
		{Type: EV_SYN, Code: SYN_REPORT, Value: 0},
		{Type: 0xffff, Code: 0xffff, Value: 0xffffffff},
	}
	for _, ev := range events {
		buf := ev.Encode()
		got, err := DecodeInputEvent(buf[:])
		if err != nil {
			t.Fatalf("decode %+v: %v", ev, err)
		}
		if got != ev {
			t.Errorf("round trip: got %+v, want %+v", got, ev)
		}
	}
}

func TestInputEventWireLayout(t *testing.T) {
	ev := InputEvent{Type: 0x0102, Code: 0x0304, Value: 0x05060708}
	buf := ev.Encode()
	want := [8]byte{0x02, 0x01, 0x04, 0x03, 0x08, 0x07, 0x06, 0x05}
	if buf != want {
		t.Fatalf("wire layout = %x, want %x", buf, want)
	}
}

func TestDecodeInputEventShort(t *testing.T) {
	if _, err := DecodeInputEvent([]byte{1, 2, 3}); err == nil {
		t.Fatal("short record accepted")
	}
}

func TestEventConstructors(t *testing.T) {
	if ev := SynReport(); ev.Type != EV_SYN || ev.Code != SYN_REPORT || ev.Value != 0 {
		t.Errorf("SynReport = %+v", ev)
	}
	if ev := KeyEvent(KEY_ENTER, true); ev.Type != EV_KEY || ev.Code != KEY_ENTER || ev.Value != 1 {
		t.Errorf("KeyEvent pressed = %+v", ev)
	}
	if ev := KeyEvent(KEY_ENTER, false); ev.Value != 0 {
		t.Errorf("KeyEvent released = %+v", ev)
	}
	if ev := RelMotionEvent(REL_Y, -5); ev.Type != EV_REL || ev.Code != REL_Y || ev.Value != 0xfffffffb {
		t.Errorf("RelMotionEvent = %+v", ev)
	}
}
