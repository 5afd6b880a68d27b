package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type testIRQ struct {
	signals int
}

func (i *testIRQ) Signal() error {
	i.signals++
	return nil
}

// newActivatedInput builds an input device with a ready event queue over
// test RAM, returning the guest-side driver harness.
func newActivatedInput(t *testing.T, class DeviceClass) (*Input, *testDriver, *testIRQ) {
	t.Helper()
	in, err := NewInput(class, "virtio-"+class.String(), class.String()+"-1")
	if err != nil {
		t.Fatalf("NewInput: %v", err)
	}

	ram := newTestRAM()
	d := newTestDriver(ram)
	irq := &testIRQ{}

	q := in.Queues()[inputQueueEvent]
	q.SetAddresses(testDescTable, testAvailRing, testUsedRing)
	if err := q.SetSize(queueTestSize); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if err := in.Activate(ram, irq); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	q.Ready = true
	return in, d, irq
}

func TestNewInputValidation(t *testing.T) {
	if _, err := NewInput(DeviceClass(99), "x", "y"); err == nil {
		t.Error("unknown device class accepted")
	}
	if _, err := NewInput(DeviceKeyboard, "", "y"); err == nil {
		t.Error("empty device name accepted")
	}
}

func TestDeviceMetadata(t *testing.T) {
	in, err := NewKeyboard()
	if err != nil {
		t.Fatalf("NewKeyboard: %v", err)
	}
	if in.DeviceType() != VIRTIO_ID_INPUT {
		t.Errorf("DeviceType = %d, want %d", in.DeviceType(), VIRTIO_ID_INPUT)
	}
	if in.DeviceName() != "virtio-input-virtio-keyboard" {
		t.Errorf("DeviceName = %q", in.DeviceName())
	}
	if len(in.Queues()) != inputQueueCount {
		t.Fatalf("queue count = %d, want %d", len(in.Queues()), inputQueueCount)
	}
	for i, q := range in.Queues() {
		if q.MaxSize != inputQueueSize {
			t.Errorf("queue %d max size = %d, want %d", i, q.MaxSize, inputQueueSize)
		}
	}
	if in.Identity().Product != 1 {
		t.Errorf("keyboard product = %d, want 1", in.Identity().Product)
	}
}

func TestActivationLifecycle(t *testing.T) {
	in, err := NewMouse()
	if err != nil {
		t.Fatalf("NewMouse: %v", err)
	}
	if in.IsActivated() {
		t.Fatal("activated before Activate")
	}

	ram := newTestRAM()
	irq := &testIRQ{}
	if err := in.Activate(ram, irq); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !in.IsActivated() {
		t.Fatal("not activated after Activate")
	}

	if err := in.Activate(ram, irq); !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("second Activate = %v, want ErrAlreadyActivated", err)
	}

	// Still activated after ordinary operation.
	in.SendKey(KEY_A, true)
	_ = in.QueueNotify(inputQueueEvent)
	if !in.IsActivated() {
		t.Fatal("activation state lost")
	}
}

func TestActivateRejectsNil(t *testing.T) {
	in, _ := NewKeyboard()
	if err := in.Activate(nil, &testIRQ{}); err == nil {
		t.Error("nil memory accepted")
	}
	if err := in.Activate(newTestRAM(), nil); err == nil {
		t.Error("nil interrupt transport accepted")
	}
	if in.IsActivated() {
		t.Error("device activated by rejected call")
	}
}

func TestAckedFeaturesClamped(t *testing.T) {
	in, _ := NewKeyboard()
	if in.AvailFeatures() != VIRTIO_F_VERSION_1 {
		t.Fatalf("avail features = %#x", in.AvailFeatures())
	}

	in.SetAckedFeatures(in.AvailFeatures() | 1<<5)
	if got := in.AckedFeatures(); got&^in.AvailFeatures() != 0 {
		t.Fatalf("acked features %#x not a subset of avail %#x", got, in.AvailFeatures())
	}
	if got := in.AckedFeatures(); got != VIRTIO_F_VERSION_1 {
		t.Fatalf("acked features = %#x, want VERSION_1", got)
	}
}

func TestConfigSpaceEndToEnd(t *testing.T) {
	cases := []struct {
		class   DeviceClass
		product uint16
	}{
		{DeviceKeyboard, 1},
		{DeviceMouse, 2},
	}
	for _, tc := range cases {
		in, err := NewInput(tc.class, "dev", "serial")
		if err != nil {
			t.Fatalf("NewInput: %v", err)
		}
		in.WriteConfig(0, []byte{VIRTIO_INPUT_CFG_ID_DEVIDS, 0})

		var record [configSpaceSize]byte
		in.ReadConfig(0, record[:])
		if record[2] != 8 {
			t.Fatalf("%v: size = %d, want 8", tc.class, record[2])
		}
		if product := binary.LittleEndian.Uint16(record[12:14]); product != tc.product {
			t.Fatalf("%v: product = %d, want %d", tc.class, product, tc.product)
		}
	}
}

func TestReadConfigZeroFillsTail(t *testing.T) {
	in, _ := NewKeyboard()
	in.WriteConfig(0, []byte{VIRTIO_INPUT_CFG_ID_DEVIDS, 0})

	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = 0xaa
	}
	in.ReadConfig(configSpaceSize-8, buf)
	if !bytes.Equal(buf[8:], make([]byte, 8)) {
		t.Fatalf("tail not zeroed: %x", buf)
	}
}

func TestPushDeliversWhenActivated(t *testing.T) {
	in, d, irq := newActivatedInput(t, DeviceKeyboard)
	d.postEventBuffer(0)
	d.postEventBuffer(1)
	if err := in.QueueNotify(inputQueueEvent); err != nil {
		t.Fatalf("QueueNotify: %v", err)
	}

	// No driver kick after this: the push itself must dispatch.
	in.SendKey(KEY_B, true)

	if got := d.usedIdx(); got != 2 {
		t.Fatalf("used idx = %d, want 2", got)
	}
	key, err := DecodeInputEvent(d.bufferBytes(0))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if key != KeyEvent(KEY_B, true) {
		t.Fatalf("first event = %+v", key)
	}
	syn, _ := DecodeInputEvent(d.bufferBytes(1))
	if syn != SynReport() {
		t.Fatalf("second event = %+v, want SYN_REPORT", syn)
	}
	if irq.signals == 0 {
		t.Fatal("guest never notified")
	}
	if in.PendingEvents() != 0 {
		t.Fatalf("pending = %d", in.PendingEvents())
	}
}

func TestEventsBufferedUntilDescriptorsArrive(t *testing.T) {
	in, d, irq := newActivatedInput(t, DeviceKeyboard)

	in.SendKey(KEY_C, true)
	if got := in.PendingEvents(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if irq.signals != 0 {
		t.Fatal("interrupt raised with nothing delivered")
	}

	d.postEventBuffer(0)
	d.postEventBuffer(1)
	if err := in.QueueNotify(inputQueueEvent); err != nil {
		t.Fatalf("QueueNotify: %v", err)
	}

	if got := d.usedIdx(); got != 2 {
		t.Fatalf("used idx = %d, want 2", got)
	}
	if in.PendingEvents() != 0 {
		t.Fatalf("pending = %d after delivery", in.PendingEvents())
	}
}

func TestPartialDeliveryPreservesOrder(t *testing.T) {
	in, d, _ := newActivatedInput(t, DeviceKeyboard)
	d.postEventBuffer(0)

	// Two events, one descriptor: the SYN stays queued.
	in.SendKey(KEY_D, true)
	if got := d.usedIdx(); got != 1 {
		t.Fatalf("used idx = %d, want 1", got)
	}
	if got := in.PendingEvents(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	d.postEventBuffer(1)
	if err := in.QueueNotify(inputQueueEvent); err != nil {
		t.Fatalf("QueueNotify: %v", err)
	}
	syn, _ := DecodeInputEvent(d.bufferBytes(1))
	if syn != SynReport() {
		t.Fatalf("requeued event = %+v, want SYN_REPORT", syn)
	}
}

func TestUndersizedBufferConsumedAndRetried(t *testing.T) {
	in, d, _ := newActivatedInput(t, DeviceKeyboard)

	// Descriptor 0 is too small to hold an event; descriptor 1 is fine.
	d.writeDescriptor(0, testBufBase, 4, virtqDescFWrite, 0)
	d.postAvail(0)
	d.postEventBuffer(1)

	in.SendEvents(SynReport())

	if got := d.usedIdx(); got != 2 {
		t.Fatalf("used idx = %d, want 2", got)
	}
	head, length := d.usedElem(0)
	if head != 0 || length != 0 {
		t.Fatalf("small buffer used as (%d, %d), want (0, 0)", head, length)
	}
	head, length = d.usedElem(1)
	if head != 1 || length != inputEventSize {
		t.Fatalf("event buffer used as (%d, %d)", head, length)
	}
	ev, _ := DecodeInputEvent(d.bufferBytes(1))
	if ev != SynReport() {
		t.Fatalf("delivered event = %+v", ev)
	}
}

func TestInterruptSuppression(t *testing.T) {
	in, d, irq := newActivatedInput(t, DeviceKeyboard)
	d.suppressInterrupts()
	d.postEventBuffer(0)

	in.SendEvents(SynReport())

	if got := d.usedIdx(); got != 1 {
		t.Fatalf("used idx = %d, want 1", got)
	}
	if irq.signals != 0 {
		t.Fatal("interrupt raised despite VIRTQ_AVAIL_F_NO_INTERRUPT")
	}
}

func TestSendBeforeActivationIsSafe(t *testing.T) {
	in, err := NewKeyboard()
	if err != nil {
		t.Fatalf("NewKeyboard: %v", err)
	}
	in.SendKey(KEY_E, true)
	if got := in.PendingEvents(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if err := in.QueueNotify(inputQueueEvent); err != nil {
		t.Fatalf("QueueNotify before activation: %v", err)
	}
}

func TestStatusQueueDrained(t *testing.T) {
	in, _, irq := newActivatedInput(t, DeviceKeyboard)

	sd := newTestDriverAt(in.Queues()[inputQueueStatus].mem.(testRAM), 0x4000, 0x5000, 0x6000, 0x20000)
	sq := in.Queues()[inputQueueStatus]
	sq.SetAddresses(0x4000, 0x5000, 0x6000)
	if err := sq.SetSize(queueTestSize); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	sq.Ready = true

	sd.postStatusBuffer(0)
	sd.postStatusBuffer(1)
	if err := in.QueueNotify(inputQueueStatus); err != nil {
		t.Fatalf("QueueNotify: %v", err)
	}

	if got := sd.usedIdx(); got != 2 {
		t.Fatalf("status used idx = %d, want 2", got)
	}
	if _, length := sd.usedElem(0); length != 0 {
		t.Fatalf("status entry length = %d, want 0", length)
	}
	if irq.signals == 0 {
		t.Fatal("status drain never notified guest")
	}
}

func TestQueueNotifyUnknownQueue(t *testing.T) {
	in, _, _ := newActivatedInput(t, DeviceKeyboard)
	if err := in.QueueNotify(7); err != nil {
		t.Fatalf("unknown queue notify: %v", err)
	}
}

func TestResetDiscardsState(t *testing.T) {
	in, _, _ := newActivatedInput(t, DeviceMouse)
	in.SetAckedFeatures(VIRTIO_F_VERSION_1)
	in.SendRelMotion(REL_X, 3)
	in.WriteConfig(0, []byte{VIRTIO_INPUT_CFG_ID_NAME, 0})

	in.Reset()

	if in.IsActivated() {
		t.Error("still activated after reset")
	}
	if in.PendingEvents() != 0 {
		t.Errorf("pending = %d after reset", in.PendingEvents())
	}
	if in.AckedFeatures() != 0 {
		t.Errorf("acked features = %#x after reset", in.AckedFeatures())
	}
	var record [4]byte
	in.ReadConfig(0, record[:])
	if record[0] != 0 || record[2] != 0 {
		t.Errorf("config record survived reset: %x", record)
	}
}

func TestBackpressureDropCounter(t *testing.T) {
	in, _, _ := newActivatedInput(t, DeviceMouse)
	// Queue is ready but the driver posted no descriptors, so everything
	// stays staged until the bound kicks in.
	for i := 0; i < defaultEventBufferCap+10; i++ {
		in.SendRelMotion(REL_X, 1)
	}
	if got := in.DroppedEvents(); got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
	if got := in.PendingEvents(); got != defaultEventBufferCap {
		t.Fatalf("pending = %d, want %d", got, defaultEventBufferCap)
	}
}
