package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/ericcurtin/libkrun/internal/devices/virtio"
	"github.com/ericcurtin/libkrun/internal/eventfd"
)

// Ring layout inside the demo's guest RAM.
const (
	ramSize       = 1 << 20
	descTableBase = 0x1000
	availRingBase = 0x2000
	usedRingBase  = 0x3000
	eventBufBase  = 0x10000

	queueSize = 256
	numBufs   = 64
)

// guestRAM is flat demo guest memory.
type guestRAM []byte

func (m guestRAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, fmt.Errorf("guest read out of range at %#x", off)
	}
	return copy(p, m[off:]), nil
}

func (m guestRAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, fmt.Errorf("guest write out of range at %#x", off)
	}
	return copy(m[off:], p), nil
}

// doorbell is the demo's interrupt transport. An eventfd when available,
// otherwise a no-op stand-in (the demo polls the used ring anyway).
type doorbell interface {
	virtio.InterruptTransport
	Consume() (uint64, error)
	Close() error
}

type noopDoorbell struct{}

func (noopDoorbell) Signal() error            { return nil }
func (noopDoorbell) Consume() (uint64, error) { return 0, nil }
func (noopDoorbell) Close() error             { return nil }

func newDoorbell() doorbell {
	efd, err := eventfd.New()
	if err != nil {
		slog.Debug("falling back to polling doorbell", "err", err)
		return noopDoorbell{}
	}
	return efd
}

// guestDriver plays the guest side of the event queue: it provisions 8-byte
// writable descriptors, watches the used ring, and recycles consumed buffers.
type guestDriver struct {
	dev       *virtio.Input
	ram       guestRAM
	irq       doorbell
	availIdx  uint16
	usedSeen  uint16
	closeFunc func()
}

// startDevice activates dev over fresh guest RAM and posts the initial
// batch of event buffers.
func startDevice(dev *virtio.Input) (*guestDriver, error) {
	d := &guestDriver{
		dev: dev,
		ram: make(guestRAM, ramSize),
		irq: newDoorbell(),
	}

	q := dev.Queues()[0]
	q.SetAddresses(descTableBase, availRingBase, usedRingBase)
	if err := q.SetSize(queueSize); err != nil {
		return nil, err
	}

	if err := dev.Activate(d.ram, d.irq); err != nil {
		return nil, err
	}
	q.Ready = true

	for i := uint16(0); i < numBufs; i++ {
		d.writeDescriptor(i)
		d.postAvail(i)
	}
	if err := dev.QueueNotify(0); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *guestDriver) close() {
	_ = d.irq.Close()
}

func (d *guestDriver) writeDescriptor(idx uint16) {
	const descFWrite = 2
	base := int64(descTableBase) + int64(idx)*16
	var desc [16]byte
	binary.LittleEndian.PutUint64(desc[0:8], uint64(eventBufBase+int(idx)*8))
	binary.LittleEndian.PutUint32(desc[8:12], 8)
	binary.LittleEndian.PutUint16(desc[12:14], descFWrite)
	d.mustWrite(desc[:], base)
}

func (d *guestDriver) postAvail(head uint16) {
	var entry [2]byte
	binary.LittleEndian.PutUint16(entry[:], head)
	d.mustWrite(entry[:], int64(availRingBase)+4+int64(d.availIdx%queueSize)*2)
	d.availIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], d.availIdx)
	d.mustWrite(idx[:], availRingBase+2)
}

// collectUsed drains the used ring, decoding each completed buffer back
// into the event the guest driver would hand to the input subsystem.
func (d *guestDriver) collectUsed() []virtio.InputEvent {
	_, _ = d.irq.Consume()

	var idxBuf [2]byte
	d.mustRead(idxBuf[:], usedRingBase+2)
	usedIdx := binary.LittleEndian.Uint16(idxBuf[:])

	var events []virtio.InputEvent
	for d.usedSeen != usedIdx {
		var elem [8]byte
		d.mustRead(elem[:], int64(usedRingBase)+4+int64(d.usedSeen%queueSize)*8)
		head := uint16(binary.LittleEndian.Uint32(elem[0:4]))
		length := binary.LittleEndian.Uint32(elem[4:8])
		d.usedSeen++

		if length < 8 {
			continue
		}
		var raw [8]byte
		d.mustRead(raw[:], int64(eventBufBase)+int64(head)*8)
		ev, err := virtio.DecodeInputEvent(raw[:])
		if err != nil {
			slog.Error("undecodable event record", "err", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// repostBuffers returns all consumed buffers to the available ring and
// kicks the device so requeued events flow.
func (d *guestDriver) repostBuffers() {
	recycled := false
	for d.availIdx != d.usedSeen+numBufs {
		d.postAvail(d.availIdx % numBufs)
		recycled = true
	}
	if recycled {
		if err := d.dev.QueueNotify(0); err != nil {
			slog.Error("queue notify failed", "err", err)
		}
	}
}

func (d *guestDriver) mustRead(p []byte, off int64) {
	if _, err := d.ram.ReadAt(p, off); err != nil {
		panic(err)
	}
}

func (d *guestDriver) mustWrite(p []byte, off int64) {
	if _, err := d.ram.WriteAt(p, off); err != nil {
		panic(err)
	}
}

var _ io.ReaderAt = guestRAM(nil)
