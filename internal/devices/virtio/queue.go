package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// GuestMemory provides access to guest physical memory. The mapping and
// address translation behind it belong to the VMM; queue code only needs
// flat reads and writes.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor flags (virtio spec 2.7.5).
const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2
)

// VirtQueueDescriptor is a single entry in a queue's descriptor table.
type VirtQueueDescriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// IsWrite reports whether the descriptor is device-writable.
func (d VirtQueueDescriptor) IsWrite() bool {
	return d.Flags&virtqDescFWrite != 0
}

// VirtQueue is a split-ring virtqueue as seen from the device side. The bus
// programs its addresses and size during setup; the guest memory accessor is
// attached at device activation.
type VirtQueue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// NewVirtQueue creates a queue with the given maximum size.
func NewVirtQueue(maxSize uint16) *VirtQueue {
	return &VirtQueue{MaxSize: maxSize}
}

// Attach connects the queue to guest memory.
func (q *VirtQueue) Attach(mem GuestMemory) {
	q.mem = mem
}

// Reset clears all ring state programmed by the driver.
func (q *VirtQueue) Reset() {
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.Size = 0
	q.Ready = false
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.mem = nil
}

// SetAddresses programs the ring addresses.
func (q *VirtQueue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
}

// SetSize sets the actual queue size negotiated by the driver.
func (q *VirtQueue) SetSize(size uint16) error {
	if size == 0 || size > q.MaxSize {
		return fmt.Errorf("virtio: queue size %d out of range (max %d)", size, q.MaxSize)
	}
	q.Size = size
	return nil
}

func (q *VirtQueue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	if q.mem == nil {
		return fmt.Errorf("virtio: queue has no guest memory accessor")
	}
	return nil
}

// GetAvailableBuffer pops the next available descriptor head, if any.
func (q *VirtQueue) GetAvailableBuffer() (head uint16, hasBuffer bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	availIdx, err := q.readGuestUint16(q.AvailRingAddr + 2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	head, err = q.readGuestUint16(q.AvailRingAddr + 4 + uint64(ringIndex)*2)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return head, true, nil
}

// ReadDescriptor reads one descriptor table entry.
func (q *VirtQueue) ReadDescriptor(idx uint16) (VirtQueueDescriptor, error) {
	if err := q.ensureReady(); err != nil {
		return VirtQueueDescriptor{}, err
	}
	if idx >= q.Size {
		return VirtQueueDescriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [16]byte
	if err := q.readGuestInto(q.DescTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return VirtQueueDescriptor{}, err
	}
	return VirtQueueDescriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// ReadDescriptorChain walks the chain starting at head. The walk is bounded
// by the queue size so a corrupt Next field cannot loop forever.
func (q *VirtQueue) ReadDescriptorChain(head uint16) ([]VirtQueueDescriptor, error) {
	var chain []VirtQueueDescriptor
	index := head
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return chain, err
		}
		chain = append(chain, desc)
		if desc.Flags&virtqDescFNext == 0 {
			break
		}
		index = desc.Next
	}
	return chain, nil
}

// PutUsedBuffer records a completed buffer in the used ring and publishes
// the new used index.
func (q *VirtQueue) PutUsedBuffer(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	base := q.UsedRingAddr + 4 + uint64(q.usedIdx%q.Size)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := q.writeGuestFrom(base, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	return q.writeGuestUint16(q.UsedRingAddr+2, q.usedIdx)
}

// InterruptSuppressed reports whether the driver set
// VIRTQ_AVAIL_F_NO_INTERRUPT on the available ring.
func (q *VirtQueue) InterruptSuppressed() bool {
	flags, err := q.readGuestUint16(q.AvailRingAddr)
	if err != nil {
		return false
	}
	return flags&1 != 0
}

// ReadGuest reads length bytes from guest memory.
func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest writes data to guest memory.
func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	return q.writeGuestFrom(addr, data)
}

func (q *VirtQueue) readGuestInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("virtio: guest memory read at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *VirtQueue) writeGuestFrom(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("virtio: guest memory write at %#x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (q *VirtQueue) readGuestUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.readGuestInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *VirtQueue) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}
