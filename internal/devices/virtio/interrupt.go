package virtio

// InterruptTransport delivers a device interrupt to the guest. The concrete
// transport (irqfd, MMIO interrupt status register, test double) is owned by
// the surrounding bus; devices only ring the doorbell.
type InterruptTransport interface {
	Signal() error
}
