// Package virtio implements the virtio-mmio transport registers and the
// fault handler's virtio boundary. Queue pages stay unmapped in the shadow
// tables, so every guest access to a ring is seen here.
package virtio

import (
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/rvshadow/internal/riscv/sv39"
)

// virtio-mmio register offsets
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 2
	// VendorID is the vendor QEMU reports ("QEMU").
	VendorID = 0x554d4551

	// WindowSize is the size of one transport's register window.
	WindowSize = 0x1000

	featureVersion1 = uint64(1) << 32

	// Interrupt status bits
	IntVring  = 0x1
	IntConfig = 0x2
)

// Ring element sizes
const (
	descSize      = 16
	availHeader   = 4
	availElemSize = 2
	usedHeader    = 4
	usedElemSize  = 8
)

type queue struct {
	maxSize uint16
	size    uint16
	ready   bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	notifications uint64
}

func (q *queue) reset() {
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
}

// pages returns the guest physical pages the queue's rings occupy.
func (q *queue) pages() []uint64 {
	if !q.ready || q.size == 0 {
		return nil
	}
	n := uint64(q.size)
	spans := [][2]uint64{
		{q.descAddr, descSize * n},
		{q.availAddr, availHeader + availElemSize*n + 2},
		{q.usedAddr, usedHeader + usedElemSize*n + 2},
	}
	var pages []uint64
	for _, span := range spans {
		for p := span[0] &^ sv39.PageMask; p < span[0]+span[1]; p += sv39.PageSize {
			pages = append(pages, p)
		}
	}
	return pages
}

// Transport is the register file of one virtio-mmio device. It carries no
// device model: notifications are counted and answered with a used-buffer
// interrupt.
type Transport struct {
	mu sync.Mutex

	base     uint64
	deviceID uint32

	deviceFeatures   [2]uint32
	driverFeatures   [2]uint32
	deviceFeatureSel uint32
	driverFeatureSel uint32

	queueSel uint32
	queues   []queue

	status           uint32
	interruptStatus  uint32
	configGeneration uint32

	// queuePages is rebuilt whenever a queue becomes ready or is reset.
	queuePages map[uint64]struct{}

	// OnInterrupt is called when the interrupt line changes level.
	OnInterrupt func(pending bool)
}

// NewTransport creates a transport at base with numQueues queues of up to
// queueMax entries each.
func NewTransport(base uint64, deviceID uint32, numQueues int, queueMax uint16) *Transport {
	t := &Transport{
		base:       base,
		deviceID:   deviceID,
		queues:     make([]queue, numQueues),
		queuePages: make(map[uint64]struct{}),
	}
	t.deviceFeatures[1] = uint32(featureVersion1 >> 32)
	for i := range t.queues {
		t.queues[i].maxSize = queueMax
	}
	return t
}

// Base returns the guest physical base of the register window.
func (t *Transport) Base() uint64 { return t.base }

// Contains reports whether pa lies in the register window.
func (t *Transport) Contains(pa uint64) bool {
	return pa >= t.base && pa < t.base+WindowSize
}

// IsQueuePage reports whether the guest physical page holding pa belongs
// to a ready queue.
func (t *Transport) IsQueuePage(pa uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.queuePages[pa&^sv39.PageMask]
	return ok
}

// Notifications returns how often the guest notified queue index.
func (t *Transport) Notifications(index int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.queues) {
		return 0
	}
	return t.queues[index].notifications
}

func (t *Transport) currentQueue() *queue {
	idx := int(t.queueSel)
	if idx < 0 || idx >= len(t.queues) {
		return nil
	}
	return &t.queues[idx]
}

func (t *Transport) rebuildQueuePages() {
	clear(t.queuePages)
	for i := range t.queues {
		for _, p := range t.queues[i].pages() {
			t.queuePages[p] = struct{}{}
		}
	}
}

func (t *Transport) reset() {
	t.deviceFeatureSel = 0
	t.driverFeatureSel = 0
	t.driverFeatures = [2]uint32{}
	t.queueSel = 0
	t.status = 0
	t.configGeneration = 0
	for i := range t.queues {
		t.queues[i].reset()
	}
	t.rebuildQueuePages()
	t.setInterrupt(0)
}

func (t *Transport) setInterrupt(status uint32) {
	was := t.interruptStatus != 0
	t.interruptStatus = status
	if now := status != 0; now != was && t.OnInterrupt != nil {
		t.OnInterrupt(now)
	}
}

// ReadU32 reads the register at guest physical address pa.
func (t *Transport) ReadU32(pa uint64) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch pa - t.base {
	case RegMagicValue:
		return MagicValue
	case RegVersion:
		return Version
	case RegDeviceID:
		return t.deviceID
	case RegVendorID:
		return VendorID
	case RegDeviceFeatures:
		if t.deviceFeatureSel < uint32(len(t.deviceFeatures)) {
			return t.deviceFeatures[t.deviceFeatureSel]
		}
	case RegDeviceFeaturesSel:
		return t.deviceFeatureSel
	case RegDriverFeatures:
		if t.driverFeatureSel < uint32(len(t.driverFeatures)) {
			return t.driverFeatures[t.driverFeatureSel]
		}
	case RegDriverFeaturesSel:
		return t.driverFeatureSel
	case RegQueueSel:
		return t.queueSel
	case RegQueueNumMax:
		if q := t.currentQueue(); q != nil {
			return uint32(q.maxSize)
		}
	case RegQueueNum:
		if q := t.currentQueue(); q != nil {
			return uint32(q.size)
		}
	case RegQueueReady:
		if q := t.currentQueue(); q != nil && q.ready {
			return 1
		}
	case RegQueueDescLow:
		if q := t.currentQueue(); q != nil {
			return uint32(q.descAddr)
		}
	case RegQueueDescHigh:
		if q := t.currentQueue(); q != nil {
			return uint32(q.descAddr >> 32)
		}
	case RegQueueAvailLow:
		if q := t.currentQueue(); q != nil {
			return uint32(q.availAddr)
		}
	case RegQueueAvailHigh:
		if q := t.currentQueue(); q != nil {
			return uint32(q.availAddr >> 32)
		}
	case RegQueueUsedLow:
		if q := t.currentQueue(); q != nil {
			return uint32(q.usedAddr)
		}
	case RegQueueUsedHigh:
		if q := t.currentQueue(); q != nil {
			return uint32(q.usedAddr >> 32)
		}
	case RegInterruptStatus:
		return t.interruptStatus
	case RegStatus:
		return t.status
	case RegConfigGeneration:
		return t.configGeneration
	}
	return 0
}

// WriteU32 writes the register at guest physical address pa.
func (t *Transport) WriteU32(pa uint64, value uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	setLow := func(addr *uint64) { *addr = *addr&^0xffffffff | uint64(value) }
	setHigh := func(addr *uint64) { *addr = *addr&0xffffffff | uint64(value)<<32 }

	switch pa - t.base {
	case RegDeviceFeaturesSel:
		t.deviceFeatureSel = value
	case RegDriverFeaturesSel:
		t.driverFeatureSel = value
	case RegDriverFeatures:
		if t.driverFeatureSel < uint32(len(t.driverFeatures)) {
			t.driverFeatures[t.driverFeatureSel] = value
		}
	case RegQueueSel:
		t.queueSel = value
	case RegQueueNum:
		if q := t.currentQueue(); q != nil && value <= uint32(q.maxSize) {
			q.size = uint16(value)
		}
	case RegQueueReady:
		if q := t.currentQueue(); q != nil {
			if value&1 == 0 {
				q.reset()
			} else if q.size != 0 {
				q.ready = true
			}
			t.rebuildQueuePages()
		}
	case RegQueueDescLow:
		if q := t.currentQueue(); q != nil {
			setLow(&q.descAddr)
		}
	case RegQueueDescHigh:
		if q := t.currentQueue(); q != nil {
			setHigh(&q.descAddr)
		}
	case RegQueueAvailLow:
		if q := t.currentQueue(); q != nil {
			setLow(&q.availAddr)
		}
	case RegQueueAvailHigh:
		if q := t.currentQueue(); q != nil {
			setHigh(&q.availAddr)
		}
	case RegQueueUsedLow:
		if q := t.currentQueue(); q != nil {
			setLow(&q.usedAddr)
		}
	case RegQueueUsedHigh:
		if q := t.currentQueue(); q != nil {
			setHigh(&q.usedAddr)
		}
	case RegQueueNotify:
		if int(value) < len(t.queues) && t.queues[value].ready {
			t.queues[value].notifications++
			t.setInterrupt(t.interruptStatus | IntVring)
		}
	case RegInterruptAck:
		t.setInterrupt(t.interruptStatus &^ value)
	case RegStatus:
		if value == 0 {
			t.reset()
			return
		}
		t.status = value
	}
}
