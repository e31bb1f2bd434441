package fault

// Virtio is the boundary to the virtio device models. Queue pages are never
// shadow mapped; every access to them is handed over instead.
type Virtio interface {
	IsQueueAccess(c *Context, guestPA uint64) bool
	HandleQueueAccess(c *Context, guestPA, hostPA uint64, instruction uint32) (bool, error)
	IsDeviceAccess(c *Context, guestPA uint64) bool
	HandleDeviceAccess(c *Context, guestPA uint64, instruction uint32) (bool, error)
}

// NoVirtio is a Virtio with no devices.
type NoVirtio struct{}

func (NoVirtio) IsQueueAccess(*Context, uint64) bool { return false }

func (NoVirtio) HandleQueueAccess(*Context, uint64, uint64, uint32) (bool, error) {
	return false, nil
}

func (NoVirtio) IsDeviceAccess(*Context, uint64) bool { return false }

func (NoVirtio) HandleDeviceAccess(*Context, uint64, uint32) (bool, error) {
	return false, nil
}

var _ Virtio = NoVirtio{}
