package vfio

// irqBridge implements Component A (§4.A): the three operations an MSI or
// MSI-X capability uses to reprogram the host's eventfd table through
// VFIO_DEVICE_SET_IRQS. Each call builds its own request; no fd buffer is
// kept between calls.
type irqBridge struct {
	host  HostDevice
	index int // IRQIndexMSI or IRQIndexMSIX
}

func newIRQBridge(host HostDevice, index int) *irqBridge {
	return &irqBridge{host: host, index: index}
}

// armMulti issues a bulk "set all eventfds" request. Failure is fatal to
// the capability — the caller (Component B) must leave host_state as not-
// EMPTY-cleared so a retry is attempted on the next write.
func (b *irqBridge) armMulti(fds []int32) error {
	return b.host.SetIRQs(SetIRQsRequest{
		Index:    b.index,
		Start:    0,
		Action:   ActionTrigger,
		Data:     DataEventFD,
		EventFDs: fds,
	})
}

// armSingle reprograms exactly one slot without perturbing the others.
// fd == -1 removes the route for that vector (used when per-vector MASKED
// transitions to true).
func (b *irqBridge) armSingle(vector int, fd int32) error {
	return b.host.SetIRQs(SetIRQsRequest{
		Index:    b.index,
		Start:    vector,
		Action:   ActionTrigger,
		Data:     DataEventFD,
		EventFDs: []int32{fd},
	})
}

// disarm tears down the host side entirely: a count=0 request.
func (b *irqBridge) disarm() error {
	return b.host.SetIRQs(SetIRQsRequest{
		Index:    b.index,
		Start:    0,
		Action:   ActionTrigger,
		Data:     DataNone,
		EventFDs: nil,
	})
}
