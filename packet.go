package snet

// PacketFlag bits select the delivery mode and record packet state.
type PacketFlag uint32

const (
	// PacketFlagReliable requests retransmission until acknowledged.
	PacketFlagReliable PacketFlag = 1 << 0
	// PacketFlagUnsequenced bypasses sequencing entirely; delivery is
	// unordered and duplicates are suppressed by the unsequenced window.
	PacketFlagUnsequenced PacketFlag = 1 << 1
	// PacketFlagNoAllocate hands the transport the caller's buffer instead
	// of a private copy.  The caller keeps ownership of the memory.
	PacketFlagNoAllocate PacketFlag = 1 << 2
	// PacketFlagUnreliableFragment fragments oversized messages under
	// unreliable instead of reliable semantics.
	PacketFlagUnreliableFragment PacketFlag = 1 << 3
	// PacketFlagSent is set when the send path releases the packet's last
	// reference, just before the packet is destroyed.
	PacketFlagSent PacketFlag = 1 << 8
)

// Packet is a reference-counted payload buffer.  One packet may back many
// outgoing fragment commands plus the handle eventually surfaced to the
// application; the free callback runs exactly once, when the last reference
// is released.
type Packet struct {
	Flags PacketFlag
	Data  []byte

	// FreeCallback, when set, is invoked as the packet is destroyed.
	FreeCallback func(*Packet)

	// UserData is free for application use.
	UserData interface{}

	referenceCount int
}

// NewPacket creates a packet around data.  Unless PacketFlagNoAllocate is
// given the bytes are copied, so the caller may reuse its buffer.
func NewPacket(data []byte, flags PacketFlag) *Packet {
	p := &Packet{Flags: flags}
	if flags&PacketFlagNoAllocate != 0 {
		p.Data = data
	} else if data != nil {
		p.Data = make([]byte, len(data))
		copy(p.Data, data)
	}
	return p
}

// newPacketSized creates a zero-filled packet of the given length, used for
// fragment reassembly.
func newPacketSized(length int, flags PacketFlag) *Packet {
	return &Packet{Flags: flags, Data: make([]byte, length)}
}

// Destroy releases the application's interest in the packet and runs the
// free callback.  Call it only on packets owned by the caller: ones created
// with NewPacket and never queued, or ones surfaced by EventReceive.
func (p *Packet) Destroy() {
	if p.FreeCallback != nil {
		p.FreeCallback(p)
	}
	p.Data = nil
}

func (p *Packet) acquire() {
	p.referenceCount++
}

// release drops one reference and destroys the packet when none remain.
func (p *Packet) release() {
	p.referenceCount--
	if p.referenceCount == 0 {
		p.Destroy()
	}
}

// releaseSent is release for the send path: the sent flag is recorded before
// a possible destroy so free callbacks can tell delivered buffers apart.
func (p *Packet) releaseSent() {
	p.referenceCount--
	if p.referenceCount == 0 {
		p.Flags |= PacketFlagSent
		p.Destroy()
	}
}

// deref drops one reference without destroying.  Used when ownership passes
// to the application, which destroys the packet itself.
func (p *Packet) deref() {
	p.referenceCount--
}
