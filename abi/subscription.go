package abi

import (
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"
)

// Subscription wire layout (48 bytes):
//
//	offset 0  userdata   u64
//	offset 8  tag        u8 (Eventtype)
//	offset 16 union:
//	  clock: clockid u32 | pad u32 | timeout u64 | precision u64 | flags u16
//	  fd:    fd u32
type Subscription struct {
	Userdata Userdata
	Type     Eventtype

	// Clock fields, valid when Type == EventtypeClock.
	Clock        Clockid
	Timeout      Timestamp
	Precision    Timestamp
	ClockAbstime bool

	// Fd field, valid when Type is EventtypeFdRead or EventtypeFdWrite.
	Fd Fd
}

// SubscriptionSize is the guest size of one subscription record.
const SubscriptionSize = 48

// EventSize is the guest size of one event record.
const EventSize = 32

const subscriptionFlagAbstime = 1 << 0

// Event is the result unit written back to guest memory. The order of
// events in the output buffer need not match subscription order.
type Event struct {
	Userdata Userdata
	Errno    Errno
	Type     Eventtype
	// NBytes and Flags populate the fd_readwrite payload for fd events;
	// both are zero for clock events.
	NBytes uint64
	Flags  uint16
}

// ParseSubscription decodes one subscription record from b, which must hold
// at least SubscriptionSize bytes.
func ParseSubscription(b []byte) (Subscription, Errno) {
	if len(b) < SubscriptionSize {
		return Subscription{}, ErrnoFault
	}
	s := Subscription{
		Userdata: Userdata(binary.LittleEndian.Uint64(b[0:8])),
		Type:     Eventtype(b[8]),
	}
	switch s.Type {
	case EventtypeClock:
		s.Clock = Clockid(binary.LittleEndian.Uint32(b[16:20]))
		s.Timeout = Timestamp(binary.LittleEndian.Uint64(b[24:32]))
		s.Precision = Timestamp(binary.LittleEndian.Uint64(b[32:40]))
		s.ClockAbstime = binary.LittleEndian.Uint16(b[40:42])&subscriptionFlagAbstime != 0
	case EventtypeFdRead, EventtypeFdWrite:
		s.Fd = Fd(binary.LittleEndian.Uint32(b[16:20]))
	default:
		return Subscription{}, ErrnoInval
	}
	return s, ErrnoSuccess
}

// PutEvent encodes ev into b, which must hold at least EventSize bytes.
func PutEvent(b []byte, ev Event) {
	for i := 0; i < EventSize; i++ {
		b[i] = 0
	}
	binary.LittleEndian.PutUint64(b[0:8], uint64(ev.Userdata))
	binary.LittleEndian.PutUint16(b[8:10], uint16(ev.Errno))
	b[10] = byte(ev.Type)
	binary.LittleEndian.PutUint64(b[16:24], ev.NBytes)
	binary.LittleEndian.PutUint16(b[24:26], ev.Flags)
}

// ReadSubscriptions reads count subscription records starting at ptr.
func ReadSubscriptions(mem api.Memory, ptr, count uint32) ([]Subscription, Errno) {
	raw, ok := mem.Read(ptr, count*SubscriptionSize)
	if !ok {
		return nil, ErrnoFault
	}
	subs := make([]Subscription, 0, count)
	for i := uint32(0); i < count; i++ {
		s, errno := ParseSubscription(raw[i*SubscriptionSize:])
		if errno != ErrnoSuccess {
			return nil, errno
		}
		subs = append(subs, s)
	}
	return subs, ErrnoSuccess
}

// WriteEvents writes events into guest memory starting at ptr.
func WriteEvents(mem api.Memory, ptr uint32, events []Event) Errno {
	buf := make([]byte, len(events)*EventSize)
	for i, ev := range events {
		PutEvent(buf[i*EventSize:], ev)
	}
	if !mem.Write(ptr, buf) {
		return ErrnoFault
	}
	return ErrnoSuccess
}
