package header

// Opcode is the BTH opcode. Only the values below are interpreted,
// anything else passes through untouched.
type Opcode uint8

const (
	OpFirst  Opcode = 0
	OpMiddle Opcode = 1
	OpLast   Opcode = 2
)

// String returns the opcode name
func (o Opcode) String() string {
	switch o {
	case OpFirst:
		return "First"
	case OpMiddle:
		return "Middle"
	case OpLast:
		return "Last"
	default:
		return "Other"
	}
}

// AckRequest is the ack byte value set on the Last packet of a message
const AckRequest = 128

// BTH is the RoCEv2 Base Transport Header
type BTH struct {
	Opcode         Opcode
	SolicitedEvent uint8
	PartitionKey   uint16
	// Reserved bit 0 marks the final packet of a run on generated traffic
	Reserved uint8
	DestQP   uint32 // 24 bits on the wire
	Ack      uint8
	PSN      uint32 // 24 bits on the wire
}

// FinalOfRun reports whether the reserved byte marks the end of a run
func (h BTH) FinalOfRun() bool {
	return h.Reserved&1 == 1
}

// DecodeBTH reads a BTH from the start of b
func DecodeBTH(b []byte) (BTH, error) {
	if len(b) < BTHLen {
		return BTH{}, ErrTruncated
	}
	return BTH{
		Opcode:         Opcode(b[0]),
		SolicitedEvent: b[1],
		PartitionKey:   be.Uint16(b[2:4]),
		Reserved:       b[4],
		DestQP:         uint24(b[5:8]),
		Ack:            b[8],
		PSN:            uint24(b[9:12]),
	}, nil
}

// Encode writes h into the first BTHLen bytes of b. QP and PSN are
// truncated to 24 bits.
func (h BTH) Encode(b []byte) error {
	if len(b) < BTHLen {
		return ErrTruncated
	}
	b[0] = byte(h.Opcode)
	b[1] = h.SolicitedEvent
	be.PutUint16(b[2:4], h.PartitionKey)
	b[4] = h.Reserved
	putUint24(b[5:8], h.DestQP)
	b[8] = h.Ack
	putUint24(b[9:12], h.PSN)
	return nil
}

// BTHFields reads only the fields the data path needs, avoiding a full decode
func BTHFields(b []byte) (op Opcode, qp, psn uint32, err error) {
	if len(b) < BTHLen {
		return 0, 0, 0, ErrTruncated
	}
	return Opcode(b[0]), uint24(b[5:8]), uint24(b[9:12]), nil
}
