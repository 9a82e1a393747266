package header

// SprayFlagLast marks the last packet of a message
const SprayFlagLast = 0x01

// Spray is the encapsulation metadata inserted after the outer UDP header
type Spray struct {
	OrigSrcPort uint16
	FirstSeq    uint32 // 24 bits on the wire
	Flags       uint8
}

// DecodeSpray reads a Spray Header from the start of b
func DecodeSpray(b []byte) (Spray, error) {
	if len(b) < SprayLen {
		return Spray{}, ErrTruncated
	}
	return Spray{
		OrigSrcPort: be.Uint16(b[0:2]),
		FirstSeq:    uint24(b[2:5]),
		Flags:       b[5],
	}, nil
}

// Encode writes s into the first SprayLen bytes of b, zeroing the padding
func (s Spray) Encode(b []byte) error {
	if len(b) < SprayLen {
		return ErrTruncated
	}
	be.PutUint16(b[0:2], s.OrigSrcPort)
	putUint24(b[2:5], s.FirstSeq)
	b[5] = s.Flags
	b[6] = 0
	b[7] = 0
	return nil
}
