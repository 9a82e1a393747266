package header

// CtrlSequence announces a generated run to the receiving side
type CtrlSequence struct {
	NumPacket uint32
	First     uint32
	Last      uint32
	QPID      uint32
	StartEnd  uint8 // 0 start, 1 end
}

const (
	CtrlStart uint8 = 0
	CtrlEnd   uint8 = 1
)

// DecodeCtrl reads a CtrlSequence from the start of b
func DecodeCtrl(b []byte) (CtrlSequence, error) {
	if len(b) < CtrlLen {
		return CtrlSequence{}, ErrTruncated
	}
	return CtrlSequence{
		NumPacket: be.Uint32(b[0:4]),
		First:     be.Uint32(b[4:8]),
		Last:      be.Uint32(b[8:12]),
		QPID:      be.Uint32(b[12:16]),
		StartEnd:  b[16],
	}, nil
}

// Encode writes c into the first CtrlLen bytes of b
func (c CtrlSequence) Encode(b []byte) error {
	if len(b) < CtrlLen {
		return ErrTruncated
	}
	be.PutUint32(b[0:4], c.NumPacket)
	be.PutUint32(b[4:8], c.First)
	be.PutUint32(b[8:12], c.Last)
	be.PutUint32(b[12:16], c.QPID)
	b[16] = c.StartEnd
	return nil
}
