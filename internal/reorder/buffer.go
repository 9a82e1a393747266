package reorder

import "sync"

const bufferSize = 4096

var buffers = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// Copy returns an engine-owned copy of data. Copies are recycled when their
// batch is done.
func Copy(data []byte) []byte {
	if len(data) > bufferSize {
		return append([]byte(nil), data...)
	}
	bp := buffers.Get().(*[]byte)
	b := (*bp)[:len(data)]
	copy(b, data)
	return b
}

func putBuffer(b []byte) {
	if cap(b) != bufferSize {
		return
	}
	b = b[:bufferSize]
	buffers.Put(&b)
}
