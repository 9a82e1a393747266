package spray

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yuuki/rocespray/internal/header"
)

func TestPathHashReversible(t *testing.T) {
	seqs := []uint32{0, 1, 2, 3, 100, 101, 65535, 65536, header.MaxSeq - 1, header.MaxSeq}
	ports := []uint16{0, 1, 1000, 4791, 49152, 0xffff}

	for _, links := range []int{0, 1, 2, 4, 7} {
		h := NewPathHash(links)
		for _, n := range seqs {
			for _, p := range ports {
				assert.Equal(t, p, h.Unmask(h.Mask(p, n), n), "links=%d seq=%d port=%d", links, n, p)
			}
		}
	}
}

func TestPathHashSpreadsConsecutiveSequences(t *testing.T) {
	h := NewPathHash(4)
	seen := make(map[uint16]struct{})
	for n := uint32(100); n < 104; n++ {
		seen[h.Mask(49152, n)] = struct{}{}
	}
	assert.Len(t, seen, 4)

	// the path repeats every links sequence numbers
	assert.Equal(t, h.Mask(49152, 100), h.Mask(49152, 104))
	assert.Equal(t, uint32(0), h.Path(100))
	assert.Equal(t, uint32(3), h.Path(103))
}

func TestPathHashSingleLinkKeepsPort(t *testing.T) {
	h := NewPathHash(1)
	for n := uint32(0); n < 10; n++ {
		assert.Equal(t, uint16(49152), h.Mask(49152, n))
	}
}

func TestPathHashIgnoresHighBits(t *testing.T) {
	h := NewPathHash(0)
	assert.Equal(t, h.Mask(1000, 5), h.Mask(1000, 5|1<<24))
	assert.Equal(t, NewPathHash(0), NewPathHash(-3))
}
