package spray

import "github.com/yuuki/rocespray/internal/header"

// PathHash derives the outer UDP source port of a sprayed packet from its
// sequence number. Consecutive sequence numbers select different ECMP
// buckets, and the original port is recovered by applying the same mask.
type PathHash struct {
	links uint32
}

// NewPathHash creates a hash cycling over links paths. With links 0 every
// sequence number gets its own mask.
func NewPathHash(links int) PathHash {
	if links < 0 {
		links = 0
	}
	return PathHash{links: uint32(links)}
}

// Path returns the path index of seq
func (p PathHash) Path(seq uint32) uint32 {
	seq &= header.MaxSeq
	if p.links == 0 {
		return seq
	}
	return seq % p.links
}

// Mask hides port behind the path selector of seq
func (p PathHash) Mask(port uint16, seq uint32) uint16 {
	return port ^ uint16(fmix32(p.Path(seq)))
}

// Unmask recovers the port passed to Mask
func (p PathHash) Unmask(port uint16, seq uint32) uint16 {
	return p.Mask(port, seq)
}

// fmix32 is the murmur3 finalizer
func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
