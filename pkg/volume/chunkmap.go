package volume

import (
	"sort"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

const defaultStripeLen = 64 * 1024

// Chunk is a chunk item together with its logical start.
type Chunk struct {
	Logical uint64
	btrfs.ChunkItem
}

// End returns the first logical address after the chunk.
func (c Chunk) End() uint64 { return c.Logical + c.Length }

// Location is a byte offset on one member device.
type Location struct {
	DevID  uint64
	Offset uint64
}

// Piece is a contiguous logical range that lives at the same offset on
// each of its copies.
type Piece struct {
	Logical uint64
	Length  uint64
	Copies  []Location
}

// ChunkMap translates logical addresses to device locations.
type ChunkMap struct {
	chunks []Chunk // sorted by Logical, non-overlapping
}

// Insert adds or replaces the chunk starting at logical.
func (m *ChunkMap) Insert(logical uint64, c btrfs.ChunkItem) {
	i := sort.Search(len(m.chunks), func(i int) bool { return m.chunks[i].Logical >= logical })
	if i < len(m.chunks) && m.chunks[i].Logical == logical {
		m.chunks[i].ChunkItem = c
		return
	}
	m.chunks = append(m.chunks, Chunk{})
	copy(m.chunks[i+1:], m.chunks[i:])
	m.chunks[i] = Chunk{Logical: logical, ChunkItem: c}
}

// Len returns the number of chunks.
func (m *ChunkMap) Len() int { return len(m.chunks) }

// Chunks returns the chunks in logical order.
func (m *ChunkMap) Chunks() []Chunk {
	return append([]Chunk(nil), m.chunks...)
}

// Find returns the chunk containing logical.
func (m *ChunkMap) Find(logical uint64) (Chunk, bool) {
	i := sort.Search(len(m.chunks), func(i int) bool { return m.chunks[i].End() > logical })
	if i < len(m.chunks) && m.chunks[i].Logical <= logical {
		return m.chunks[i], true
	}
	return Chunk{}, false
}

// Map splits [logical, logical+length) into pieces. Pieces never cross a
// chunk or stripe boundary. RAID5/6 chunks map their data stripes only.
func (m *ChunkMap) Map(logical, length uint64) ([]Piece, error) {
	var out []Piece
	for length > 0 {
		c, ok := m.Find(logical)
		if !ok {
			return nil, btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "logical address %#x is not covered by any chunk", logical)
		}
		p, err := c.mapOne(logical - c.Logical)
		if err != nil {
			return nil, err
		}
		p.Logical = logical
		p.Length = min(p.Length, length, c.End()-logical)
		out = append(out, p)
		logical += p.Length
		length -= p.Length
	}
	return out, nil
}

// mapOne maps the offset within the chunk. The returned Length is the
// number of bytes left in the current stripe (or chunk, when unstriped).
func (c Chunk) mapOne(off uint64) (Piece, error) {
	n := uint64(len(c.Stripes))
	if n == 0 {
		return Piece{}, btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "chunk %#x has no stripes", c.Logical)
	}
	stripeLen := c.StripeLen
	if stripeLen == 0 {
		stripeLen = defaultStripeLen
	}
	stripeNr := off / stripeLen
	stripeOff := off % stripeLen
	inStripe := stripeLen - stripeOff

	loc := func(i, devStripe uint64) Location {
		return Location{DevID: c.Stripes[i].DevID, Offset: c.Stripes[i].Offset + devStripe*stripeLen + stripeOff}
	}

	switch profile := c.Type & btrfs.BlockGroupProfileMask; {
	case profile == 0, profile&(btrfs.BlockGroupDup|btrfs.BlockGroupRaid1|btrfs.BlockGroupRaid1C3|btrfs.BlockGroupRaid1C4) != 0:
		copies := make([]Location, n)
		for i, s := range c.Stripes {
			copies[i] = Location{DevID: s.DevID, Offset: s.Offset + off}
		}
		return Piece{Length: c.Length - off, Copies: copies}, nil

	case profile&btrfs.BlockGroupRaid0 != 0:
		return Piece{Length: inStripe, Copies: []Location{loc(stripeNr%n, stripeNr/n)}}, nil

	case profile&btrfs.BlockGroupRaid10 != 0:
		sub := uint64(c.SubStripes)
		if sub == 0 {
			sub = 2
		}
		factor := n / sub
		if factor == 0 {
			return Piece{}, btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "raid10 chunk %#x: %d stripes with %d sub-stripes", c.Logical, n, sub)
		}
		first := (stripeNr % factor) * sub
		copies := make([]Location, 0, sub)
		for i := first; i < first+sub && i < n; i++ {
			copies = append(copies, loc(i, stripeNr/factor))
		}
		return Piece{Length: inStripe, Copies: copies}, nil

	case profile&(btrfs.BlockGroupRaid5|btrfs.BlockGroupRaid6) != 0:
		parity := uint64(1)
		if profile&btrfs.BlockGroupRaid6 != 0 {
			parity = 2
		}
		if n <= parity {
			return Piece{}, btrfs.Errorf(btrfs.ErrCodeCorruptFilesystem, "raid5/6 chunk %#x: only %d stripes", c.Logical, n)
		}
		nrData := n - parity
		full := stripeNr / nrData
		idx := (full + stripeNr%nrData) % n
		return Piece{Length: inStripe, Copies: []Location{loc(idx, full)}}, nil
	}
	return Piece{}, btrfs.Errorf(btrfs.ErrCodeNotSupported, "chunk %#x: unknown profile %#x", c.Logical, c.Type)
}

// Parity reports whether the chunk uses a parity profile, which is never
// written to.
func (c Chunk) Parity() bool {
	return c.Type&(btrfs.BlockGroupRaid5|btrfs.BlockGroupRaid6) != 0
}
