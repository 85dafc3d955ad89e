package literals

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/AeonDave/constprot/internal/bytecode"
)

// Table entries are stored as two masked little-endian words, offset then
// length, at index id*tableStride.
const (
	tableStride = 8
	offsetMix   = 0x85EBCA6B
	lengthMix   = 0xC2B2AE35
)

// ErrUnknownKey is returned when a key does not name a pool entry.
var ErrUnknownKey = errors.New("key does not name a constant")

// Encoder holds the per-run secrets of one protection run.
type Encoder struct {
	strategy Strategy
	ids      idMask
	offMask  uint32
	lenMask  uint32
}

// NewEncoder draws every secret for mode from k. It fails before touching
// any module when mode cannot run on target.
func NewEncoder(mode Mode, k *Key, target bytecode.Target) (*Encoder, error) {
	s, err := NewStrategy(mode, k, target)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		strategy: s,
		ids:      newIDMask(k),
		offMask:  k.Uint32("table.offset"),
		lenMask:  k.Uint32("table.length"),
	}, nil
}

// Mode returns the encoding mode.
func (e *Encoder) Mode() Mode { return e.strategy.Mode() }

// Encoded is the stored form of a pool.
type Encoded struct {
	Mode Mode
	// Keys holds the masked id call sites pass for every entry.
	Keys   []uint32
	Shapes []Shape
	Blob   []byte
	Table  []byte
}

// Encode encodes every entry of p.
func (e *Encoder) Encode(p *Pool) *Encoded {
	enc := &Encoded{
		Mode:   e.Mode(),
		Keys:   make([]uint32, len(p.Entries)),
		Shapes: make([]Shape, len(p.Entries)),
		Table:  make([]byte, tableStride*len(p.Entries)),
	}
	for i, entry := range p.Entries {
		payload := Payload(entry.Value)
		off := uint32(len(enc.Blob))
		enc.Blob = append(enc.Blob, e.strategy.encode(entry.ID, payload)...)

		row := enc.Table[tableStride*i:]
		binary.LittleEndian.PutUint32(row, off^e.offMask^entry.ID*offsetMix)
		binary.LittleEndian.PutUint32(row[4:], uint32(len(payload))^e.lenMask^entry.ID*lengthMix)

		enc.Keys[i] = e.ids.mask(entry.ID)
		enc.Shapes[i] = ShapeOf(entry.Value)
	}
	log.Debugf("encoded %d entries into %d bytes (%s)", len(p.Entries), len(enc.Blob), enc.Mode)
	return enc
}

// Decode is the Go reference of the generated decoder: it returns the
// payload stored under the masked id key.
func (e *Encoder) Decode(enc *Encoded, key uint32) ([]byte, error) {
	id := e.ids.unmask(key)
	if uint64(id) >= uint64(len(enc.Keys)) {
		return nil, fmt.Errorf("%w: %#08x", ErrUnknownKey, key)
	}
	row := enc.Table[tableStride*int(id):]
	off := binary.LittleEndian.Uint32(row) ^ e.offMask ^ id*offsetMix
	n := binary.LittleEndian.Uint32(row[4:]) ^ e.lenMask ^ id*lengthMix
	end := uint64(off) + uint64(e.strategy.storedLen(int(n)))
	if end > uint64(len(enc.Blob)) {
		return nil, fmt.Errorf("entry %d overruns the blob: %d > %d", id, end, len(enc.Blob))
	}
	return e.strategy.decode(id, enc.Blob[off:end], int(n)), nil
}

// DecodeValue decodes the constant stored under key.
func (e *Encoder) DecodeValue(enc *Encoded, key uint32) (bytecode.Value, error) {
	payload, err := e.Decode(enc, key)
	if err != nil {
		return bytecode.Value{}, err
	}
	return ValueOf(enc.Shapes[e.ids.unmask(key)], payload)
}
