package literals

import (
	"fmt"
	"strings"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/consts"
)

// Shape is the decoded form a wrapper returns: a scalar kind, a string, or
// an array of Elem.
type Shape struct {
	Kind bytecode.Kind
	Elem bytecode.Kind // only for KindArray
}

func (s Shape) String() string {
	if s.Kind == bytecode.KindArray {
		return s.Elem.String() + "[]"
	}
	return s.Kind.String()
}

// ShapeOf returns the shape of v.
func ShapeOf(v bytecode.Value) Shape {
	if v.Kind == bytecode.KindArray && v.Arr != nil {
		return Shape{Kind: bytecode.KindArray, Elem: v.Arr.Elem}
	}
	return Shape{Kind: v.Kind}
}

// Entry is one distinct constant.
type Entry struct {
	ID    uint32
	Tag   consts.Tag
	Value bytecode.Value
}

// Pool holds the distinct constants of a run with dense ids in first-use
// order.
type Pool struct {
	Entries []Entry
	// SiteIDs maps every collected site, in order, to its entry.
	SiteIDs []uint32
}

// BuildPool assigns ids to sites. Strings, numbers and primitives with the
// same kind and bit pattern share one entry; initializers never do, since
// every use must yield a distinct array.
func BuildPool(sites []consts.Site) *Pool {
	p := &Pool{SiteIDs: make([]uint32, len(sites))}
	seen := make(map[string]uint32)
	for i, s := range sites {
		if s.Tag != consts.TagInitializer {
			k := dedupKey(s.Tag, s.Value)
			if id, ok := seen[k]; ok {
				p.SiteIDs[i] = id
				continue
			}
			seen[k] = uint32(len(p.Entries))
		}
		id := uint32(len(p.Entries))
		p.Entries = append(p.Entries, Entry{ID: id, Tag: s.Tag, Value: s.Value.Clone()})
		p.SiteIDs[i] = id
	}
	return p
}

func dedupKey(tag consts.Tag, v bytecode.Value) string {
	var sb strings.Builder
	sb.WriteByte(byte(tag))
	sb.WriteByte(byte(v.Kind))
	sb.Write(Payload(v))
	return sb.String()
}

// Payload is the canonical byte form of a constant: UTF-8 for strings, the
// little-endian bit pattern for scalars and the concatenated elements for
// arrays.
func Payload(v bytecode.Value) []byte {
	switch v.Kind {
	case bytecode.KindString:
		return []byte(v.Str)
	case bytecode.KindArray:
		return bytecode.EncodeElems(v.Arr.Items)
	}
	return v.AppendBytes(nil)
}

// ValueOf rebuilds a constant of shape s from its payload.
func ValueOf(s Shape, payload []byte) (bytecode.Value, error) {
	switch s.Kind {
	case bytecode.KindString:
		return bytecode.Str(string(payload)), nil
	case bytecode.KindArray:
		items, err := bytecode.DecodeElems(s.Elem, payload)
		if err != nil {
			return bytecode.Value{}, err
		}
		return bytecode.ArrayOf(&bytecode.Array{Elem: s.Elem, Items: items}), nil
	}
	if len(payload) != s.Kind.Size() {
		return bytecode.Value{}, fmt.Errorf("%d bytes for a %s", len(payload), s.Kind)
	}
	return bytecode.FromBytes(s.Kind, payload), nil
}
