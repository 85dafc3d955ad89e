// Package consts locates the literal constants of a module that can be moved
// out of plain sight.
package consts

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag classifies a constant site.
type Tag uint8

const (
	TagString      Tag = iota // ldstr
	TagNumber                 // ldc.i4, ldc.i8, ldc.r4, ldc.r8
	TagPrimitive              // ldc.bool, ldc.char
	TagInitializer            // ldc.i4 n; newarr T; dup; initarr data
	numTags
)

var tagLetters = [numTags]byte{'S', 'N', 'P', 'I'}
var tagNames = [numTags]string{"string", "number", "primitive", "initializer"}

func (t Tag) String() string {
	if t < numTags {
		return tagNames[t]
	}
	return "tag(" + strconv.Itoa(int(t)) + ")"
}

// Mask is a set of enabled tags. The zero mask disables constant protection.
type Mask uint8

const (
	MaskString      Mask = 1 << TagString
	MaskNumber      Mask = 1 << TagNumber
	MaskPrimitive   Mask = 1 << TagPrimitive
	MaskInitializer Mask = 1 << TagInitializer

	MaskAll     = MaskString | MaskNumber | MaskPrimitive | MaskInitializer
	DefaultMask = MaskString | MaskInitializer
)

// Has reports whether t is enabled.
func (m Mask) Has(t Tag) bool { return m&(1<<t) != 0 }

// String renders the mask as tag letters in SNPI order, or "none".
func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	var sb strings.Builder
	for t := Tag(0); t < numTags; t++ {
		if m.Has(t) {
			sb.WriteByte(tagLetters[t])
		}
	}
	return sb.String()
}

// ParseMask parses a set of tag letters such as "SNI". The empty string
// selects DefaultMask; "none" and "0" select the zero mask. A decimal value
// between 0 and 15 is accepted as a raw bit set.
func ParseMask(s string) (Mask, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultMask, nil
	case "none", "0":
		return 0, nil
	case "all":
		return MaskAll, nil
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		if Mask(n)&^MaskAll != 0 {
			return 0, fmt.Errorf("mask %d has unknown bits", n)
		}
		return Mask(n), nil
	}
	var m Mask
	for _, r := range strings.ToUpper(s) {
		i := strings.IndexRune(string(tagLetters[:]), r)
		if i < 0 {
			return 0, fmt.Errorf("unknown element %q, want letters from %s", r, tagLetters[:])
		}
		m |= 1 << Tag(i)
	}
	return m, nil
}
