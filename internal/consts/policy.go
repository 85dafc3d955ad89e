package consts

import (
	"errors"
	"fmt"

	"github.com/AeonDave/constprot/internal/bytecode"
)

// ErrDenied marks values a Policy refuses to encode. Denied sites are
// skipped; they only reduce coverage.
var ErrDenied = errors.New("not encodable")

// Policy decides whether the value of a candidate site may be encoded.
type Policy func(tag Tag, v bytecode.Value) error

// elemKinds are the array element kinds an initializer may carry.
var elemKinds = map[bytecode.Kind]bool{
	bytecode.KindU1:   true,
	bytecode.KindI4:   true,
	bytecode.KindI8:   true,
	bytecode.KindR4:   true,
	bytecode.KindR8:   true,
	bytecode.KindBool: true,
	bytecode.KindChar: true,
}

// DefaultPolicy accepts every scalar literal (any float bit pattern, any
// string including the empty one) and initializers of fixed-size element
// kinds. Null and everything else is denied.
func DefaultPolicy(tag Tag, v bytecode.Value) error {
	switch tag {
	case TagString:
		if v.Kind == bytecode.KindString {
			return nil
		}
	case TagNumber:
		switch v.Kind {
		case bytecode.KindI4, bytecode.KindI8, bytecode.KindR4, bytecode.KindR8:
			return nil
		}
	case TagPrimitive:
		if v.Kind == bytecode.KindBool || v.Kind == bytecode.KindChar {
			return nil
		}
	case TagInitializer:
		if v.Kind != bytecode.KindArray || v.Arr == nil {
			break
		}
		if !elemKinds[v.Arr.Elem] {
			return fmt.Errorf("%w: %s array", ErrDenied, v.Arr.Elem)
		}
		return nil
	}
	return fmt.Errorf("%w: %s as %s", ErrDenied, v.Kind, tag)
}
