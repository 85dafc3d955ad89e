package protect

import (
	"fmt"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/interp"
	"github.com/AeonDave/constprot/internal/literals"
)

// checkDecoder decodes every pool entry through the interpreter, the way a
// patched site will, and compares it with the collected value. Array
// wrappers are called twice and must hand out distinct arrays.
func checkDecoder(mod *bytecode.Module, d *literals.Decoder, pool *literals.Pool, enc *literals.Encoded) error {
	m := interp.New(mod, nil)
	for _, e := range pool.Entries {
		shape := literals.ShapeOf(e.Value)
		w, ok := d.Wrapper(shape)
		if !ok {
			return fmt.Errorf("%w: no %s wrapper for entry %d", ErrInconsistent, shape, e.ID)
		}
		args := []bytecode.Value{bytecode.I4(int32(enc.Keys[e.ID]))}
		if e.Value.Kind == bytecode.KindArray {
			args = append(args, bytecode.I4(int32(len(e.Value.Arr.Items))))
		}
		got, err := m.Call(w, args...)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrInconsistent, e.ID, err)
		}
		if !got.Equal(e.Value) {
			return fmt.Errorf("%w: entry %d decodes to %v, want %v", ErrInconsistent, e.ID, got, e.Value)
		}
		if e.Value.Kind != bytecode.KindArray {
			continue
		}
		again, err := m.Call(w, args...)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrInconsistent, e.ID, err)
		}
		if again.Arr == got.Arr {
			return fmt.Errorf("%w: entry %d returns a shared array", ErrInconsistent, e.ID)
		}
	}
	log.Debugf("self-check passed for %d entries (%d steps)", len(pool.Entries), m.Steps())
	return nil
}
