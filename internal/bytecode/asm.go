package bytecode

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/tools/txtar"
)

// Assembly text lives in a txtar archive. The archive comment holds the
// module header and every file holds one routine, named after the file:
//
//	module sample
//	target linux/amd64
//	entry main
//	global VERSION string "1.0"
//	data blob 00ff10
//	native stub amd64 89c8c3
//	-- main --
//	returns i4
//	locals 1
//	    ldstr "START"
//	    print
//	loop:
//	    ldc.i4 42
//	    ret
//
// Lines starting with '#' are comments.

// Parse assembles a txtar archive into a module.
func Parse(data []byte) (*Module, error) {
	return ParseArchive(txtar.Parse(data))
}

// ParseArchive assembles an already parsed archive.
func ParseArchive(ar *txtar.Archive) (*Module, error) {
	m := &Module{Format: FormatVersion}
	p := &asmParser{
		mod:      m,
		routines: make(map[string]int),
		natives:  make(map[string]int),
		segments: make(map[string]int),
	}
	for i, f := range ar.Files {
		if _, dup := p.routines[f.Name]; dup {
			return nil, fmt.Errorf("duplicate routine %s", f.Name)
		}
		p.routines[f.Name] = i
		m.Routines = append(m.Routines, &Routine{Name: f.Name})
	}
	entry := ""
	if err := p.lines("header", ar.Comment, func(tok []string) error {
		var err error
		entry, err = p.header(tok, entry)
		return err
	}); err != nil {
		return nil, err
	}
	if entry == "" {
		entry = "main"
	}
	idx, ok := p.routines[entry]
	if !ok {
		return nil, fmt.Errorf("entry routine %s not defined", entry)
	}
	m.Entry = idx
	for i, f := range ar.Files {
		if err := p.routine(m.Routines[i], f.Data); err != nil {
			return nil, err
		}
	}
	return m, nil
}

type asmParser struct {
	mod      *Module
	routines map[string]int
	natives  map[string]int
	segments map[string]int
}

func (p *asmParser) lines(file string, data []byte, fn func(tok []string) error) error {
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		tok, err := fields(line)
		if err == nil {
			err = fn(tok)
		}
		if err != nil {
			return fmt.Errorf("%s:%d: %w", file, n+1, err)
		}
	}
	return nil
}

func (p *asmParser) header(tok []string, entry string) (string, error) {
	m := p.mod
	switch tok[0] {
	case "module":
		if len(tok) != 2 {
			return entry, fmt.Errorf("usage: module NAME")
		}
		m.Name = tok[1]
	case "format":
		if len(tok) != 2 {
			return entry, fmt.Errorf("usage: format VERSION")
		}
		if err := CheckFormat(tok[1]); err != nil {
			return entry, err
		}
		m.Format = tok[1]
	case "target":
		if len(tok) != 2 {
			return entry, fmt.Errorf("usage: target OS/ARCH")
		}
		t, err := ParseTarget(tok[1])
		if err != nil {
			return entry, err
		}
		m.Target = t
	case "entry":
		if len(tok) != 2 {
			return entry, fmt.Errorf("usage: entry ROUTINE")
		}
		return tok[1], nil
	case "global":
		if len(tok) != 4 {
			return entry, fmt.Errorf("usage: global NAME KIND LITERAL")
		}
		v, err := parseTyped(tok[2], tok[3])
		if err != nil {
			return entry, err
		}
		m.Globals = append(m.Globals, Global{Name: tok[1], Const: v})
	case "data":
		if len(tok) < 2 || len(tok) > 3 {
			return entry, fmt.Errorf("usage: data NAME [HEX]")
		}
		b, err := optionalHex(tok[2:])
		if err != nil {
			return entry, err
		}
		p.segments[tok[1]] = m.AddSegment(tok[1], b)
	case "native":
		if len(tok) < 3 || len(tok) > 4 {
			return entry, fmt.Errorf("usage: native NAME ARCH [HEX]")
		}
		b, err := optionalHex(tok[3:])
		if err != nil {
			return entry, err
		}
		p.natives[tok[1]] = m.AddNative(Native{Name: tok[1], Arch: tok[2], Code: b})
	default:
		return entry, fmt.Errorf("unknown header directive %q", tok[0])
	}
	return entry, nil
}

func (p *asmParser) routine(r *Routine, data []byte) error {
	b := NewBuilder()
	labels := make(map[string]Label)
	label := func(name string) Label {
		l, ok := labels[name]
		if !ok {
			l = b.NewLabel()
			labels[name] = l
		}
		return l
	}
	marked := make(map[string]bool)
	err := p.lines(r.Name, data, func(tok []string) error {
		if len(tok) == 1 && strings.HasSuffix(tok[0], ":") {
			name := strings.TrimSuffix(tok[0], ":")
			if marked[name] {
				return fmt.Errorf("label %s defined twice", name)
			}
			marked[name] = true
			b.Mark(label(name))
			return nil
		}
		switch tok[0] {
		case "params", "locals":
			if len(tok) != 2 {
				return fmt.Errorf("usage: %s N", tok[0])
			}
			n, err := strconv.Atoi(tok[1])
			if err != nil || n < 0 {
				return fmt.Errorf("bad %s count %q", tok[0], tok[1])
			}
			if tok[0] == "params" {
				r.Params = n
			} else {
				r.Locals = n
			}
			return nil
		case "returns":
			if len(tok) != 2 {
				return fmt.Errorf("usage: returns KIND")
			}
			k, err := ParseKind(tok[1])
			if err != nil {
				return err
			}
			r.Result = k
			return nil
		case "flags":
			for _, name := range tok[1:] {
				for _, f := range strings.Split(name, ",") {
					switch f {
					case "noprotect":
						r.Flags |= FlagNoProtect
					case "synthetic":
						r.Flags |= FlagSynthetic
					default:
						return fmt.Errorf("unknown flag %q", f)
					}
				}
			}
			return nil
		case "attr":
			if len(tok) < 2 || len(tok)%2 != 0 {
				return fmt.Errorf("usage: attr NAME [KIND LITERAL]...")
			}
			a := Attribute{Name: tok[1]}
			for i := 2; i < len(tok); i += 2 {
				v, err := parseTyped(tok[i], tok[i+1])
				if err != nil {
					return err
				}
				a.Args = append(a.Args, v)
			}
			r.Attrs = append(r.Attrs, a)
			return nil
		}
		return p.instr(b, label, tok)
	})
	if err != nil {
		return err
	}
	for name := range labels {
		if !marked[name] {
			return fmt.Errorf("%s: label %s never defined", r.Name, name)
		}
	}
	r.Body, err = b.Build()
	return err
}

func (p *asmParser) instr(b *Builder, label func(string) Label, tok []string) error {
	op, ok := LookupOpcode(tok[0])
	if !ok {
		return fmt.Errorf("unknown instruction %q", tok[0])
	}
	args := tok[1:]
	info := op.Info()
	want := 1
	switch info.Operand {
	case OperandNone:
		want = 0
	case OperandLabels:
		want = len(args)
	case OperandData:
		want = min(len(args), 1)
	}
	if len(args) != want {
		return fmt.Errorf("%s takes %d operands, got %d", info.Name, want, len(args))
	}
	lookup := func(what string, names map[string]int) (int, error) {
		i, ok := names[args[0]]
		if !ok {
			return 0, fmt.Errorf("%s: unknown %s %q", info.Name, what, args[0])
		}
		return i, nil
	}
	var (
		arg int
		err error
	)
	switch info.Operand {
	case OperandNone:
		b.Op(op)
		return nil
	case OperandValue:
		k, _ := op.LiteralKind()
		v, err := ParseLiteral(k, args[0])
		if err != nil {
			return err
		}
		b.Emit(Instr{Op: op, Value: v})
		return nil
	case OperandArg, OperandLocal:
		arg, err = strconv.Atoi(args[0])
	case OperandLabel:
		b.Jump(op, label(args[0]))
		return nil
	case OperandLabels:
		ls := make([]Label, len(args))
		for i, a := range args {
			ls[i] = label(a)
		}
		b.Switch(ls...)
		return nil
	case OperandRoutine:
		arg, err = lookup("routine", p.routines)
	case OperandNative:
		arg, err = lookup("native", p.natives)
	case OperandSegment:
		arg, err = lookup("segment", p.segments)
	case OperandKind:
		var k Kind
		k, err = ParseKind(args[0])
		arg = int(k)
	case OperandData:
		var data []byte
		if data, err = optionalHex(args); err != nil {
			return err
		}
		b.Emit(Instr{Op: op, Data: data})
		return nil
	}
	if err != nil {
		return err
	}
	b.OpArg(op, arg)
	return nil
}

// ParseLiteral parses the assembly form of a value of kind k, as produced
// by Value.Literal.
func ParseLiteral(k Kind, s string) (Value, error) {
	bad := func(err error) (Value, error) {
		return Value{}, fmt.Errorf("bad %s literal %q: %w", k, s, err)
	}
	bits, isBits := strings.CutPrefix(s, "bits:")
	switch k {
	case KindI4:
		n, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			return bad(err)
		}
		return I4(int32(n)), nil
	case KindI8:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return bad(err)
		}
		return I8(n), nil
	case KindR4:
		if isBits {
			n, err := strconv.ParseUint(bits, 0, 32)
			if err != nil {
				return bad(err)
			}
			return R4Bits(uint32(n)), nil
		}
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return bad(err)
		}
		return R4(float32(f)), nil
	case KindR8:
		if isBits {
			n, err := strconv.ParseUint(bits, 0, 64)
			if err != nil {
				return bad(err)
			}
			return R8Bits(n), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return bad(err)
		}
		return R8(f), nil
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return bad(err)
		}
		return Bool(b), nil
	case KindChar:
		u, err := strconv.Unquote(s)
		if err != nil {
			return bad(err)
		}
		rs := []rune(u)
		if len(rs) != 1 || s[0] != '\'' {
			return bad(fmt.Errorf("want a single quoted rune"))
		}
		return Char(rs[0]), nil
	case KindU1:
		n, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return bad(err)
		}
		return U1(byte(n)), nil
	case KindString:
		u, err := strconv.Unquote(s)
		if err != nil {
			return bad(err)
		}
		return Str(u), nil
	}
	return Value{}, fmt.Errorf("kind %s has no literal form", k)
}

func parseTyped(kind, lit string) (Value, error) {
	if kind == "null" {
		return Null(), nil
	}
	k, err := ParseKind(kind)
	if err != nil {
		return Value{}, err
	}
	return ParseLiteral(k, lit)
}

func optionalHex(tok []string) ([]byte, error) {
	if len(tok) == 0 {
		return nil, nil
	}
	b, err := hex.DecodeString(tok[0])
	if err != nil {
		return nil, fmt.Errorf("bad hex data: %w", err)
	}
	return b, nil
}

// fields splits a line at blanks, keeping quoted literals intact.
func fields(line string) ([]string, error) {
	var out []string
	for {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			return out, nil
		}
		if line[0] == '"' || line[0] == '\'' {
			q, err := strconv.QuotedPrefix(line)
			if err != nil {
				return nil, fmt.Errorf("unterminated literal %s", line)
			}
			out = append(out, q)
			line = line[len(q):]
			continue
		}
		end := strings.IndexAny(line, " \t")
		if end < 0 {
			end = len(line)
		}
		out = append(out, line[:end])
		line = line[end:]
	}
}

// Format disassembles m into the txtar form accepted by Parse.
func Format(m *Module) []byte {
	return txtar.Format(Archive(m))
}

// Archive disassembles m into a txtar archive.
func Archive(m *Module) *txtar.Archive {
	var hdr bytes.Buffer
	if m.Name != "" {
		fmt.Fprintf(&hdr, "module %s\n", m.Name)
	}
	if m.Format != "" && m.Format != FormatVersion {
		fmt.Fprintf(&hdr, "format %s\n", m.Format)
	}
	if m.Target.OS != "" {
		fmt.Fprintf(&hdr, "target %s\n", m.Target)
	}
	if m.Entry >= 0 && m.Entry < len(m.Routines) {
		fmt.Fprintf(&hdr, "entry %s\n", m.Routines[m.Entry].Name)
	}
	for _, g := range m.Globals {
		fmt.Fprintf(&hdr, "global %s %s %s\n", g.Name, g.Const.Kind, g.Const.Literal())
	}
	for _, s := range m.Data {
		fmt.Fprintf(&hdr, "data %s %x\n", s.Name, s.Bytes)
	}
	for _, n := range m.Natives {
		fmt.Fprintf(&hdr, "native %s %s %x\n", n.Name, n.Arch, n.Code)
	}
	ar := &txtar.Archive{Comment: hdr.Bytes()}
	for _, r := range m.Routines {
		ar.Files = append(ar.Files, txtar.File{Name: r.Name, Data: formatRoutine(m, r)})
	}
	return ar
}

func formatRoutine(m *Module, r *Routine) []byte {
	var buf bytes.Buffer
	if r.Params > 0 {
		fmt.Fprintf(&buf, "params %d\n", r.Params)
	}
	if r.Returns() {
		fmt.Fprintf(&buf, "returns %s\n", r.Result)
	}
	if r.Locals > 0 {
		fmt.Fprintf(&buf, "locals %d\n", r.Locals)
	}
	if r.Flags != 0 {
		fmt.Fprintf(&buf, "flags %s\n", r.Flags)
	}
	for _, a := range r.Attrs {
		buf.WriteString("attr " + a.Name)
		for _, v := range a.Args {
			fmt.Fprintf(&buf, " %s %s", v.Kind, v.Literal())
		}
		buf.WriteByte('\n')
	}

	targets := make(map[int]bool)
	for _, in := range r.Body {
		switch in.Op.Info().Operand {
		case OperandLabel:
			targets[in.Arg] = true
		case OperandLabels:
			for _, t := range in.Targets {
				targets[t] = true
			}
		}
	}
	name := func(i int) string { return "L" + strconv.Itoa(i) }
	for i, in := range r.Body {
		if targets[i] {
			fmt.Fprintf(&buf, "%s:\n", name(i))
		}
		info := in.Op.Info()
		buf.WriteString("    " + info.Name)
		switch info.Operand {
		case OperandValue:
			buf.WriteString(" " + in.Value.Literal())
		case OperandArg, OperandLocal:
			fmt.Fprintf(&buf, " %d", in.Arg)
		case OperandLabel:
			buf.WriteString(" " + name(in.Arg))
		case OperandLabels:
			for _, t := range in.Targets {
				buf.WriteString(" " + name(t))
			}
		case OperandRoutine:
			buf.WriteString(" " + indexName(in.Arg, len(m.Routines), func(i int) string { return m.Routines[i].Name }))
		case OperandNative:
			buf.WriteString(" " + indexName(in.Arg, len(m.Natives), func(i int) string { return m.Natives[i].Name }))
		case OperandSegment:
			buf.WriteString(" " + indexName(in.Arg, len(m.Data), func(i int) string { return m.Data[i].Name }))
		case OperandKind:
			buf.WriteString(" " + Kind(in.Arg).String())
		case OperandData:
			if len(in.Data) > 0 {
				fmt.Fprintf(&buf, " %x", in.Data)
			}
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func indexName(i, n int, name func(int) string) string {
	if i < 0 || i >= n {
		return "?" + strconv.Itoa(i)
	}
	return name(i)
}

