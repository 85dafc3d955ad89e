package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
)

// Constant loads. These are the literal sites constant protection looks for.
const (
	OpLdcI4   Opcode = 0x10 // push int32 literal
	OpLdcI8   Opcode = 0x11 // push int64 literal
	OpLdcR4   Opcode = 0x12 // push float32 literal
	OpLdcR8   Opcode = 0x13 // push float64 literal
	OpLdcBool Opcode = 0x14 // push boolean literal
	OpLdcChar Opcode = 0x15 // push character literal
	OpLdStr   Opcode = 0x16 // push string literal
	OpLdNull  Opcode = 0x17 // push null
)

// Variables
const (
	OpLdArg Opcode = 0x20 // push argument (Arg = index)
	OpLdLoc Opcode = 0x21 // push local (Arg = index)
	OpStLoc Opcode = 0x22 // pop into local (Arg = index)
)

// Arithmetic and bitwise operations on i4/i8 (and r4/r8 where meaningful)
const (
	OpAdd   Opcode = 0x30
	OpSub   Opcode = 0x31
	OpMul   Opcode = 0x32
	OpDiv   Opcode = 0x33
	OpRem   Opcode = 0x34
	OpAnd   Opcode = 0x35
	OpOr    Opcode = 0x36
	OpXor   Opcode = 0x37
	OpShl   Opcode = 0x38
	OpShr   Opcode = 0x39
	OpShrUn Opcode = 0x3A
	OpNeg   Opcode = 0x3B
	OpNot   Opcode = 0x3C
)

// Conversions and comparisons
const (
	OpConvI4 Opcode = 0x40
	OpConvI8 Opcode = 0x41
	OpConvU1 Opcode = 0x42
	OpCeq    Opcode = 0x48 // pops 2, pushes bool
	OpClt    Opcode = 0x49 // signed less-than
	OpCltUn  Opcode = 0x4A // unsigned less-than
)

// Control flow
const (
	OpBr         Opcode = 0x50 // unconditional branch (Arg = target index)
	OpBrTrue     Opcode = 0x51 // pop, branch if truthy
	OpBrFalse    Opcode = 0x52 // pop, branch if falsy
	OpSwitch     Opcode = 0x53 // pop i4, branch to Targets[v] or fall through
	OpCall       Opcode = 0x58 // call routine (Arg = routine index)
	OpCallNative Opcode = 0x59 // call native stub (Arg = native index), i4 -> i4
	OpRet        Opcode = 0x5A // return (pops result if the routine has one)
	OpExit       Opcode = 0x5B // pop i4 and terminate the program with it
	OpTrap       Opcode = 0x5C // abort execution
)

// Arrays and data segments
const (
	OpNewArr       Opcode = 0x60 // pop length, push new array (Arg = element kind)
	OpInitArr      Opcode = 0x61 // pop array, fill it from Data
	OpLdLen        Opcode = 0x62 // pop array, push i4 length
	OpLdElem       Opcode = 0x63 // pop array, index; push element
	OpStElem       Opcode = 0x64 // pop array, index, value
	OpLdData       Opcode = 0x65 // push read-only u1 array of segment Arg
	OpFromBytes    Opcode = 0x66 // pop array, offset; push scalar of kind Arg (little-endian)
	OpToBytes      Opcode = 0x67 // pop array, offset, value; store kind Arg little-endian
	OpArrFromBytes Opcode = 0x68 // pop u1 array, push fresh array of element kind Arg
	OpStrFromBytes Opcode = 0x69 // pop u1 array, push string
)

// Strings and I/O
const (
	OpToStr  Opcode = 0x70 // pop value, push its printed form
	OpConcat Opcode = 0x71 // pop 2 strings, push concatenation
	OpPrint  Opcode = 0x72 // pop value, write it followed by a newline
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Operand describes how an instruction's operand fields are used.
type Operand uint8

const (
	OperandNone    Operand = iota
	OperandValue           // Instr.Value
	OperandArg             // Instr.Arg is an argument index
	OperandLocal           // Instr.Arg is a local index
	OperandLabel           // Instr.Arg is a branch target
	OperandLabels          // Instr.Targets are branch targets
	OperandRoutine         // Instr.Arg is a routine index
	OperandNative          // Instr.Arg is a native stub index
	OperandKind            // Instr.Arg is a Kind
	OperandSegment         // Instr.Arg is a data segment index
	OperandData            // Instr.Data holds raw bytes
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name    string  // assembly mnemonic
	Operand Operand // operand usage
	Pop     int     // values consumed (-1 = depends on the callee or routine)
	Push    int     // values produced (-1 = depends on the callee)
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop: {"nop", OperandNone, 0, 0},
	OpPop: {"pop", OperandNone, 1, 0},
	OpDup: {"dup", OperandNone, 1, 2},

	OpLdcI4:   {"ldc.i4", OperandValue, 0, 1},
	OpLdcI8:   {"ldc.i8", OperandValue, 0, 1},
	OpLdcR4:   {"ldc.r4", OperandValue, 0, 1},
	OpLdcR8:   {"ldc.r8", OperandValue, 0, 1},
	OpLdcBool: {"ldc.bool", OperandValue, 0, 1},
	OpLdcChar: {"ldc.char", OperandValue, 0, 1},
	OpLdStr:   {"ldstr", OperandValue, 0, 1},
	OpLdNull:  {"ldnull", OperandNone, 0, 1},

	OpLdArg: {"ldarg", OperandArg, 0, 1},
	OpLdLoc: {"ldloc", OperandLocal, 0, 1},
	OpStLoc: {"stloc", OperandLocal, 1, 0},

	OpAdd:   {"add", OperandNone, 2, 1},
	OpSub:   {"sub", OperandNone, 2, 1},
	OpMul:   {"mul", OperandNone, 2, 1},
	OpDiv:   {"div", OperandNone, 2, 1},
	OpRem:   {"rem", OperandNone, 2, 1},
	OpAnd:   {"and", OperandNone, 2, 1},
	OpOr:    {"or", OperandNone, 2, 1},
	OpXor:   {"xor", OperandNone, 2, 1},
	OpShl:   {"shl", OperandNone, 2, 1},
	OpShr:   {"shr", OperandNone, 2, 1},
	OpShrUn: {"shr.un", OperandNone, 2, 1},
	OpNeg:   {"neg", OperandNone, 1, 1},
	OpNot:   {"not", OperandNone, 1, 1},

	OpConvI4: {"conv.i4", OperandNone, 1, 1},
	OpConvI8: {"conv.i8", OperandNone, 1, 1},
	OpConvU1: {"conv.u1", OperandNone, 1, 1},
	OpCeq:    {"ceq", OperandNone, 2, 1},
	OpClt:    {"clt", OperandNone, 2, 1},
	OpCltUn:  {"clt.un", OperandNone, 2, 1},

	OpBr:         {"br", OperandLabel, 0, 0},
	OpBrTrue:     {"brtrue", OperandLabel, 1, 0},
	OpBrFalse:    {"brfalse", OperandLabel, 1, 0},
	OpSwitch:     {"switch", OperandLabels, 1, 0},
	OpCall:       {"call", OperandRoutine, -1, -1},
	OpCallNative: {"callnative", OperandNative, 1, 1},
	OpRet:        {"ret", OperandNone, -1, 0},
	OpExit:       {"exit", OperandNone, 1, 0},
	OpTrap:       {"trap", OperandNone, 0, 0},

	OpNewArr:       {"newarr", OperandKind, 1, 1},
	OpInitArr:      {"initarr", OperandData, 1, 0},
	OpLdLen:        {"ldlen", OperandNone, 1, 1},
	OpLdElem:       {"ldelem", OperandNone, 2, 1},
	OpStElem:       {"stelem", OperandNone, 3, 0},
	OpLdData:       {"lddata", OperandSegment, 0, 1},
	OpFromBytes:    {"frombytes", OperandKind, 2, 1},
	OpToBytes:      {"tobytes", OperandKind, 3, 0},
	OpArrFromBytes: {"arrfrombytes", OperandKind, 1, 1},
	OpStrFromBytes: {"strfrombytes", OperandNone, 1, 1},

	OpToStr:  {"tostr", OperandNone, 1, 1},
	OpConcat: {"concat", OperandNone, 2, 1},
	OpPrint:  {"print", OperandNone, 1, 0},
}

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

func (op Opcode) String() string { return op.Info().Name }

// LookupOpcode finds an opcode by its mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

// IsBranch reports whether op transfers control to Arg or Targets.
func (op Opcode) IsBranch() bool {
	switch op {
	case OpBr, OpBrTrue, OpBrFalse, OpSwitch:
		return true
	}
	return false
}

// EndsFlow reports whether control never falls through op.
func (op Opcode) EndsFlow() bool {
	switch op {
	case OpBr, OpRet, OpExit, OpTrap:
		return true
	}
	return false
}

// LiteralKind returns the value kind loaded by a constant opcode.
func (op Opcode) LiteralKind() (Kind, bool) {
	switch op {
	case OpLdcI4:
		return KindI4, true
	case OpLdcI8:
		return KindI8, true
	case OpLdcR4:
		return KindR4, true
	case OpLdcR8:
		return KindR8, true
	case OpLdcBool:
		return KindBool, true
	case OpLdcChar:
		return KindChar, true
	case OpLdStr:
		return KindString, true
	}
	return KindInvalid, false
}

// LoadOpcode is the inverse of LiteralKind.
func LoadOpcode(k Kind) (Opcode, bool) {
	switch k {
	case KindI4:
		return OpLdcI4, true
	case KindI8:
		return OpLdcI8, true
	case KindR4:
		return OpLdcR4, true
	case KindR8:
		return OpLdcR8, true
	case KindBool:
		return OpLdcBool, true
	case KindChar:
		return OpLdcChar, true
	case KindString:
		return OpLdStr, true
	}
	return 0, false
}
