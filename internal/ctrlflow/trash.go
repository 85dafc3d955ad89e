package ctrlflow

import (
	mathrand "math/rand"

	"github.com/AeonDave/constprot/internal/bytecode"
)

const (
	// wideProb is a probability to build a statement on i8 instead of i4
	wideProb = 0.3
	// chainProb is a probability to extend a statement with one more operation
	chainProb = 0.5
	// maxChainOps caps the operations of one statement
	maxChainOps = 4
)

// trashOps never fault, whatever their operands.
var trashOps = []bytecode.Opcode{
	bytecode.OpAdd,
	bytecode.OpSub,
	bytecode.OpMul,
	bytecode.OpXor,
	bytecode.OpAnd,
	bytecode.OpOr,
	bytecode.OpShl,
	bytecode.OpShrUn,
}

// trashStatements returns count stack-neutral statements computing random
// values and dropping them.
func trashStatements(rand *mathrand.Rand, count int) []bytecode.Instr {
	var out []bytecode.Instr
	for range count {
		out = append(out, trashStatement(rand)...)
	}
	return out
}

func trashStatement(rand *mathrand.Rand) []bytecode.Instr {
	wide := rand.Float64() < wideProb
	operand := func() bytecode.Instr {
		if wide {
			return bytecode.Ldc(bytecode.I8(rand.Int63()))
		}
		return bytecode.Ldc(bytecode.I4(int32(rand.Uint32())))
	}
	stmt := []bytecode.Instr{operand()}
	for i := 0; i == 0 || (i < maxChainOps && rand.Float64() < chainProb); i++ {
		op := trashOps[rand.Intn(len(trashOps))]
		if op == bytecode.OpShl || op == bytecode.OpShrUn {
			// shift counts are i4 whatever the shifted kind
			stmt = append(stmt, bytecode.Ldc(bytecode.I4(int32(rand.Intn(32)))))
		} else {
			stmt = append(stmt, operand())
		}
		stmt = append(stmt, bytecode.Ins(op, 0))
	}
	return append(stmt, bytecode.Ins(bytecode.OpPop, 0))
}
