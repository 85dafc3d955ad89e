package ctrlflow

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/interp"
)

func TestTrashStatementsAreStackNeutral(t *testing.T) {
	m := &bytecode.Module{Format: bytecode.FormatVersion}
	for seed := range int64(64) {
		rand := mathrand.New(mathrand.NewSource(seed))
		body := trashStatements(rand, 1+rand.Intn(8))
		r := &bytecode.Routine{Name: "main", Result: bytecode.KindI4}
		r.Body = append(body, bytecode.Ldc(bytecode.I4(7)), bytecode.Ins(bytecode.OpRet, 0))
		m.Routines = []*bytecode.Routine{r}

		qt.Assert(t, qt.IsNil(bytecode.Verify(m)), qt.Commentf("seed %d", seed))
		code, err := interp.New(m, nil).Run()
		qt.Assert(t, qt.IsNil(err), qt.Commentf("seed %d", seed))
		qt.Assert(t, qt.Equals(code, 7))
	}
}

func TestTrashStatementShape(t *testing.T) {
	rand := mathrand.New(mathrand.NewSource(3))
	for range 100 {
		stmt := trashStatement(rand)
		qt.Assert(t, qt.Equals(stmt[len(stmt)-1].Op, bytecode.OpPop))
		qt.Assert(t, qt.IsTrue(len(stmt) <= 2+2*maxChainOps))
		for _, in := range stmt {
			if in.Op.IsBranch() || in.Op == bytecode.OpDiv || in.Op == bytecode.OpRem {
				t.Fatalf("unexpected %s in trash", in.Op)
			}
		}
	}
}
