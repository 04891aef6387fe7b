// Package aggclient implements the API-side Aggregation Client (spec
// §4.6): a program builder that emits the same instruction words
// internal/agg decodes, and a result merger that combines per-fragment
// batches into a final GROUP BY result set.
//
// Grounded on tinySQL's internal/engine query-plan builder (the piece
// that turns a parsed SELECT ... GROUP BY into an evaluator-ready plan)
// for the builder-accumulates-then-finalizes shape, generalized here to
// emit the wire instruction stream internal/agg consumes instead of an
// in-process expression tree.
package aggclient

import (
	"fmt"

	"github.com/logicalclocks/rondb-sub002/internal/agg"
)

// ColumnType mirrors the table descriptor's column typing (spec §4.6
// "Columns may be typed, fixed- or variable-width").
type ColumnType int

const (
	ColInt64 ColumnType = iota
	ColUint64
	ColDouble
)

// TableDescriptor names the columns a program may load (spec §4.6
// "NdbAggregator takes a table descriptor").
type TableDescriptor struct {
	Columns []ColumnDesc
}

type ColumnDesc struct {
	Name string
	Type ColumnType
}

func (d TableDescriptor) colType(id int) (agg.RegType, error) {
	if id < 0 || id >= len(d.Columns) {
		return 0, fmt.Errorf("aggclient: unknown column id %d", id)
	}
	switch d.Columns[id].Type {
	case ColInt64:
		return agg.TypeInt64, nil
	case ColUint64:
		return agg.TypeUint64, nil
	case ColDouble:
		return agg.TypeDouble, nil
	default:
		return agg.TypeUndefined, fmt.Errorf("aggclient: unsupported column type for column %d", id)
	}
}

// NdbAggregator builds an aggregation program against one table (spec
// §4.6). Each builder method appends exactly the instruction words
// described in spec §4.5/§6.1.
type NdbAggregator struct {
	desc TableDescriptor

	nextReg     int
	groupByCols []int
	aggOps      []agg.Opcode // agg_ops[] — opcode per declared result slot
	instrs      []agg.Instr

	err error
}

// NewNdbAggregator starts a program builder against desc.
func NewNdbAggregator(desc TableDescriptor) *NdbAggregator {
	return &NdbAggregator{desc: desc}
}

func (b *NdbAggregator) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// allocReg returns a fresh scratch register, bounded by the interpreter's
// 8 registers.
func (b *NdbAggregator) allocReg() int {
	if b.nextReg >= 8 {
		b.fail(fmt.Errorf("aggclient: out of registers (max 8)"))
		return 0
	}
	r := b.nextReg
	b.nextReg++
	return r
}

// LoadColumn appends a LOAD_COL instruction reading colID into a fresh
// register and returns that register.
func (b *NdbAggregator) LoadColumn(colID int) int {
	t, err := b.desc.colType(colID)
	if err != nil {
		b.fail(err)
		return 0
	}
	r := b.allocReg()
	b.instrs = append(b.instrs, agg.Instr{Op: agg.OpLoadCol, RegA: r, ColID: colID, ColType: t})
	return r
}

// LoadInt64 appends a LOAD_CONST instruction materialising a signed
// constant into a fresh register.
func (b *NdbAggregator) LoadInt64(v int64) int {
	r := b.allocReg()
	b.instrs = append(b.instrs, agg.Instr{Op: agg.OpLoadConst, RegA: r, ConstType: agg.TypeInt64, ConstI64: v})
	return r
}

// LoadUint64 appends a LOAD_CONST instruction materialising an unsigned
// constant into a fresh register.
func (b *NdbAggregator) LoadUint64(v uint64) int {
	r := b.allocReg()
	b.instrs = append(b.instrs, agg.Instr{Op: agg.OpLoadConst, RegA: r, ConstType: agg.TypeUint64, ConstU64: v})
	return r
}

// LoadDouble appends a LOAD_CONST instruction materialising a double
// constant into a fresh register.
func (b *NdbAggregator) LoadDouble(v float64) int {
	r := b.allocReg()
	b.instrs = append(b.instrs, agg.Instr{Op: agg.OpLoadConst, RegA: r, ConstType: agg.TypeDouble, ConstF64: v})
	return r
}

// Mov appends a MOV instruction copying src into a fresh register.
func (b *NdbAggregator) Mov(src int) int {
	r := b.allocReg()
	b.instrs = append(b.instrs, agg.Instr{Op: agg.OpMov, RegA: r, RegB: src})
	return r
}

// binOp appends an in-place arithmetic instruction (regA := regA op regB,
// spec §6.1's arithmetic opcodes) and returns regA.
func (b *NdbAggregator) binOp(op agg.Opcode, regA, regB int) int {
	b.instrs = append(b.instrs, agg.Instr{Op: op, RegA: regA, RegB: regB})
	return regA
}

// Add appends a PLUS instruction: regA += regB (spec §4.5 addition rule).
func (b *NdbAggregator) Add(regA, regB int) int { return b.binOp(agg.OpPlus, regA, regB) }

// Minus appends a MINUS instruction: regA -= regB.
func (b *NdbAggregator) Minus(regA, regB int) int { return b.binOp(agg.OpMinus, regA, regB) }

// Mul appends a MUL instruction: regA *= regB.
func (b *NdbAggregator) Mul(regA, regB int) int { return b.binOp(agg.OpMul, regA, regB) }

// Div appends a floating-point DIV instruction: regA /= regB.
func (b *NdbAggregator) Div(regA, regB int) int { return b.binOp(agg.OpDiv, regA, regB) }

// DivInt appends an integer-preserving division instruction.
func (b *NdbAggregator) DivInt(regA, regB int) int { return b.binOp(agg.OpDivInt, regA, regB) }

// Mod appends a MOD instruction following the dividend's sign.
func (b *NdbAggregator) Mod(regA, regB int) int { return b.binOp(agg.OpMod, regA, regB) }

// Sum declares a SUM aggregator over reg, returning its agg_ops[] id.
func (b *NdbAggregator) Sum(reg int) int { return b.declareAgg(agg.OpSum, reg) }

// Max declares a MAX aggregator over reg.
func (b *NdbAggregator) Max(reg int) int { return b.declareAgg(agg.OpMax, reg) }

// Min declares a MIN aggregator over reg.
func (b *NdbAggregator) Min(reg int) int { return b.declareAgg(agg.OpMin, reg) }

// Count declares a COUNT aggregator over reg (reg's nullness gates the
// count per row; the value itself is discarded).
func (b *NdbAggregator) Count(reg int) int { return b.declareAgg(agg.OpCount, reg) }

func (b *NdbAggregator) declareAgg(op agg.Opcode, reg int) int {
	id := len(b.aggOps)
	if id >= agg.MaxResults {
		b.fail(fmt.Errorf("aggclient: too many result slots (max %d)", agg.MaxResults))
		return id
	}
	b.aggOps = append(b.aggOps, op)
	b.instrs = append(b.instrs, agg.Instr{Op: op, RegA: reg, AggID: id})
	return id
}

// GroupBy declares colID as a GROUP BY key column, in declaration order.
func (b *NdbAggregator) GroupBy(colID int) {
	if len(b.groupByCols) >= agg.MaxGroupByCols {
		b.fail(fmt.Errorf("aggclient: too many group-by columns (max %d)", agg.MaxGroupByCols))
		return
	}
	if _, err := b.desc.colType(colID); err != nil {
		b.fail(err)
		return
	}
	b.groupByCols = append(b.groupByCols, colID)
}

// Finalize validates and returns the assembled program plus the
// agg_ops[] table result merging needs (spec §4.6).
func (b *NdbAggregator) Finalize() (*agg.Program, []agg.Opcode, error) {
	if b.err != nil {
		return nil, nil, b.err
	}
	wordCount := estimateWordCount(b.groupByCols, b.instrs)
	if wordCount > agg.MaxProgramWordSize {
		return nil, nil, fmt.Errorf("aggclient: program exceeds MAX_AGG_PROGRAM_WORD_SIZE (%d > %d)", wordCount, agg.MaxProgramWordSize)
	}
	prog := &agg.Program{
		GroupByCols:  append([]int(nil), b.groupByCols...),
		NAggResults:  len(b.aggOps),
		Instructions: append([]agg.Instr(nil), b.instrs...),
	}
	return prog, append([]agg.Opcode(nil), b.aggOps...), nil
}

// estimateWordCount counts the words the serialised program will occupy
// (header, group-by column list and instructions), using each instruction
// kind's fixed word width from §6.1.
func estimateWordCount(groupByCols []int, instrs []agg.Instr) int {
	words := 2 + len(groupByCols) // header + one word per group-by column
	for _, in := range instrs {
		if in.Op == agg.OpLoadConst {
			words += 3
		} else {
			words++
		}
	}
	return words
}
