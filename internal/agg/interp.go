package agg

import (
	"bytes"
	"fmt"
	"math"
	"sort"
)

// DEF_AGG_RESULT_BATCH_BYTES / MAX_AGG_RESULT_BATCH_BYTES (spec §4.5).
const (
	DefResultBatchBytes = 4096
	MaxResultBatchBytes = 8192
)

// RowReader supplies column values for the current row. LoadColumn reads a
// group-by or arithmetic-source column; callers provide one per fragment
// scan (spec §4.5 "reading the group columns (attribute-header + payload)").
type RowReader interface {
	Column(colID int, asType RegType) (Reg, error)
}

// AggResItem is one result slot (spec §3 "Aggregation result slot", §6.2
// wire shape).
type AggResItem struct {
	Type     RegType
	I64      int64
	U64      uint64
	F64      float64
	IsNull   bool
}

func (it *AggResItem) asReg() Reg {
	return Reg{Type: it.Type, I64: it.I64, U64: it.U64, F64: it.F64, IsNull: it.IsNull}
}
func (it *AggResItem) setFromReg(r Reg) {
	it.Type, it.I64, it.U64, it.F64, it.IsNull = r.Type, r.I64, r.U64, r.F64, r.IsNull
}

// groupEntry is one row of the group table (spec §3 "Group table").
type groupEntry struct {
	key     []byte
	results []AggResItem
}

// Interp evaluates one decoded Program across a fragment's rows (spec
// §4.5).
type Interp struct {
	prog *Program

	regs [8]Reg

	groups    map[string]*groupEntry
	noGroup   []AggResItem
	estBytes  int

	flushed []Batch
}

// Batch is one emitted result batch, pre-serialisation (spec §6.2).
type Batch struct {
	Items []BatchItem
}

type BatchItem struct {
	GroupKey []byte
	Results  []AggResItem
}

// NewInterp prepares an interpreter for prog.
func NewInterp(prog *Program) *Interp {
	it := &Interp{prog: prog}
	if len(prog.GroupByCols) == 0 {
		it.noGroup = make([]AggResItem, prog.NAggResults)
	} else {
		it.groups = map[string]*groupEntry{}
	}
	return it
}

// ProcessRow executes the program against one row (spec §4.5 "Per-row
// execution"). It returns true if the row overflowed (evaluation aborted).
func (it *Interp) ProcessRow(row RowReader) (overflowed bool, err error) {
	var results []AggResItem
	newGroup := ""
	if len(it.prog.GroupByCols) > 0 {
		key, err := it.materializeGroupKey(row)
		if err != nil {
			return false, err
		}
		ge, ok := it.groups[string(key)]
		if !ok {
			ge = &groupEntry{key: key, results: make([]AggResItem, it.prog.NAggResults)}
			it.groups[string(key)] = ge
			it.estBytes += len(key) + it.prog.NAggResults*aggResItemWireSize
			newGroup = string(key)
		}
		results = ge.results
	} else {
		results = it.noGroup
	}
	saved := append([]AggResItem(nil), results...)

	for i := range it.regs {
		it.regs[i] = nullReg()
	}

	for _, instr := range it.prog.Instructions {
		ov, err := it.execInstr(instr, row, results)
		if err != nil {
			return false, err
		}
		if ov {
			// Abort the row: restore the aggregate set to its state before it.
			copy(results, saved)
			if newGroup != "" {
				delete(it.groups, newGroup)
				it.estBytes -= len(newGroup) + it.prog.NAggResults*aggResItemWireSize
			}
			return true, nil
		}
	}
	return false, nil
}

const aggResItemWireSize = 4 + 4 + 4 + 4 // type:u32, value:u64, is_unsigned/is_null packed in one u32

func (it *Interp) materializeGroupKey(row RowReader) ([]byte, error) {
	var buf bytes.Buffer
	for _, col := range it.prog.GroupByCols {
		r, err := row.Column(col, TypeUndefined)
		if err != nil {
			return nil, err
		}
		writeRegToKey(&buf, r)
	}
	return buf.Bytes(), nil
}

func writeRegToKey(buf *bytes.Buffer, r Reg) {
	if r.IsNull {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	switch r.Type {
	case TypeInt64:
		buf.WriteByte(byte(TypeInt64))
		var b [8]byte
		PutUint32LE(b[:4], uint32(r.I64>>32))
		PutUint32LE(b[4:], uint32(r.I64))
		buf.Write(b[:])
	case TypeUint64:
		buf.WriteByte(byte(TypeUint64))
		var b [8]byte
		PutUint32LE(b[:4], uint32(r.U64>>32))
		PutUint32LE(b[4:], uint32(r.U64))
		buf.Write(b[:])
	case TypeDouble:
		buf.WriteByte(byte(TypeDouble))
		var b [8]byte
		bits := math.Float64bits(r.F64)
		PutUint32LE(b[:4], uint32(bits>>32))
		PutUint32LE(b[4:], uint32(bits))
		buf.Write(b[:])
	}
}

func (it *Interp) execInstr(instr Instr, row RowReader, results []AggResItem) (overflow bool, err error) {
	switch instr.Op {
	case OpLoadCol:
		r, err := row.Column(instr.ColID, instr.ColType)
		if err != nil {
			return false, err
		}
		it.regs[instr.RegA] = r
		return false, nil

	case OpLoadConst:
		switch instr.ConstType {
		case TypeInt64:
			it.regs[instr.RegA] = Reg{Type: TypeInt64, I64: instr.ConstI64}
		case TypeUint64:
			it.regs[instr.RegA] = Reg{Type: TypeUint64, U64: instr.ConstU64}
		case TypeDouble:
			it.regs[instr.RegA] = Reg{Type: TypeDouble, F64: instr.ConstF64}
		}
		return false, nil

	case OpMov:
		it.regs[instr.RegA] = it.regs[instr.RegB]
		return false, nil

	case OpPlus, OpMinus, OpMul, OpDiv, OpDivInt, OpMod:
		a, b := it.regs[instr.RegA], it.regs[instr.RegB]
		if a.IsNull || b.IsNull {
			it.regs[instr.RegA] = nullReg()
			return false, nil
		}
		var out Reg
		var isNull bool
		var opErr error
		switch instr.Op {
		case OpPlus:
			out, opErr = addMixedSign(a, b)
		case OpMinus:
			out, opErr = subMixedSign(a, b)
		case OpMul:
			out, opErr = mulMixedSign(a, b)
		case OpDiv:
			out, isNull, opErr = divMixedSign(a, b, false)
		case OpDivInt:
			out, isNull, opErr = divMixedSign(a, b, true)
		case OpMod:
			out, isNull, opErr = modMixedSign(a, b)
		}
		if opErr == ErrOverflow {
			return true, nil
		}
		if opErr != nil {
			return false, opErr
		}
		if isNull {
			out = nullReg()
		}
		it.regs[instr.RegA] = out
		return false, nil

	case OpSum, OpMax, OpMin, OpCount:
		err := applyAggregator(instr.Op, &results[instr.AggID], it.regs[instr.RegA])
		if err == ErrOverflow {
			return true, nil
		}
		return false, err

	default:
		return false, fmt.Errorf("agg: unsupported opcode %d", instr.Op)
	}
}

// applyAggregator updates one AggResItem (spec §4.5 step 3). Count
// initialises to unsigned int64 zero regardless of operand type; Null
// values leave Sum/Max/Min unchanged and never increment Count.
func applyAggregator(op Opcode, item *AggResItem, val Reg) error {
	if op == OpCount {
		if item.Type == TypeUndefined {
			item.Type, item.IsNull = TypeUint64, false
		}
		if !val.IsNull {
			item.U64++
		}
		return nil
	}
	if val.IsNull {
		return nil
	}
	if item.Type == TypeUndefined {
		item.setFromReg(val)
		item.IsNull = false
		return nil
	}
	switch op {
	case OpSum:
		r, err := addMixedSign(item.asReg(), val)
		if err == ErrOverflow {
			return ErrOverflow
		}
		if err != nil {
			return err
		}
		item.setFromReg(r)
	case OpMax:
		if compareRegs(val, item.asReg()) > 0 {
			item.setFromReg(val)
		}
	case OpMin:
		if compareRegs(val, item.asReg()) < 0 {
			item.setFromReg(val)
		}
	}
	return nil
}

// compareRegs compares two same-typed registers; mixed numeric types
// compare by promoting to float64.
func compareRegs(a, b Reg) int {
	af, bf := toF64(a), toF64(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

// Flush emits the current group table (or no-group accumulator) as a Batch
// and clears it (spec §4.5 "Batch boundary").
func (it *Interp) Flush() Batch {
	var b Batch
	if it.groups != nil {
		keys := make([]string, 0, len(it.groups))
		for k := range it.groups {
			keys = append(keys, k)
		}
		sort.Strings(keys) // byte-wise lexicographic order (spec §3 "Group table")
		for _, k := range keys {
			ge := it.groups[k]
			b.Items = append(b.Items, BatchItem{GroupKey: ge.key, Results: ge.results})
		}
		it.groups = map[string]*groupEntry{}
		it.estBytes = 0
	} else {
		b.Items = append(b.Items, BatchItem{Results: it.noGroup})
		it.noGroup = make([]AggResItem, it.prog.NAggResults)
	}
	return b
}

// ShouldFlush reports whether the running serialised size has crossed the
// default batch-byte threshold (spec §4.5 "Batch boundary").
func (it *Interp) ShouldFlush() bool {
	return it.groups != nil && it.estBytes >= DefResultBatchBytes
}
