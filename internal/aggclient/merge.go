package aggclient

import (
	"fmt"

	"github.com/logicalclocks/rondb-sub002/internal/agg"
)

// ResultSet accumulates merged per-group results across every batch
// received from every scanned fragment (spec §4.6 "Result merging").
type ResultSet struct {
	aggOps []agg.Opcode

	order []string
	rows  map[string]*mergedRow
}

type mergedRow struct {
	groupKey []byte
	slots    []agg.AggResItem
}

// NewResultSet prepares an empty result set for the given agg_ops[]
// table (one opcode per declared Sum/Max/Min/Count result slot).
func NewResultSet(aggOps []agg.Opcode) *ResultSet {
	return &ResultSet{aggOps: aggOps, rows: map[string]*mergedRow{}}
}

// MergeBatch folds one fragment's batch into the running result set.
// For an existing group key, each slot is combined following agg_ops[i]:
// Sum/Count add, Max/Min compare, and a null slot on either side is
// absorbed by the non-null operand (spec §4.6).
func (rs *ResultSet) MergeBatch(b agg.Batch) error {
	for _, item := range b.Items {
		key := string(item.GroupKey)
		row, ok := rs.rows[key]
		if !ok {
			row = &mergedRow{groupKey: item.GroupKey, slots: make([]agg.AggResItem, len(rs.aggOps))}
			rs.rows[key] = row
			rs.order = append(rs.order, key)
		}
		for i, incoming := range item.Results {
			if i >= len(row.slots) {
				return fmt.Errorf("aggclient: batch has more result slots than agg_ops[] (%d >= %d)", i, len(row.slots))
			}
			merged, err := mergeSlot(rs.aggOps[i], row.slots[i], incoming)
			if err != nil {
				return err
			}
			row.slots[i] = merged
		}
	}
	return nil
}

func mergeSlot(op agg.Opcode, acc, incoming agg.AggResItem) (agg.AggResItem, error) {
	if incoming.IsNull || incoming.Type == agg.TypeUndefined {
		return acc, nil
	}
	if acc.IsNull || acc.Type == agg.TypeUndefined {
		return incoming, nil
	}
	if err := checkTypeAgreement(acc, incoming); err != nil {
		return agg.AggResItem{}, err
	}
	switch op {
	case agg.OpSum, agg.OpCount:
		return sumSlots(acc, incoming)
	case agg.OpMax:
		if compareSlots(incoming, acc) > 0 {
			return incoming, nil
		}
		return acc, nil
	case agg.OpMin:
		if compareSlots(incoming, acc) < 0 {
			return incoming, nil
		}
		return acc, nil
	default:
		return agg.AggResItem{}, fmt.Errorf("aggclient: result slot has non-aggregating opcode %d", op)
	}
}

// checkTypeAgreement enforces spec §4.6's "types between the two sides
// must match (int64+unsigned bit agree, or both double)".
func checkTypeAgreement(a, b agg.AggResItem) error {
	if a.Type == b.Type {
		return nil
	}
	return fmt.Errorf("aggclient: mismatched result slot types (%d vs %d)", a.Type, b.Type)
}

func sumSlots(a, b agg.AggResItem) (agg.AggResItem, error) {
	if a.Type == agg.TypeDouble || b.Type == agg.TypeDouble {
		return agg.AggResItem{Type: agg.TypeDouble, F64: asF64(a) + asF64(b)}, nil
	}
	if a.Type == agg.TypeUint64 || b.Type == agg.TypeUint64 {
		return agg.AggResItem{Type: agg.TypeUint64, U64: a.U64 + b.U64}, nil
	}
	return agg.AggResItem{Type: agg.TypeInt64, I64: a.I64 + b.I64}, nil
}

func compareSlots(a, b agg.AggResItem) int {
	af, bf := asF64(a), asF64(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func asF64(it agg.AggResItem) float64 {
	switch it.Type {
	case agg.TypeDouble:
		return it.F64
	case agg.TypeUint64:
		return float64(it.U64)
	default:
		return float64(it.I64)
	}
}

// ResultRecord is one row produced by result iteration (spec §4.6
// "Result iteration").
type ResultRecord struct {
	GroupKey []byte
	Slots    []agg.AggResItem
}

// resultCursor walks a ResultSet in group-arrival order.
type resultCursor struct {
	rs  *ResultSet
	pos int
}

// PrepareResults returns a cursor over the merged result set, ready for
// FetchResultRecord.
func (rs *ResultSet) PrepareResults() *resultCursor {
	return &resultCursor{rs: rs}
}

// FetchResultRecord returns the next (group_columns, result_slots) pair,
// or ok=false once exhausted (spec §4.6).
func (c *resultCursor) FetchResultRecord() (rec ResultRecord, ok bool) {
	if c.pos >= len(c.rs.order) {
		return ResultRecord{}, false
	}
	row := c.rs.rows[c.rs.order[c.pos]]
	c.pos++
	return ResultRecord{GroupKey: row.groupKey, Slots: row.slots}, true
}
