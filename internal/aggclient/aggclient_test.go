package aggclient

import (
	"testing"

	"github.com/logicalclocks/rondb-sub002/internal/agg"
)

func itemSumCount(groupKey byte, sum int64, count uint64) agg.BatchItem {
	return agg.BatchItem{
		GroupKey: []byte{groupKey},
		Results: []agg.AggResItem{
			{Type: agg.TypeInt64, I64: sum},
			{Type: agg.TypeUint64, U64: count},
		},
	}
}

func TestResultSet_MultiFragmentMerge(t *testing.T) {
	aggOps := []agg.Opcode{agg.OpSum, agg.OpCount}
	rs := NewResultSet(aggOps)

	fragA := agg.Batch{Items: []agg.BatchItem{itemSumCount(1, 15, 2)}}
	fragB := agg.Batch{Items: []agg.BatchItem{
		itemSumCount(1, 7, 1),
		itemSumCount(3, 9, 1),
	}}

	if err := rs.MergeBatch(fragA); err != nil {
		t.Fatalf("MergeBatch fragA: %v", err)
	}
	if err := rs.MergeBatch(fragB); err != nil {
		t.Fatalf("MergeBatch fragB: %v", err)
	}

	got := map[byte]struct {
		sum   int64
		count uint64
	}{}
	cursor := rs.PrepareResults()
	for {
		rec, ok := cursor.FetchResultRecord()
		if !ok {
			break
		}
		got[rec.GroupKey[0]] = struct {
			sum   int64
			count uint64
		}{rec.Slots[0].I64, rec.Slots[1].U64}
	}

	if got[1].sum != 22 || got[1].count != 3 {
		t.Fatalf("group 1: expected sum=22 count=3, got sum=%d count=%d", got[1].sum, got[1].count)
	}
	if got[3].sum != 9 || got[3].count != 1 {
		t.Fatalf("group 3: expected sum=9 count=1, got sum=%d count=%d", got[3].sum, got[3].count)
	}
}

func TestNdbAggregator_BuildSumProgram(t *testing.T) {
	desc := TableDescriptor{Columns: []ColumnDesc{
		{Name: "region", Type: ColInt64},
		{Name: "amount", Type: ColInt64},
	}}
	b := NewNdbAggregator(desc)
	b.GroupBy(0)
	amount := b.LoadColumn(1)
	b.Sum(amount)

	prog, aggOps, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(prog.GroupByCols) != 1 || prog.GroupByCols[0] != 0 {
		t.Fatalf("expected group-by column 0, got %+v", prog.GroupByCols)
	}
	if len(aggOps) != 1 || aggOps[0] != agg.OpSum {
		t.Fatalf("expected a single SUM agg_op, got %+v", aggOps)
	}
	if len(prog.Instructions) != 2 {
		t.Fatalf("expected LoadCol + Sum, got %d instructions", len(prog.Instructions))
	}
}

func TestNdbAggregator_TooManyGroupByColsErrors(t *testing.T) {
	cols := make([]ColumnDesc, agg.MaxGroupByCols+1)
	for i := range cols {
		cols[i] = ColumnDesc{Type: ColInt64}
	}
	desc := TableDescriptor{Columns: cols}
	b := NewNdbAggregator(desc)
	for i := 0; i <= agg.MaxGroupByCols; i++ {
		b.GroupBy(i)
	}
	if _, _, err := b.Finalize(); err == nil {
		t.Fatalf("expected an error for exceeding MAX_AGG_N_GROUPBY_COLS")
	}
}

func TestResultSet_MismatchedTypesIsError(t *testing.T) {
	rs := NewResultSet([]agg.Opcode{agg.OpSum})
	a := agg.Batch{Items: []agg.BatchItem{{
		GroupKey: []byte{1},
		Results:  []agg.AggResItem{{Type: agg.TypeInt64, I64: 1}},
	}}}
	b := agg.Batch{Items: []agg.BatchItem{{
		GroupKey: []byte{1},
		Results:  []agg.AggResItem{{Type: agg.TypeDouble, F64: 1.5}},
	}}}
	if err := rs.MergeBatch(a); err != nil {
		t.Fatalf("MergeBatch a: %v", err)
	}
	if err := rs.MergeBatch(b); err == nil {
		t.Fatalf("expected a type-mismatch error merging int64 against double")
	}
}
