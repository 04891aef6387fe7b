// Command storagebench wires the whole data-plane core end to end: the
// Page Memory Manager, the extent/free-space catalog, the disk page
// allocator, UNDO replay, and the aggregation interpreter/client. It
// exercises the spec's §8 testable-property scenarios as a runnable
// demo rather than as unit tests, and prints a DUMP-1000-style
// diagnostic table at the end (spec §7 "observable through ... a
// diagnostic dump (DUMP 1000)").
//
// Grounded on tinySQL's cmd/catalog_demo (a single main() that builds up
// storage state and prints a narrated walkthrough) and cmd/server (flag
// parsing, graceful periodic job scheduling via robfig/cron).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/logicalclocks/rondb-sub002/internal/agg"
	"github.com/logicalclocks/rondb-sub002/internal/aggclient"
	"github.com/logicalclocks/rondb-sub002/internal/config"
	"github.com/logicalclocks/rondb-sub002/internal/cputopo"
	"github.com/logicalclocks/rondb-sub002/internal/diskalloc"
	"github.com/logicalclocks/rondb-sub002/internal/extent"
	"github.com/logicalclocks/rondb-sub002/internal/pager"
	"github.com/logicalclocks/rondb-sub002/internal/pmm"
	"github.com/logicalclocks/rondb-sub002/internal/rlog"
	"github.com/logicalclocks/rondb-sub002/internal/undo"
)

var (
	flagConfig   = flag.String("config", "", "path to a YAML engine config (optional, overrides defaults)")
	flagRows     = flag.Int("rows", 1000, "number of synthetic rows to scan through the aggregation interpreter")
	flagLCPEvery = flag.Duration("lcp-every", 2*time.Second, "period between local-checkpoint scheduler ticks")
	flagTicks    = flag.Int("ticks", 3, "number of LCP scheduler ticks to run before exiting")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *flagConfig != "" {
		loaded, err := config.Load(*flagConfig)
		if err != nil {
			log.Fatalf("storagebench: %v", err)
		}
		cfg = loaded
	}

	runID := uuid.New().String()
	rlog.Info("storagebench starting", "run_id", runID)

	topo := cputopo.Discover()
	groups, err := cputopo.RRGroups(topo, len(topo.CPUs))
	if err != nil {
		log.Fatalf("storagebench: cpu topology: %v", err)
	}
	fmt.Printf("discovered %d logical CPUs in %d round-robin group(s)\n", len(topo.CPUs), len(groups))

	mgr, err := pmm.NewManager(cfg.PMM.ZonePages)
	if err != nil {
		log.Fatalf("storagebench: pmm.NewManager: %v", err)
	}
	defer mgr.Close()
	if err := mgr.SetResourceLimit(0, pmm.ResourceLimit{Min: 0, Max: 1 << 16, HighPrioMax: 1 << 15, Prio: pmm.PrioLow}); err != nil {
		log.Fatalf("storagebench: SetResourceLimit: %v", err)
	}

	extCfg := extent.DefaultConfig(64)
	ts := extent.NewTablespace(extCfg)

	pg := pager.NewMemPager()

	undoLogPath, cleanup := tempUndoLogPath()
	defer cleanup()
	undoLog, err := pager.OpenFileUndoLog(undoLogPath)
	if err != nil {
		log.Fatalf("storagebench: OpenFileUndoLog: %v", err)
	}
	defer undoLog.Close()

	const tableID, fragmentID = 1, 0
	alloc := diskalloc.New(tableID, fragmentID, ts, pg, undoLog)

	replayer := undo.NewReplayer(pg, ts, 1)
	replayer.RegisterFragment(fragmentID, ts.Fragment(tableID, fragmentID))

	runScanAndAlloc(alloc, *flagRows)
	runAggregationDemo(*flagRows)

	startLCPScheduler(*flagTicks, *flagLCPEvery, replayer, tableID, fragmentID, runID)

	printDump(mgr)
}

// runScanAndAlloc exercises the disk page allocator's prealloc/alloc
// contract across a batch of synthetic row writes (spec §4.3): each row is
// preallocated and then allocated; no row is freed.
func runScanAndAlloc(alloc *diskalloc.Allocator, rows int) {
	row := make([]byte, 64)
	var lastKey pager.LocalKey
	for i := 0; i < rows; i++ {
		key, err := alloc.Prealloc(uint32(len(row)), false)
		if err != nil {
			log.Fatalf("storagebench: Prealloc: %v", err)
		}
		if _, err := alloc.Alloc(key, row); err != nil {
			log.Fatalf("storagebench: Alloc: %v", err)
		}
		lastKey = key
	}
	fmt.Printf("allocated %d rows, last page %s\n", rows, lastKey)
}

// runAggregationDemo builds a GROUP BY SUM program with the client
// builder, evaluates it over synthetic rows with the node-side
// interpreter, and merges the resulting single batch on the client side —
// spec §8 scenarios 5 and 6 in one pass.
func runAggregationDemo(rows int) {
	desc := aggclient.TableDescriptor{Columns: []aggclient.ColumnDesc{
		{Name: "region", Type: aggclient.ColInt64},
		{Name: "amount", Type: aggclient.ColInt64},
	}}
	b := aggclient.NewNdbAggregator(desc)
	b.GroupBy(0)
	amount := b.LoadColumn(1)
	b.Sum(amount)
	prog, aggOps, err := b.Finalize()
	if err != nil {
		log.Fatalf("storagebench: Finalize: %v", err)
	}

	interp := agg.NewInterp(prog)
	reader := &syntheticRowReader{n: rows}
	for reader.next() {
		if _, err := interp.ProcessRow(reader); err != nil {
			log.Fatalf("storagebench: ProcessRow: %v", err)
		}
	}
	batch := interp.Flush()

	rs := aggclient.NewResultSet(aggOps)
	if err := rs.MergeBatch(batch); err != nil {
		log.Fatalf("storagebench: MergeBatch: %v", err)
	}

	p := message.NewPrinter(language.English)
	cursor := rs.PrepareResults()
	for {
		rec, ok := cursor.FetchResultRecord()
		if !ok {
			break
		}
		p.Printf("group %v: sum=%d\n", rec.GroupKey, rec.Slots[0].I64)
	}
}

type syntheticRowReader struct {
	n   int
	i   int
}

func (r *syntheticRowReader) next() bool {
	if r.i >= r.n {
		return false
	}
	r.i++
	return true
}

func (r *syntheticRowReader) Column(colID int, _ agg.RegType) (agg.Reg, error) {
	switch colID {
	case 0:
		return agg.Reg{Type: agg.TypeInt64, I64: int64(r.i % 4)}, nil
	case 1:
		return agg.Reg{Type: agg.TypeInt64, I64: int64(r.i)}, nil
	default:
		return agg.Reg{IsNull: true}, nil
	}
}

// startLCPScheduler runs a bounded number of periodic local-checkpoint
// ticks via robfig/cron, mirroring tinySQL's internal/storage/scheduler.go
// job-scheduling shape but driving UNDO's LCP-id bookkeeping instead of
// a SQL job.
func startLCPScheduler(ticks int, every time.Duration, replayer *undo.Replayer, tableID, fragmentID uint32, runID string) {
	c := cron.New(cron.WithSeconds())
	done := make(chan struct{})
	lcpID := uint32(0)
	_, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		lcpID++
		replayer.DiskRestartLcpID(tableID, fragmentID, lcpID, lcpID)
		rlog.Info("lcp tick", "run_id", runID, "lcp_id", lcpID)
		if int(lcpID) >= ticks {
			close(done)
		}
	})
	if err != nil {
		log.Fatalf("storagebench: cron.AddFunc: %v", err)
	}
	c.Start()
	defer c.Stop()
	<-done
}

func printDump(mgr *pmm.Manager) {
	p := message.NewPrinter(language.English)
	dump := mgr.Dump()
	fmt.Println("=== DUMP 1000 (PMM resource snapshot) ===")
	p.Printf("reserved pages: %d, allocated: %d, in_use: %d\n", dump.Reserved, dump.Allocated, dump.InUse)
	for _, g := range dump.Groups {
		p.Printf("  group %d: curr=%d spare=%d\n", g.ID, g.Curr, g.Spare)
	}
}

func tempUndoLogPath() (string, func()) {
	f, err := os.CreateTemp("", "storagebench-undo-*.log")
	if err != nil {
		log.Fatalf("storagebench: CreateTemp: %v", err)
	}
	path := f.Name()
	f.Close()
	return path, func() { os.Remove(path) }
}
