// Write-coordination load generator for lsmkv.
//
// This tool hammers DB.Write from many goroutines at once and reports how
// the write-coordination core batched the resulting traffic: average
// batch-group size and the fraction of groups that took the parallel-run
// path. It is a manual/soak tool for the FIFO leader/follower queue and
// the parallel-run protocol, not a substitute for the property tests in
// internal/writethread.
//
// Reference: grounded on the shape of RocksDB-style stress drivers
// (flag-parsed concurrency/duration, goroutine-per-writer hammering the
// write path).
//
// Usage: go run ./cmd/writebench [flags]
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsmkv/lsmkv/db"
	"github.com/lsmkv/lsmkv/internal/batch"
)

var (
	duration      = flag.Duration("duration", 10*time.Second, "benchmark duration")
	numWriters    = flag.Int("writers", 32, "number of concurrent writer goroutines")
	keysPerBatch  = flag.Int("batch-keys", 1, "number of Put calls per WriteBatch")
	valueSize     = flag.Int("value-size", 100, "size in bytes of each value")
	dbPath        = flag.String("db", "", "database directory (default: a temp directory, removed on exit)")
	syncWrites    = flag.Bool("sync", false, "set WriteOptions.Sync on every write")
	disableWAL    = flag.Bool("disable-wal", false, "set WriteOptions.DisableWAL on every write")
	allowParallel = flag.Bool("allow-parallel-memtable-writes", true, "Options.AllowConcurrentMemtableWrites")
)

func main() {
	flag.Parse()

	dir := *dbPath
	if dir == "" {
		tmp, err := os.MkdirTemp("", "writebench-")
		if err != nil {
			log.Fatalf("MkdirTemp: %v", err)
		}
		dir = tmp
		defer os.RemoveAll(dir)
	}

	opts := db.DefaultOptions()
	opts.AllowConcurrentMemtableWrites = *allowParallel

	kvdb, err := db.Open(dir, opts)
	if err != nil {
		log.Fatalf("Open(%q): %v", dir, err)
	}
	defer kvdb.Close()

	writeOpts := db.DefaultWriteOptions()
	writeOpts.Sync = *syncWrites
	writeOpts.DisableWAL = *disableWAL

	var totalWrites atomic.Uint64
	var totalErrors atomic.Uint64

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(*numWriters)
	for i := 0; i < *numWriters; i++ {
		go func(workerID int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(workerID) + time.Now().UnixNano()))
			value := make([]byte, *valueSize)
			for {
				select {
				case <-stop:
					return
				default:
				}

				wb := batch.New()
				for k := 0; k < *keysPerBatch; k++ {
					key := fmt.Appendf(nil, "writebench-%d-%d", workerID, rnd.Int63())
					rnd.Read(value)
					wb.Put(key, value)
				}

				if err := kvdb.Write(writeOpts, wb); err != nil {
					totalErrors.Add(1)
					continue
				}
				totalWrites.Add(1)
			}
		}(i)
	}

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	report(kvdb, totalWrites.Load(), totalErrors.Load(), *duration)
}

func report(kvdb *db.DBImpl, writes, errs uint64, elapsed time.Duration) {
	stats := kvdb.Stats()
	groupsFormed := stats.GetTickerCount(db.TickerBatchGroupsFormed)
	groupWriters := stats.GetTickerCount(db.TickerBatchGroupWriters)
	parallelRuns := stats.GetTickerCount(db.TickerParallelRunsStarted)

	avgGroupSize := 0.0
	parallelRate := 0.0
	if groupsFormed > 0 {
		avgGroupSize = float64(groupWriters) / float64(groupsFormed)
		parallelRate = float64(parallelRuns) / float64(groupsFormed)
	}

	fmt.Printf("writes:            %d\n", writes)
	fmt.Printf("errors:            %d\n", errs)
	fmt.Printf("elapsed:           %s\n", elapsed)
	fmt.Printf("writes/sec:        %.0f\n", float64(writes)/elapsed.Seconds())
	fmt.Printf("batch groups:      %d\n", groupsFormed)
	fmt.Printf("avg group size:    %.2f writers\n", avgGroupSize)
	fmt.Printf("parallel run rate: %.2f%%\n", parallelRate*100)
	fmt.Print(stats.String())
}
