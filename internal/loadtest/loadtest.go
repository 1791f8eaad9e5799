// Package loadtest exercises a storage backend the way several processes
// sharing one data directory would: concurrent writers upserting into the
// same collection document while readers list it.
//
// Every Save is a read-modify-write of the whole document, so a backend
// whose locks do not serialize writers loses records. Run checks for that
// and reports per-operation latency.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/storage"
	"github.com/flowroll/flowroll/internal/store"
)

// Collection is the document written by Run.
const Collection = "loadtest_techniques"

// ErrLostWrites is returned when fewer records survive than were saved.
var ErrLostWrites = errors.New("records lost under concurrent writes")

// Config describes one load test.
type Config struct {
	Writers          int
	RecordsPerWriter int

	// Readers list the collection until every writer is done.
	Readers int
}

// DefaultConfig returns a small test that finishes in well under a second
// on the file backend.
func DefaultConfig() Config {
	return Config{Writers: 8, RecordsPerWriter: 10, Readers: 2}
}

// Validate rejects configurations that would not exercise anything.
func (c Config) Validate() error {
	if c.Writers <= 0 {
		return fmt.Errorf("writers must be positive (got %d)", c.Writers)
	}
	if c.RecordsPerWriter <= 0 {
		return fmt.Errorf("records per writer must be positive (got %d)", c.RecordsPerWriter)
	}
	if c.Readers < 0 {
		return fmt.Errorf("readers must not be negative (got %d)", c.Readers)
	}
	return nil
}

// LatencyStats summarizes the durations of one kind of operation.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Ops    int           `json:"ops"`
	Errors int           `json:"errors"`
}

// Result is the outcome of Run.
type Result struct {
	Writes   LatencyStats  `json:"writes"`
	Reads    LatencyStats  `json:"reads"`
	Expected int           `json:"expected"`
	Stored   int           `json:"stored"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Run clears the load-test document, runs the writers and readers, and then
// counts what was stored. It returns ErrLostWrites, along with the result,
// when the count falls short.
func Run(ctx context.Context, backend storage.Backend, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := backend.Remove(ctx, Collection); err != nil {
		return nil, fmt.Errorf("failed to reset %s: %w", Collection, err)
	}
	coll := store.NewCollection[*record.Technique](backend, Collection)

	var (
		mu         sync.Mutex
		writes     []time.Duration
		reads      []time.Duration
		writeErrs  int
		readErrs   int
		writersWG  sync.WaitGroup
		readersWG  sync.WaitGroup
		writesDone = make(chan struct{})
	)

	start := time.Now()

	for i := 0; i < cfg.Writers; i++ {
		writersWG.Add(1)
		go func(writer int) {
			defer writersWG.Done()
			owner := fmt.Sprintf("writer_%d", writer)
			local := make([]time.Duration, 0, cfg.RecordsPerWriter)
			failed := 0
			for j := 0; j < cfg.RecordsPerWriter; j++ {
				if ctx.Err() != nil {
					break
				}
				rec := &record.Technique{
					Name:     fmt.Sprintf("Technique %d-%d", writer, j),
					Category: "other",
				}
				record.Stamp(rec, owner, time.Now())

				t0 := time.Now()
				err := coll.Save(ctx, rec)
				local = append(local, time.Since(t0))
				if err != nil {
					failed++
				}
			}
			mu.Lock()
			writes = append(writes, local...)
			writeErrs += failed
			mu.Unlock()
		}(i)
	}

	for i := 0; i < cfg.Readers; i++ {
		readersWG.Add(1)
		go func() {
			defer readersWG.Done()
			var local []time.Duration
			failed := 0
		loop:
			for {
				select {
				case <-writesDone:
					break loop
				case <-ctx.Done():
					break loop
				default:
				}
				t0 := time.Now()
				_, err := coll.List(ctx, "")
				local = append(local, time.Since(t0))
				if err != nil {
					failed++
				}
			}
			mu.Lock()
			reads = append(reads, local...)
			readErrs += failed
			mu.Unlock()
		}()
	}

	writersWG.Wait()
	close(writesDone)
	readersWG.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := coll.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to count stored records: %w", err)
	}

	res := &Result{
		Writes:   computeLatencyStats(writes),
		Reads:    computeLatencyStats(reads),
		Expected: cfg.Writers * cfg.RecordsPerWriter,
		Stored:   len(all),
		Elapsed:  time.Since(start),
	}
	res.Writes.Errors = writeErrs
	res.Reads.Errors = readErrs

	if want := res.Expected - writeErrs; res.Stored < want {
		return res, fmt.Errorf("%w: stored %d of %d", ErrLostWrites, res.Stored, want)
	}
	return res, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Mean: sum / time.Duration(len(sorted)),
		P50:  sorted[len(sorted)*50/100],
		P95:  sorted[len(sorted)*95/100],
		P99:  sorted[len(sorted)*99/100],
		Ops:  len(sorted),
	}
}

// Print writes the statistics in a fixed-width layout.
func (s LatencyStats) Print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Operations:    %d\n", s.Ops)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
