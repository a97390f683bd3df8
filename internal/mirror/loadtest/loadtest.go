// Package loadtest exercises the index queue under concurrent workers.
//
// It populates a mirror with a synthetic tree, enqueues every file and then
// lets N claimers drain the queue at once, recording claim latency and
// checking that no entry is ever handed to two claimers.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/schema"
)

// TestDatabase represents a populated test database for load testing.
type TestDatabase struct {
	DB         *db.DB
	Project    *schema.Project
	FileIDs    []int64
	TotalFiles int
	TotalDirs  int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// ClaimReport is the outcome of a concurrent drain.
type ClaimReport struct {
	Latency *LatencyStats
	// Claimed is the number of entries handed out across all claimers.
	Claimed int
	// DoubleClaims counts entries handed to more than one claimer. Must be 0.
	DoubleClaims int
	Elapsed      time.Duration
}

// CreateTestDatabase creates a database at dbPath holding one project with
// numFiles files spread over directories of at most perDir files each, and
// one Pending queue entry per file.
func CreateTestDatabase(dbPath string, numFiles, perDir int) (*TestDatabase, error) {
	if perDir <= 0 {
		perDir = 50
	}

	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Many claimers need many connections
	database.RawDB().SetMaxOpenConns(150)
	database.RawDB().SetMaxIdleConns(50)

	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx := context.Background()
	project, err := database.AddProject(ctx, fmt.Sprintf("loadtest-%d", time.Now().UnixNano()), "/loadtest")
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	specs := generateTree(numFiles, perDir)
	td := &TestDatabase{DB: database, Project: project}

	err = database.InTx(ctx, func(tx *db.Tx) error {
		nodes, err := tx.ReplaceAll(ctx, project.ID, specs)
		if err != nil {
			return err
		}
		for _, spec := range specs {
			n := nodes[spec.RelativePath]
			if n.IsDirectory {
				td.TotalDirs++
				continue
			}
			if _, _, err := tx.Enqueue(ctx, n.ID, project.AbsPath(n.RelativePath)); err != nil {
				return err
			}
			td.FileIDs = append(td.FileIDs, n.ID)
		}
		return nil
	})
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to populate database: %w", err)
	}
	td.TotalFiles = len(td.FileIDs)

	return td, nil
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.DB != nil {
		return td.DB.Close()
	}
	return nil
}

// RunConcurrentClaims lets numClaimers workers drain the queue in batches of
// batchSize, completing every entry they claim.
func (td *TestDatabase) RunConcurrentClaims(numClaimers, batchSize int) (*ClaimReport, error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		seen      = make(map[int64]int)
		errs      []error
	)

	start := time.Now()
	for i := 0; i < numClaimers; i++ {
		wg.Add(1)
		go func(claimerID int) {
			defer wg.Done()
			ctx := context.Background()

			for {
				t0 := time.Now()
				batch, err := td.DB.ClaimBatch(ctx, &td.Project.ID, batchSize)
				elapsed := time.Since(t0)

				mu.Lock()
				durations = append(durations, elapsed)
				if err != nil {
					errs = append(errs, fmt.Errorf("claimer %d: %w", claimerID, err))
				}
				for _, e := range batch {
					seen[e.ID]++
				}
				mu.Unlock()

				if err != nil || len(batch) == 0 {
					return
				}

				for _, e := range batch {
					if err := td.DB.MarkCompleted(ctx, e.ID); err != nil {
						mu.Lock()
						errs = append(errs, fmt.Errorf("claimer %d complete %d: %w", claimerID, e.ID, err))
						mu.Unlock()
					}
				}
			}
		}(i)
	}
	wg.Wait()

	if len(durations) == 0 {
		return nil, fmt.Errorf("no claims completed")
	}

	report := &ClaimReport{
		Latency: computeLatencyStats(durations),
		Elapsed: time.Since(start),
	}
	report.Latency.Errors = len(errs)
	for _, n := range seen {
		report.Claimed += n
		if n > 1 {
			report.DoubleClaims++
		}
	}

	if len(errs) > 0 {
		return report, fmt.Errorf("%d claim errors, first: %w", len(errs), errs[0])
	}
	return report, nil
}

// RunMixedWorkload runs claimers alongside a writer that keeps re-enqueueing
// random files, the way a sync does while workers are busy. When duration
// has elapsed it checks that no node ever ended up with two active entries.
func (td *TestDatabase) RunMixedWorkload(numClaimers int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numClaimers+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Deterministic random for reproducibility
		rng := rand.New(rand.NewSource(42))
		for ctx.Err() == nil {
			id := td.FileIDs[rng.Intn(len(td.FileIDs))]
			n, err := td.DB.GetNode(ctx, id)
			if err == nil {
				_, _, err = td.DB.Enqueue(ctx, id, td.Project.AbsPath(n.RelativePath))
			}
			if err != nil && ctx.Err() == nil {
				errorsChan <- fmt.Errorf("writer: %w", err)
				return
			}
		}
	}()

	for i := 0; i < numClaimers; i++ {
		wg.Add(1)
		go func(claimerID int) {
			defer wg.Done()
			for ctx.Err() == nil {
				batch, err := td.DB.ClaimBatch(ctx, &td.Project.ID, 8)
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("claimer %d: %w", claimerID, err)
					}
					return
				}
				for _, e := range batch {
					if err := td.DB.MarkCompleted(context.Background(), e.ID); err != nil {
						errorsChan <- fmt.Errorf("claimer %d complete %d: %w", claimerID, e.ID, err)
						return
					}
				}
				if len(batch) == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)
	if err, ok := <-errorsChan; ok {
		return err
	}

	var dupes int
	err := td.DB.RawDB().QueryRow(`
	SELECT COUNT(*) FROM (
		SELECT node_id FROM queue_entries
		WHERE status IN ('pending', 'processing')
		GROUP BY node_id HAVING COUNT(*) > 1
	)`).Scan(&dupes)
	if err != nil {
		return fmt.Errorf("failed to check active entries: %w", err)
	}
	if dupes > 0 {
		return fmt.Errorf("%d nodes have more than one active entry", dupes)
	}
	return nil
}

// generateTree lays out numFiles files in directories of perDir files,
// grouped two levels deep (g000/d000/file00000.txt).
func generateTree(numFiles, perDir int) []db.NodeSpec {
	exts := []string{".go", ".md", ".txt", ".json", ".yaml"}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var specs []db.NodeSpec
	dirs := make(map[string]bool)
	for i := 0; i < numFiles; i++ {
		d := i / perDir
		group := fmt.Sprintf("g%03d", d/10)
		dir := fmt.Sprintf("%s/d%03d", group, d)
		for _, p := range []string{group, dir} {
			if !dirs[p] {
				dirs[p] = true
				specs = append(specs, db.NodeSpec{RelativePath: p, IsDirectory: true, ModTime: base})
			}
		}
		specs = append(specs, db.NodeSpec{
			RelativePath: fmt.Sprintf("%s/file%05d%s", dir, i, exts[i%len(exts)]),
			Size:         int64(100 + i%4096),
			ModTime:      base.Add(time.Duration(i) * time.Second),
		})
	}
	return specs
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
