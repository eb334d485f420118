package indexer

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Progress is a snapshot of a running batch, emitted once per chunk
type Progress struct {
	RunID   uuid.UUID
	Done    int
	Total   int
	Success int
	Skipped int
	Failed  int
	Elapsed time.Duration
	Rate    float64 // items per second
	ETA     time.Duration
}

// ProgressReporter receives chunk progress. Report is called from worker
// goroutines but never concurrently.
type ProgressReporter interface {
	Report(p Progress)
}

// ReporterFunc adapts a function to ProgressReporter
type ReporterFunc func(p Progress)

// Report calls f(p)
func (f ReporterFunc) Report(p Progress) { f(p) }

// LogReporter writes progress as structured log lines
type LogReporter struct {
	Logger zerolog.Logger
}

// Report logs one progress line
func (r LogReporter) Report(p Progress) {
	r.Logger.Info().
		Str("run_id", p.RunID.String()).
		Int("done", p.Done).
		Int("total", p.Total).
		Int("failed", p.Failed).
		Dur("elapsed", p.Elapsed).
		Float64("items_per_sec", p.Rate).
		Dur("eta", p.ETA).
		Msg("indexing progress")
}

func newProgress(runID uuid.UUID, done, total int, elapsed time.Duration) Progress {
	p := Progress{RunID: runID, Done: done, Total: total, Elapsed: elapsed}
	if elapsed > 0 {
		p.Rate = float64(done) / elapsed.Seconds()
	}
	if p.Rate > 0 && total > done {
		p.ETA = time.Duration(float64(total-done) / p.Rate * float64(time.Second))
	}
	return p
}
