package batch

import (
	"time"

	"github.com/rs/zerolog"
)

// Progress tracks processed IDs against a known total with rate and ETA.
// It is not safe for concurrent use; the pipeline advances it from one
// goroutine.
type Progress struct {
	total       int
	processed   int
	reportEvery int
	startTime   time.Time
	now         func() time.Time
}

// NewProgress starts tracking at the current instant.
func NewProgress(total, reportEvery int, now func() time.Time) *Progress {
	if now == nil {
		now = time.Now
	}
	return &Progress{
		total:       total,
		reportEvery: reportEvery,
		startTime:   now(),
		now:         now,
	}
}

// Advance adds n processed IDs and reports whether a progress line is due:
// the count crossed a multiple of reportEvery or reached the total.
func (p *Progress) Advance(n int) bool {
	prev := p.processed
	p.processed += n

	if p.processed >= p.total {
		return prev < p.total
	}
	if p.reportEvery <= 0 {
		return false
	}
	return p.processed/p.reportEvery > prev/p.reportEvery
}

// Processed returns the number of IDs handled so far.
func (p *Progress) Processed() int {
	return p.processed
}

// Elapsed returns time since tracking started.
func (p *Progress) Elapsed() time.Duration {
	return p.now().Sub(p.startTime)
}

// Rate returns processed IDs per second.
func (p *Progress) Rate() float64 {
	secs := p.Elapsed().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(p.processed) / secs
}

// ETA returns the estimated time remaining at the current rate.
func (p *Progress) ETA() time.Duration {
	remaining := p.total - p.processed
	if remaining <= 0 || p.processed == 0 {
		return 0
	}
	perItem := p.Elapsed() / time.Duration(p.processed)
	return perItem * time.Duration(remaining)
}

// ProgressPct returns the progress percentage (0-100).
func (p *Progress) ProgressPct() float64 {
	if p.total == 0 {
		return 100.0
	}
	return float64(p.processed) * 100.0 / float64(p.total)
}

// Log writes one progress line at info level.
func (p *Progress) Log(logger zerolog.Logger) {
	logger.Info().
		Int("processed", p.processed).
		Int("total", p.total).
		Float64("progress_pct", p.ProgressPct()).
		Dur("elapsed", p.Elapsed()).
		Float64("items_per_sec", p.Rate()).
		Dur("eta", p.ETA()).
		Msg("Ingest progress")
}
