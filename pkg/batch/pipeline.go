package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxLoggedPayload is how much of a rejected record is logged.
const maxLoggedPayload = 200

var (
	// ErrMalformedResponse is returned when a chunk payload is not a JSON array.
	ErrMalformedResponse = errors.New("malformed response: expected JSON array")

	// ErrSkipRecord lets a mapper filter a record on purpose.
	ErrSkipRecord = errors.New("record skipped")
)

var (
	pipelineChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw2_pipeline_chunks_total",
		Help: "Chunks fully processed by job",
	}, []string{"job"})

	pipelineRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw2_pipeline_records_total",
		Help: "Records seen by job and outcome",
	}, []string{"job", "outcome"})

	pipelineChunkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gw2_pipeline_chunk_duration_seconds",
		Help:    "Time to fetch, convert and write one chunk",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"job"})
)

// RunContext carries per-run values to every mapper.
type RunContext struct {
	// Job names the run in logs and metrics.
	Job string

	// Snapshot is fixed when the run starts and stamped on every row
	// that records a point-in-time observation.
	Snapshot time.Time
}

// NewRunContext stamps the snapshot with the current UTC time at
// microsecond precision, the resolution PostgreSQL stores.
func NewRunContext(job string) RunContext {
	return RunContext{
		Job:      job,
		Snapshot: time.Now().UTC().Truncate(time.Microsecond),
	}
}

// ChunkFetcher returns the raw payload for one chunk of IDs.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, ids []int64) ([]byte, error)
}

// FetchFunc adapts a function to ChunkFetcher.
type FetchFunc func(ctx context.Context, ids []int64) ([]byte, error)

// FetchChunk calls f.
func (f FetchFunc) FetchChunk(ctx context.Context, ids []int64) ([]byte, error) {
	return f(ctx, ids)
}

// RecordMapper converts one raw API record into a row.
type RecordMapper[T any] interface {
	MapRecord(rc RunContext, raw json.RawMessage) (T, error)
}

// MapFunc adapts a function to RecordMapper.
type MapFunc[T any] func(rc RunContext, raw json.RawMessage) (T, error)

// MapRecord calls f.
func (f MapFunc[T]) MapRecord(rc RunContext, raw json.RawMessage) (T, error) {
	return f(rc, raw)
}

// BatchWriter persists the rows of one chunk.
type BatchWriter[T any] interface {
	WriteBatch(ctx context.Context, rows []T) error
}

// WriteFunc adapts a function to BatchWriter.
type WriteFunc[T any] func(ctx context.Context, rows []T) error

// WriteBatch calls f.
func (f WriteFunc[T]) WriteBatch(ctx context.Context, rows []T) error {
	return f(ctx, rows)
}

// Config holds pipeline configuration.
type Config struct {
	// ChunkSize is the maximum number of IDs per request.
	ChunkSize int

	// ReportEvery is the progress interval in IDs. Defaults to ChunkSize*10.
	ReportEvery int
}

// Stats summarizes a run.
type Stats struct {
	Chunks  int
	Records int
	Rows    int
	// Dropped counts records the mapper failed to convert.
	Dropped int
	// Skipped counts records the mapper filtered with ErrSkipRecord.
	Skipped int
	Elapsed time.Duration
}

// Pipeline runs fetch, convert and write over chunks of IDs.
type Pipeline[T any] struct {
	fetcher ChunkFetcher
	mapper  RecordMapper[T]
	writer  BatchWriter[T]
	config  Config
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a pipeline.
func New[T any](fetcher ChunkFetcher, mapper RecordMapper[T], writer BatchWriter[T], cfg Config) (*Pipeline[T], error) {
	if fetcher == nil || mapper == nil || writer == nil {
		return nil, fmt.Errorf("fetcher, mapper and writer are required")
	}
	if cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("chunk_size must be >= 1 (got %d)", cfg.ChunkSize)
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = cfg.ChunkSize * 10
	}

	return &Pipeline[T]{
		fetcher: fetcher,
		mapper:  mapper,
		writer:  writer,
		config:  cfg,
		logger:  log.With().Str("component", "batch").Logger(),
		now:     time.Now,
	}, nil
}

// SetLogger replaces the pipeline logger.
func (p *Pipeline[T]) SetLogger(logger zerolog.Logger) {
	p.logger = logger
}

// Run processes ids chunk by chunk. Record conversion failures are logged
// and dropped; any fetch, decode or write failure stops the run.
func (p *Pipeline[T]) Run(ctx context.Context, rc RunContext, ids []int64) (Stats, error) {
	logger := p.logger.With().Str("job", rc.Job).Logger()
	start := p.now()

	var stats Stats
	chunks := Chunk(ids, p.config.ChunkSize)
	progress := NewProgress(len(ids), p.config.ReportEvery, p.now)

	logger.Info().
		Int("ids", len(ids)).
		Int("chunks", len(chunks)).
		Int("chunk_size", p.config.ChunkSize).
		Msg("Starting ingest")

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = p.now().Sub(start)
			return stats, fmt.Errorf("chunk %d: %w", i, err)
		}

		chunkStart := p.now()
		chunkLog := logger.With().
			Int("chunk", i).
			Int64("first_id", chunk[0]).
			Int64("last_id", chunk[len(chunk)-1]).
			Int("size", len(chunk)).
			Logger()

		payload, err := p.fetcher.FetchChunk(ctx, chunk)
		if err != nil {
			chunkLog.Error().Err(err).Msg("Failed to fetch chunk")
			stats.Elapsed = p.now().Sub(start)
			return stats, fmt.Errorf("fetch chunk %d (ids %d-%d): %w", i, chunk[0], chunk[len(chunk)-1], err)
		}

		records, err := DecodeList(payload)
		if err != nil {
			chunkLog.Error().Err(err).Str("payload", truncate(string(payload), maxLoggedPayload)).Msg("Unexpected chunk payload")
			stats.Elapsed = p.now().Sub(start)
			return stats, fmt.Errorf("decode chunk %d: %w", i, err)
		}

		rows := make([]T, 0, len(records))
		for _, raw := range records {
			stats.Records++

			row, err := p.mapper.MapRecord(rc, raw)
			if err != nil {
				p.logDropped(chunkLog, rc.Job, raw, err, &stats)
				continue
			}
			rows = append(rows, row)
		}
		pipelineRecordsTotal.WithLabelValues(rc.Job, "mapped").Add(float64(len(rows)))

		if len(rows) > 0 {
			if err := p.writer.WriteBatch(ctx, rows); err != nil {
				chunkLog.Error().Err(err).Int("rows", len(rows)).Msg("Failed to write chunk")
				stats.Elapsed = p.now().Sub(start)
				return stats, fmt.Errorf("write chunk %d (%d rows): %w", i, len(rows), err)
			}
			stats.Rows += len(rows)
		}

		stats.Chunks++
		pipelineChunksTotal.WithLabelValues(rc.Job).Inc()
		pipelineChunkDuration.WithLabelValues(rc.Job).Observe(p.now().Sub(chunkStart).Seconds())

		if progress.Advance(len(chunk)) {
			progress.Log(logger)
		}
	}

	stats.Elapsed = p.now().Sub(start)

	logger.Info().
		Int("chunks", stats.Chunks).
		Int("records", stats.Records).
		Int("rows", stats.Rows).
		Int("dropped", stats.Dropped).
		Int("skipped", stats.Skipped).
		Dur("elapsed", stats.Elapsed).
		Msg("Ingest complete")

	return stats, nil
}

func (p *Pipeline[T]) logDropped(logger zerolog.Logger, job string, raw json.RawMessage, err error, stats *Stats) {
	if errors.Is(err, ErrSkipRecord) {
		stats.Skipped++
		pipelineRecordsTotal.WithLabelValues(job, "skipped").Inc()
		logger.Warn().Err(err).Msg("Skipping record")
		return
	}

	stats.Dropped++
	pipelineRecordsTotal.WithLabelValues(job, "dropped").Inc()
	logger.Warn().
		Err(err).
		Str("payload", truncate(string(raw), maxLoggedPayload)).
		Msg("Failed to convert record")
}

// DecodeList splits a JSON array payload into its raw elements.
func DecodeList(payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: got %q", ErrMalformedResponse, truncate(string(trimmed), 40))
	}

	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return records, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
