package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

type record struct {
	ID int64 `json:"id"`
}

// idMapper decodes {"id": n} and returns n.
var idMapper = MapFunc[int64](func(_ RunContext, raw json.RawMessage) (int64, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return 0, err
	}
	return r.ID, nil
})

// echoFetcher returns one {"id": n} object per requested id.
type echoFetcher struct {
	calls   [][]int64
	payload func(ids []int64) []byte
}

func (f *echoFetcher) FetchChunk(_ context.Context, ids []int64) ([]byte, error) {
	f.calls = append(f.calls, append([]int64(nil), ids...))
	if f.payload != nil {
		return f.payload(ids), nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf(`{"id":%d}`, id)
	}
	return []byte("[" + strings.Join(parts, ",") + "]"), nil
}

type recordingWriter struct {
	batches [][]int64
	err     error
}

func (w *recordingWriter) WriteBatch(_ context.Context, rows []int64) error {
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, append([]int64(nil), rows...))
	return nil
}

func (w *recordingWriter) rows() int {
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func seq(from, to int64) []int64 {
	ids := make([]int64, 0, to-from+1)
	for i := from; i <= to; i++ {
		ids = append(ids, i)
	}
	return ids
}

func newTestPipeline(t *testing.T, fetcher ChunkFetcher, writer BatchWriter[int64], cfg Config) (*Pipeline[int64], *bytes.Buffer) {
	t.Helper()

	p, err := New[int64](fetcher, idMapper, writer, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var buf bytes.Buffer
	p.SetLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	return p, &buf
}

func countLines(logs, substr string) int {
	n := 0
	for _, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func TestNew_Validation(t *testing.T) {
	fetcher := &echoFetcher{}
	writer := &recordingWriter{}

	if _, err := New[int64](fetcher, idMapper, writer, Config{ChunkSize: 0}); err == nil {
		t.Error("Expected error for zero chunk size")
	}
	if _, err := New[int64](nil, idMapper, writer, Config{ChunkSize: 10}); err == nil {
		t.Error("Expected error for nil fetcher")
	}

	p, err := New[int64](fetcher, idMapper, writer, Config{ChunkSize: 200})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.config.ReportEvery != 2000 {
		t.Errorf("ReportEvery = %d, want default 2000", p.config.ReportEvery)
	}
}

func TestRun_DropsBadRecord(t *testing.T) {
	fetcher := &echoFetcher{
		payload: func(ids []int64) []byte {
			parts := make([]string, len(ids))
			for i, id := range ids {
				if id == 10 {
					parts[i] = `{"id":"ten"}`
					continue
				}
				parts[i] = fmt.Sprintf(`{"id":%d}`, id)
			}
			return []byte("[" + strings.Join(parts, ",") + "]")
		},
	}
	writer := &recordingWriter{}
	p, logs := newTestPipeline(t, fetcher, writer, Config{ChunkSize: 200})

	stats, err := p.Run(context.Background(), NewRunContext("items"), seq(1, 23))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := writer.rows(); got != 22 {
		t.Errorf("Rows written = %d, want 22", got)
	}
	for _, b := range writer.batches {
		for _, id := range b {
			if id == 10 {
				t.Error("Record 10 should have been dropped")
			}
		}
	}
	if stats.Records != 23 || stats.Rows != 22 || stats.Dropped != 1 {
		t.Errorf("Stats = %+v, want 23 records, 22 rows, 1 dropped", stats)
	}

	if warns := countLines(logs.String(), `"level":"warn"`); warns != 1 {
		t.Errorf("Warn lines = %d, want 1\n%s", warns, logs.String())
	}
	if !strings.Contains(logs.String(), `{\"id\":\"ten\"}`) {
		t.Errorf("Warning should include the bad payload, got %s", logs.String())
	}
}

func TestRun_ChunksAndProgress(t *testing.T) {
	fetcher := &echoFetcher{}
	writer := &recordingWriter{}
	p, logs := newTestPipeline(t, fetcher, writer, Config{ChunkSize: 200})

	stats, err := p.Run(context.Background(), NewRunContext("prices"), seq(1, 250))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(fetcher.calls) != 2 {
		t.Fatalf("Fetches = %d, want 2", len(fetcher.calls))
	}
	if len(fetcher.calls[0]) != 200 || len(fetcher.calls[1]) != 50 {
		t.Errorf("Chunk sizes = %d, %d, want 200, 50", len(fetcher.calls[0]), len(fetcher.calls[1]))
	}
	if fetcher.calls[1][0] != 201 {
		t.Errorf("Second chunk starts at %d, want 201", fetcher.calls[1][0])
	}
	if len(writer.batches) != 2 {
		t.Errorf("Writes = %d, want 2", len(writer.batches))
	}
	if stats.Chunks != 2 || stats.Rows != 250 {
		t.Errorf("Stats = %+v, want 2 chunks, 250 rows", stats)
	}

	if lines := countLines(logs.String(), "Ingest progress"); lines != 1 {
		t.Errorf("Progress lines = %d, want 1", lines)
	}
}

func TestRun_ProgressEveryBoundary(t *testing.T) {
	fetcher := &echoFetcher{}
	writer := &recordingWriter{}
	p, logs := newTestPipeline(t, fetcher, writer, Config{ChunkSize: 200, ReportEvery: 1000})

	if _, err := p.Run(context.Background(), NewRunContext("items"), seq(1, 2500)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// 1000, 2000 and the final 2500
	if lines := countLines(logs.String(), "Ingest progress"); lines != 3 {
		t.Errorf("Progress lines = %d, want 3", lines)
	}
}

func TestRun_MalformedPayloadAborts(t *testing.T) {
	fetcher := &echoFetcher{
		payload: func([]int64) []byte { return []byte(`{"text":"all ids provided are invalid"}`) },
	}
	writer := &recordingWriter{}
	p, _ := newTestPipeline(t, fetcher, writer, Config{ChunkSize: 10})

	_, err := p.Run(context.Background(), NewRunContext("recipes"), seq(1, 30))
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
	if len(fetcher.calls) != 1 {
		t.Errorf("Fetches = %d, want 1", len(fetcher.calls))
	}
	if len(writer.batches) != 0 {
		t.Errorf("Writes = %d, want 0", len(writer.batches))
	}
}

func TestRun_FetchErrorAborts(t *testing.T) {
	fetchErr := errors.New("retry attempts exhausted")
	calls := 0
	fetcher := FetchFunc(func(_ context.Context, ids []int64) ([]byte, error) {
		calls++
		if calls == 2 {
			return nil, fetchErr
		}
		return []byte(fmt.Sprintf(`[{"id":%d}]`, ids[0])), nil
	})
	writer := &recordingWriter{}
	p, logs := newTestPipeline(t, fetcher, writer, Config{ChunkSize: 5})

	stats, err := p.Run(context.Background(), NewRunContext("items"), seq(1, 15))
	if !errors.Is(err, fetchErr) {
		t.Fatalf("Expected fetch error, got %v", err)
	}
	if !strings.Contains(err.Error(), "fetch chunk 1 (ids 6-10)") {
		t.Errorf("Error should name the chunk, got %v", err)
	}
	if stats.Chunks != 1 || len(writer.batches) != 1 {
		t.Errorf("Chunks = %d, writes = %d, want 1 and 1", stats.Chunks, len(writer.batches))
	}
	if calls != 2 {
		t.Errorf("Fetches = %d, want 2", calls)
	}
	if !strings.Contains(logs.String(), `"first_id":6`) {
		t.Errorf("Failure log should carry the chunk range, got %s", logs.String())
	}
}

func TestRun_WriteErrorAborts(t *testing.T) {
	writeErr := errors.New("statement timeout")
	fetcher := &echoFetcher{}
	writer := &recordingWriter{err: writeErr}
	p, _ := newTestPipeline(t, fetcher, writer, Config{ChunkSize: 5})

	_, err := p.Run(context.Background(), NewRunContext("items"), seq(1, 15))
	if !errors.Is(err, writeErr) {
		t.Errorf("Expected write error, got %v", err)
	}
	if len(fetcher.calls) != 1 {
		t.Errorf("Fetches = %d, want 1", len(fetcher.calls))
	}
}

func TestRun_EmptyInput(t *testing.T) {
	fetcher := &echoFetcher{}
	writer := &recordingWriter{}
	p, logs := newTestPipeline(t, fetcher, writer, Config{ChunkSize: 200})

	stats, err := p.Run(context.Background(), NewRunContext("prices"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(fetcher.calls) != 0 || stats.Chunks != 0 {
		t.Errorf("Fetches = %d, chunks = %d, want 0", len(fetcher.calls), stats.Chunks)
	}
	if countLines(logs.String(), "Ingest progress") != 0 {
		t.Error("Empty run should not log progress")
	}
}

func TestRun_NoRowsSkipsWrite(t *testing.T) {
	fetcher := &echoFetcher{payload: func([]int64) []byte { return []byte(`[]`) }}
	writer := &recordingWriter{}
	p, _ := newTestPipeline(t, fetcher, writer, Config{ChunkSize: 200})

	if _, err := p.Run(context.Background(), NewRunContext("items"), seq(1, 3)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(writer.batches) != 0 {
		t.Errorf("Writes = %d, want 0", len(writer.batches))
	}
}

func TestRun_SkipRecordCounted(t *testing.T) {
	mapper := MapFunc[int64](func(rc RunContext, raw json.RawMessage) (int64, error) {
		id, err := idMapper(rc, raw)
		if err != nil {
			return 0, err
		}
		if id%2 == 0 {
			return 0, fmt.Errorf("%w: output item %d unknown", ErrSkipRecord, id)
		}
		return id, nil
	})

	writer := &recordingWriter{}
	p, err := New[int64](&echoFetcher{}, mapper, writer, Config{ChunkSize: 200})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var buf bytes.Buffer
	p.SetLogger(zerolog.New(&buf))

	stats, err := p.Run(context.Background(), NewRunContext("recipes"), seq(1, 10))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Skipped != 5 || stats.Dropped != 0 || stats.Rows != 5 {
		t.Errorf("Stats = %+v, want 5 skipped, 0 dropped, 5 rows", stats)
	}
	if countLines(buf.String(), "Skipping record") != 5 {
		t.Errorf("Expected 5 skip warnings, got %s", buf.String())
	}
}

func TestRun_SnapshotSharedAcrossRecords(t *testing.T) {
	var seen []time.Time
	mapper := MapFunc[int64](func(rc RunContext, raw json.RawMessage) (int64, error) {
		seen = append(seen, rc.Snapshot)
		return idMapper(rc, raw)
	})

	p, err := New[int64](&echoFetcher{}, mapper, &recordingWriter{}, Config{ChunkSize: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.SetLogger(zerolog.Nop())

	rc := NewRunContext("prices")
	if _, err := p.Run(context.Background(), rc, seq(1, 5)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for i, s := range seen {
		if !s.Equal(rc.Snapshot) {
			t.Errorf("record %d snapshot = %v, want %v", i, s, rc.Snapshot)
		}
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	fetcher := &echoFetcher{}
	p, _ := newTestPipeline(t, fetcher, &recordingWriter{}, Config{ChunkSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, NewRunContext("items"), seq(1, 4))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("Fetches = %d, want 0", len(fetcher.calls))
	}
}

func TestDecodeList(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		expectLen   int
		expectError bool
	}{
		{name: "array", payload: `[{"id":1},{"id":2}]`, expectLen: 2},
		{name: "leading whitespace", payload: "\n  [1, 2, 3]", expectLen: 3},
		{name: "empty array", payload: `[]`, expectLen: 0},
		{name: "object", payload: `{"text":"no such id"}`, expectError: true},
		{name: "empty", payload: ``, expectError: true},
		{name: "truncated array", payload: `[{"id":1},`, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := DecodeList([]byte(tt.payload))
			if tt.expectError {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Errorf("Expected ErrMalformedResponse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(records) != tt.expectLen {
				t.Errorf("len = %d, want %d", len(records), tt.expectLen)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 200, want: "short"},
		{in: "abcdef", n: 3, want: "abc"},
		{in: "Mystic Coïn", n: 10, want: "Mystic Co"},
		{in: "Mystic Coïn", n: 11, want: "Mystic Coï"},
		{in: "€", n: 2, want: ""},
	}

	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) = %q is not valid UTF-8", tt.in, tt.n, got)
		}
	}
}
