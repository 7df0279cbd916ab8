package gw2

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Upserter runs a VALUES %s upsert in one transaction. *store.Store
// satisfies it.
type Upserter interface {
	ExecuteBatchUpsert(ctx context.Context, sqlText string, rows [][]any, pageSize int) error
}

// TableWriter upserts rows into one table.
type TableWriter struct {
	Upserter Upserter
	SQL      string
	Table    string
	PageSize int
	Logger   zerolog.Logger
}

// WriteBatch implements batch.BatchWriter.
func (w TableWriter) WriteBatch(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if err := w.Upserter.ExecuteBatchUpsert(ctx, w.SQL, rows, w.PageSize); err != nil {
		return fmt.Errorf("upsert %s: %w", w.Table, err)
	}
	w.Logger.Debug().Msgf("Upserted %d rows into '%s'", len(rows), w.Table)
	return nil
}

// RecipeWriter upserts recipes, then their ingredients.
type RecipeWriter struct {
	Recipes     TableWriter
	Ingredients TableWriter
}

// WriteBatch implements batch.BatchWriter.
func (w RecipeWriter) WriteBatch(ctx context.Context, rows []RecipeRow) error {
	recipes := make([][]any, 0, len(rows))
	var ingredients [][]any
	for _, row := range rows {
		recipes = append(recipes, row.Recipe)
		ingredients = append(ingredients, row.Ingredients...)
	}

	if err := w.Recipes.WriteBatch(ctx, recipes); err != nil {
		return err
	}
	return w.Ingredients.WriteBatch(ctx, ingredients)
}

// CSVWriter mirrors rows to a CSV stream. The header is written before
// the first batch.
type CSVWriter struct {
	mu      sync.Mutex
	w       *csv.Writer
	header  []string
	started bool
}

// NewCSVWriter creates a CSV writer with the given column header.
func NewCSVWriter(w io.Writer, header []string) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w), header: header}
}

// WriteBatch implements batch.BatchWriter.
func (c *CSVWriter) WriteBatch(_ context.Context, rows [][]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		if err := c.w.Write(c.header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		c.started = true
	}

	record := make([]string, 0, len(c.header))
	for _, row := range rows {
		record = record[:0]
		for _, v := range row {
			record = append(record, csvField(v))
		}
		if err := c.w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	c.w.Flush()
	return c.w.Error()
}

func csvField(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case json.RawMessage:
		return string(v)
	case []string:
		return strings.Join(v, ";")
	default:
		return fmt.Sprint(v)
	}
}
