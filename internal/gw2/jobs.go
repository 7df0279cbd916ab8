package gw2

import (
	"context"
	"embed"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/gw2tp-ingest/pkg/batch"
	"github.com/Sternrassler/gw2tp-ingest/pkg/store"
)

//go:embed sql/*.sql
var sqlFS embed.FS

// Job names.
const (
	JobItems   = "items"
	JobPrices  = "prices"
	JobRecipes = "recipes"
)

// Store is the persistence a job needs. *store.Store satisfies it.
type Store interface {
	Upserter
	FetchColumnList(ctx context.Context, query string, args ...any) ([]int64, error)
}

// Deps are the collaborators shared by every job.
type Deps struct {
	API     Getter
	Store   Store
	BaseURL string

	// ChunkSize is the number of IDs per request, at most MaxIDsPerRequest.
	ChunkSize int
	// ReportEvery is the progress interval; zero means ChunkSize*10.
	ReportEvery int

	Logger zerolog.Logger
}

func (d Deps) endpoint(path string) (string, error) {
	base := d.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return Endpoint(base, path)
}

func (d Deps) chunkSize() int {
	if d.ChunkSize <= 0 || d.ChunkSize > MaxIDsPerRequest {
		return MaxIDsPerRequest
	}
	return d.ChunkSize
}

func (d Deps) tableWriter(job, file, table string) (TableWriter, error) {
	sqlText, err := store.LoadSQL(sqlFS, "sql/"+file)
	if err != nil {
		return TableWriter{}, err
	}
	return TableWriter{
		Upserter: d.Store,
		SQL:      sqlText,
		Table:    table,
		PageSize: MaxIDsPerRequest,
		Logger:   d.Logger.With().Str("job", job).Logger(),
	}, nil
}

func runPipeline[T any](ctx context.Context, d Deps, job, path string, ids []int64, mapper batch.RecordMapper[T], writer batch.BatchWriter[T]) (batch.Stats, error) {
	endpoint, err := d.endpoint(path)
	if err != nil {
		return batch.Stats{}, err
	}

	pipeline, err := batch.New[T](APIFetcher{Getter: d.API, Endpoint: endpoint}, mapper, writer, batch.Config{
		ChunkSize:   d.chunkSize(),
		ReportEvery: d.ReportEvery,
	})
	if err != nil {
		return batch.Stats{}, err
	}
	pipeline.SetLogger(d.Logger)

	return pipeline.Run(ctx, batch.NewRunContext(job), ids)
}

func (d Deps) listIDs(ctx context.Context, job, path string) ([]int64, error) {
	endpoint, err := d.endpoint(path)
	if err != nil {
		return nil, err
	}

	d.Logger.Info().Str("job", job).Str("endpoint", endpoint).Msg("Fetching ID list")
	ids, err := ListIDs(ctx, d.API, endpoint)
	if err != nil {
		d.Logger.Error().Err(err).Str("job", job).Msg("Failed to fetch ID list")
		return nil, err
	}
	d.Logger.Info().Str("job", job).Int("ids", len(ids)).Msg("Received ID list")
	return ids, nil
}

// RunItems lists every item and upserts its details into t_item. When
// out is not nil the mapped rows are also written to it as CSV.
func RunItems(ctx context.Context, d Deps, out io.Writer) (batch.Stats, error) {
	ids, err := d.listIDs(ctx, JobItems, ItemsPath)
	if err != nil {
		return batch.Stats{}, fmt.Errorf("items: %w", err)
	}

	table, err := d.tableWriter(JobItems, "upsert_items.sql", "t_item")
	if err != nil {
		return batch.Stats{}, err
	}

	writers := []batch.BatchWriter[[]any]{table}
	if out != nil {
		writers = append(writers, NewCSVWriter(out, ItemColumns))
	}

	stats, err := runPipeline[[]any](ctx, d, JobItems, ItemsPath, ids, ItemMapper{}, batch.MultiWriter(writers...))
	if err != nil {
		return stats, fmt.Errorf("items: %w", err)
	}
	return stats, nil
}

// RunPrices snapshots the trading post listings of the tradable items
// stored in t_item.
func RunPrices(ctx context.Context, d Deps, mode Mode) (batch.Stats, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return batch.Stats{}, fmt.Errorf("prices: %w", err)
	}

	ids, err := d.Store.FetchColumnList(ctx, PriceIDsQuery(mode))
	if err != nil {
		d.Logger.Error().Err(err).Str("job", JobPrices).Msg("Failed to load item IDs")
		return batch.Stats{}, fmt.Errorf("prices: load item ids: %w", err)
	}
	d.Logger.Info().Str("job", JobPrices).Str("mode", string(mode)).Int("ids", len(ids)).Msg("Loaded item IDs")

	table, err := d.tableWriter(JobPrices, "upsert_prices.sql", "t_price")
	if err != nil {
		return batch.Stats{}, err
	}

	stats, err := runPipeline[[]any](ctx, d, JobPrices, ListingsPath, ids, PriceMapper{}, table)
	if err != nil {
		return stats, fmt.Errorf("prices: %w", err)
	}
	return stats, nil
}

// RunRecipes lists every recipe and upserts those producing a known item,
// together with their ingredients.
func RunRecipes(ctx context.Context, d Deps) (batch.Stats, error) {
	ids, err := d.listIDs(ctx, JobRecipes, RecipesPath)
	if err != nil {
		return batch.Stats{}, fmt.Errorf("recipes: %w", err)
	}

	itemIDs, err := d.Store.FetchColumnList(ctx, "SELECT id FROM t_item")
	if err != nil {
		d.Logger.Error().Err(err).Str("job", JobRecipes).Msg("Failed to load item IDs")
		return batch.Stats{}, fmt.Errorf("recipes: load item ids: %w", err)
	}

	recipes, err := d.tableWriter(JobRecipes, "upsert_recipes.sql", "t_recipe")
	if err != nil {
		return batch.Stats{}, err
	}
	ingredients, err := d.tableWriter(JobRecipes, "upsert_ingredients.sql", "t_ingredient")
	if err != nil {
		return batch.Stats{}, err
	}

	writer := RecipeWriter{Recipes: recipes, Ingredients: ingredients}
	stats, err := runPipeline[RecipeRow](ctx, d, JobRecipes, RecipesPath, ids, NewRecipeMapper(itemIDs), writer)
	if err != nil {
		return stats, fmt.Errorf("recipes: %w", err)
	}
	return stats, nil
}
