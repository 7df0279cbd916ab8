package gw2

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/gw2tp-ingest/pkg/batch"
)

// RecipeColumns are the t_recipe columns in row order.
var RecipeColumns = []string{
	"id", "output_item_id", "output_item_count", "disciplines",
	"min_rating", "auto_learned", "learned_from_item", "time_to_craft_ms",
}

// IngredientColumns are the t_ingredient columns in row order.
var IngredientColumns = []string{"recipe_id", "item_id", "count"}

// RecipeRow is one recipe with its ingredient rows.
type RecipeRow struct {
	Recipe      []any
	Ingredients [][]any
}

type recipeRecord struct {
	ID              *int64       `json:"id"`
	OutputItemID    *int64       `json:"output_item_id"`
	OutputItemCount *int64       `json:"output_item_count"`
	Disciplines     []string     `json:"disciplines"`
	MinRating       *int64       `json:"min_rating"`
	TimeToCraftMS   *int64       `json:"time_to_craft_ms"`
	Flags           []string     `json:"flags"`
	Ingredients     []ingredient `json:"ingredients"`
}

// ingredient accepts both API schemas: the legacy {item_id, count} and
// the current {type, id, count}.
type ingredient struct {
	ItemID *int64 `json:"item_id"`
	Type   string `json:"type"`
	ID     *int64 `json:"id"`
	Count  *int64 `json:"count"`
}

func (ing ingredient) itemID() (int64, bool) {
	if ing.ItemID != nil {
		return *ing.ItemID, true
	}
	if ing.ID != nil && (ing.Type == "" || ing.Type == "Item") {
		return *ing.ID, true
	}
	return 0, false
}

// RecipeMapper maps /v2/recipes records. Recipes whose output item is not
// in KnownItems are skipped.
type RecipeMapper struct {
	KnownItems map[int64]struct{}
}

// NewRecipeMapper indexes the known item IDs.
func NewRecipeMapper(itemIDs []int64) RecipeMapper {
	known := make(map[int64]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		known[id] = struct{}{}
	}
	return RecipeMapper{KnownItems: known}
}

// MapRecord implements batch.RecordMapper.
func (m RecipeMapper) MapRecord(_ batch.RunContext, raw json.RawMessage) (RecipeRow, error) {
	var rec recipeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return RecipeRow{}, fmt.Errorf("decode recipe: %w", err)
	}
	if rec.ID == nil {
		return RecipeRow{}, errors.New("recipe has no id")
	}
	if rec.OutputItemID == nil {
		return RecipeRow{}, fmt.Errorf("recipe %d has no output item: %w", *rec.ID, batch.ErrSkipRecord)
	}
	if _, ok := m.KnownItems[*rec.OutputItemID]; !ok {
		return RecipeRow{}, fmt.Errorf("recipe %d has unknown output item %d: %w", *rec.ID, *rec.OutputItemID, batch.ErrSkipRecord)
	}

	row := RecipeRow{
		Recipe: []any{
			*rec.ID,
			nonZero(rec.OutputItemID),
			nonZero(rec.OutputItemCount),
			optStrings(rec.Disciplines),
			nonZero(rec.MinRating),
			hasFlag(rec.Flags, "AutoLearned"),
			hasFlag(rec.Flags, "LearnedFromItem"),
			nonZero(rec.TimeToCraftMS),
		},
	}

	for _, ing := range rec.Ingredients {
		itemID, ok := ing.itemID()
		if !ok || ing.Count == nil {
			continue
		}
		row.Ingredients = append(row.Ingredients, []any{*rec.ID, itemID, *ing.Count})
	}

	return row, nil
}
