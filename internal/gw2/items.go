package gw2

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/gw2tp-ingest/pkg/batch"
)

// ItemColumns are the t_item columns in row order.
var ItemColumns = []string{
	"id", "name", "type", "rarity", "level", "vendor_value",
	"accountbound", "soulbound", "icon", "chat_link", "details",
}

type itemRecord struct {
	ID          *int64          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Rarity      string          `json:"rarity"`
	Level       *int64          `json:"level"`
	VendorValue *int64          `json:"vendor_value"`
	Flags       []string        `json:"flags"`
	Icon        string          `json:"icon"`
	ChatLink    string          `json:"chat_link"`
	Details     json.RawMessage `json:"details"`
}

// ItemMapper maps /v2/items records to t_item rows.
type ItemMapper struct{}

// MapRecord implements batch.RecordMapper.
func (ItemMapper) MapRecord(_ batch.RunContext, raw json.RawMessage) ([]any, error) {
	var rec itemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	if rec.ID == nil {
		return nil, errors.New("item has no id")
	}

	return []any{
		*rec.ID,
		rec.Name,
		optString(rec.Type),
		optString(rec.Rarity),
		optInt(rec.Level),
		optInt(rec.VendorValue),
		hasFlag(rec.Flags, "AccountBound", "AccountBindOnUse"),
		hasFlag(rec.Flags, "SoulbindOnAcquire", "SoulBindOnUse"),
		optString(rec.Icon),
		optString(rec.ChatLink),
		optJSON(rec.Details),
	}, nil
}
