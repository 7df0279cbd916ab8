package gw2

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/gw2tp-ingest/pkg/batch"
)

// PriceColumns are the t_price columns in row order.
var PriceColumns = []string{"item_id", "snapshot_ts", "buys", "sells"}

// Mode selects which items the prices job asks for.
type Mode string

const (
	// ModeFull lists every tradable item.
	ModeFull Mode = "full"
	// ModeQuick lists only tradable items already seen on the trading post.
	ModeQuick Mode = "quick"
)

// ParseMode accepts "full" or "quick".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeQuick:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid mode %q: want %q or %q", s, ModeFull, ModeQuick)
}

// String implements flag.Value.
func (m *Mode) String() string {
	if m == nil || *m == "" {
		return string(ModeFull)
	}
	return string(*m)
}

// Set implements flag.Value.
func (m *Mode) Set(s string) error {
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

const tradableItemsQuery = `SELECT id FROM t_item WHERE accountbound = FALSE AND soulbound = FALSE`

// PriceIDsQuery returns the item ID query for mode.
func PriceIDsQuery(mode Mode) string {
	if mode == ModeQuick {
		return tradableItemsQuery + ` AND id IN (SELECT item_id FROM t_price) ORDER BY id`
	}
	return tradableItemsQuery + ` ORDER BY id`
}

type listingRecord struct {
	ID    *int64          `json:"id"`
	Buys  json.RawMessage `json:"buys"`
	Sells json.RawMessage `json:"sells"`
}

// PriceMapper maps /v2/commerce/listings records to t_price rows stamped
// with the run snapshot.
type PriceMapper struct{}

// MapRecord implements batch.RecordMapper.
func (PriceMapper) MapRecord(rc batch.RunContext, raw json.RawMessage) ([]any, error) {
	var rec listingRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	if rec.ID == nil {
		return nil, errors.New("listing has no id")
	}

	return []any{
		*rec.ID,
		rc.Snapshot,
		optJSON(rec.Buys),
		optJSON(rec.Sells),
	}, nil
}
