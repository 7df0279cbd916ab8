// Package gw2 holds the Guild Wars 2 catalog jobs: the endpoints, the
// record mappers for items, prices and recipes, and the writers that
// persist their rows.
package gw2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/Sternrassler/gw2tp-ingest/pkg/batch"
	"github.com/Sternrassler/gw2tp-ingest/pkg/client"
)

// API endpoints and limits.
const (
	DefaultBaseURL = "https://api.guildwars2.com"

	ItemsPath    = "/v2/items"
	RecipesPath  = "/v2/recipes"
	ListingsPath = "/v2/commerce/listings"

	// MaxIDsPerRequest is the largest ids= list the API accepts.
	MaxIDsPerRequest = 200

	// DefaultBurst and DefaultRefill match the published API limit of
	// 300 requests burst refilled at 5 per second.
	DefaultBurst  = 300
	DefaultRefill = 5.0

	DefaultUserAgent = "gw2tp-ingest/1.0"
)

// Getter performs one logical GET. *client.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, rawURL string, params url.Values) (*client.Response, error)
}

// Endpoint joins base and path.
func Endpoint(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute", base)
	}
	return u.JoinPath(path).String(), nil
}

// ListIDs fetches the bare ID listing of an endpoint. Anything but a JSON
// array of integers is a malformed response.
func ListIDs(ctx context.Context, getter Getter, endpoint string) ([]int64, error) {
	resp, err := getter.Get(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("list ids from %s: %w", endpoint, err)
	}

	records, err := batch.DecodeList(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("list ids from %s: %w", endpoint, err)
	}

	ids := make([]int64, 0, len(records))
	for i, raw := range records {
		var id int64
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("list ids from %s: element %d: %w: %v", endpoint, i, batch.ErrMalformedResponse, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// APIFetcher fetches the detail records of one chunk with ?ids=.
type APIFetcher struct {
	Getter   Getter
	Endpoint string
}

// FetchChunk implements batch.ChunkFetcher.
func (f APIFetcher) FetchChunk(ctx context.Context, ids []int64) ([]byte, error) {
	resp, err := f.Getter.Get(ctx, f.Endpoint, client.IDsParam(ids))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
