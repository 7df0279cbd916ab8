//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/gw2tp-ingest/internal/gw2"
	"github.com/Sternrassler/gw2tp-ingest/internal/testutil"
	"github.com/Sternrassler/gw2tp-ingest/pkg/client"
	"github.com/Sternrassler/gw2tp-ingest/pkg/ratelimit"
	"github.com/Sternrassler/gw2tp-ingest/pkg/store"
)

var items = map[int64]string{
	1: `{"id":1,"name":"Copper Ore","type":"CraftingMaterial","rarity":"Basic","level":0,"vendor_value":1,"flags":[],"icon":"https://render.guildwars2.com/1.png","chat_link":"[&AgEBAAAA]"}`,
	2: `{"id":2,"name":"Starter Backpack","type":"Bag","rarity":"Basic","flags":["AccountBound"],"details":{"size":20}}`,
	3: `{"id":3,"name":"Mystic Coin","type":"Trophy","rarity":"Rare","vendor_value":0,"flags":[]}`,
	4: `{"id":4,"name":"Legendary Gift","type":"Trophy","rarity":"Legendary","flags":["SoulbindOnAcquire"]}`,
}

var listings = map[int64]string{
	1: `{"id":1,"buys":[{"listings":12,"unit_price":3,"quantity":2500}],"sells":[{"listings":4,"unit_price":5,"quantity":800}]}`,
	3: `{"id":3,"buys":[{"listings":1,"unit_price":9500,"quantity":250}],"sells":[]}`,
}

var recipes = map[int64]string{
	10: `{"id":10,"output_item_id":1,"output_item_count":2,"disciplines":["Weaponsmith","Armorsmith"],"min_rating":25,"time_to_craft_ms":1000,
		"flags":["AutoLearned"],"ingredients":[{"item_id":3,"count":1},{"type":"Item","id":2,"count":5}]}`,
	11: `{"id":11,"output_item_id":999,"ingredients":[{"item_id":1,"count":1}]}`,
}

type env struct {
	deps    gw2.Deps
	mock    *testutil.MockAPI
	tracker *ratelimit.Tracker
	db      store.Config
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	db := testutil.StartPostgres(t)
	rdb := testutil.StartRedis(t)

	st, err := store.Open(ctx, db)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(st.Close)

	mock := testutil.NewMockAPI()
	t.Cleanup(mock.Close)
	mock.SetCatalog(gw2.ItemsPath, items)
	mock.SetCatalog(gw2.ListingsPath, listings)
	mock.SetCatalog(gw2.RecipesPath, recipes)

	bucket, err := ratelimit.NewBucket(gw2.DefaultBurst, gw2.DefaultRefill)
	if err != nil {
		t.Fatalf("NewBucket() error = %v", err)
	}
	tracker := ratelimit.NewTracker(rdb, zerolog.Nop())

	cfg := client.DefaultConfig("gw2tp-ingest-integration")
	cfg.Limiter = bucket
	cfg.Quota = tracker
	cfg.Timeout = 10 * time.Second
	cfg.Retry.InitialBackoff = 10 * time.Millisecond
	cfg.Retry.MaxBackoff = 50 * time.Millisecond

	api, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	return &env{
		deps: gw2.Deps{
			API:       api,
			Store:     st,
			BaseURL:   mock.URL(),
			ChunkSize: 3,
			Logger:    zerolog.Nop(),
		},
		mock:    mock,
		tracker: tracker,
		db:      db,
	}
}

func TestIngest_EndToEnd(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	// a transient fault and a throttle are absorbed by the client
	e.mock.SetSequence(gw2.ItemsPath,
		testutil.NewServerErrorResponse(),
		testutil.NewThrottledResponse("0"),
		testutil.NewOKResponse(""),
	)

	stats, err := gw2.RunItems(ctx, e.deps, nil)
	if err != nil {
		t.Fatalf("RunItems() error = %v", err)
	}
	if stats.Rows != 4 {
		t.Errorf("items stats.Rows = %d, want 4", stats.Rows)
	}
	if got := testutil.CountRows(t, e.db, "t_item"); got != 4 {
		t.Errorf("t_item rows = %d, want 4", got)
	}

	stats, err = gw2.RunPrices(ctx, e.deps, gw2.ModeFull)
	if err != nil {
		t.Fatalf("RunPrices(full) error = %v", err)
	}
	if stats.Rows != 2 {
		t.Errorf("prices stats.Rows = %d, want 2 (bound items excluded)", stats.Rows)
	}
	if got := e.mock.GetLastQuery(gw2.ListingsPath); got != "ids=1%2C3" && got != "ids=1,3" {
		t.Errorf("listings query = %q, want only the tradable items", got)
	}

	time.Sleep(2 * time.Millisecond)
	if _, err := gw2.RunPrices(ctx, e.deps, gw2.ModeQuick); err != nil {
		t.Fatalf("RunPrices(quick) error = %v", err)
	}
	if got := testutil.CountRows(t, e.db, "t_price"); got != 4 {
		t.Errorf("t_price rows = %d, want two snapshots of 2 items", got)
	}

	stats, err = gw2.RunRecipes(ctx, e.deps)
	if err != nil {
		t.Fatalf("RunRecipes() error = %v", err)
	}
	if stats.Skipped != 1 {
		t.Errorf("recipes stats.Skipped = %d, want 1", stats.Skipped)
	}
	if got := testutil.CountRows(t, e.db, "t_recipe"); got != 1 {
		t.Errorf("t_recipe rows = %d, want 1", got)
	}
	if got := testutil.CountRows(t, e.db, "t_ingredient"); got != 2 {
		t.Errorf("t_ingredient rows = %d, want 2", got)
	}

	state, err := e.tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 550 {
		t.Errorf("quota remaining = %d, want 550", state.Remaining)
	}
}

func TestIngest_RerunIsIdempotent(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	for run := 0; run < 2; run++ {
		if _, err := gw2.RunItems(ctx, e.deps, nil); err != nil {
			t.Fatalf("run %d: RunItems() error = %v", run, err)
		}
		if _, err := gw2.RunRecipes(ctx, e.deps); err != nil {
			t.Fatalf("run %d: RunRecipes() error = %v", run, err)
		}
	}

	if got := testutil.CountRows(t, e.db, "t_item"); got != 4 {
		t.Errorf("t_item rows = %d, want 4", got)
	}
	if got := testutil.CountRows(t, e.db, "t_recipe"); got != 1 {
		t.Errorf("t_recipe rows = %d, want 1", got)
	}
	if got := testutil.CountRows(t, e.db, "t_ingredient"); got != 2 {
		t.Errorf("t_ingredient rows = %d, want 2", got)
	}
}

func TestIngest_PricesWithoutItems(t *testing.T) {
	e := setup(t)

	stats, err := gw2.RunPrices(context.Background(), e.deps, gw2.ModeQuick)
	if err != nil {
		t.Fatalf("RunPrices() error = %v", err)
	}
	if stats.Chunks != 0 {
		t.Errorf("stats.Chunks = %d, want 0 for an empty item table", stats.Chunks)
	}
	if got := e.mock.GetPathCount(gw2.ListingsPath); got != 0 {
		t.Errorf("listing requests = %d, want 0", got)
	}
}
