// Package testutil provides testing utilities for the GW2 ingest jobs.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock API endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock GW2 API server for testing.
//
// Paths can be given a scripted sequence of responses (consumed in order,
// the last one repeats) or a catalog of JSON records keyed by id, which
// answers both the bare ID listing and ?ids= detail requests.
type MockAPI struct {
	server    *httptest.Server
	mu        sync.RWMutex
	handlers  map[string]func(w http.ResponseWriter, r *http.Request)
	sequences map[string][]MockResponse
	catalogs  map[string]map[int64]string

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastQuery         map[string]string
	LastRequestHeader http.Header
}

// NewMockAPI creates a new mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		sequences:  make(map[string][]MockResponse),
		catalogs:   make(map[string]map[int64]string),
		PathCounts: make(map[string]int),
		LastQuery:  make(map[string]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastQuery[r.URL.Path] = r.URL.RawQuery
		mock.LastRequestHeader = r.Header.Clone()

		var scripted *MockResponse
		if seq := mock.sequences[r.URL.Path]; len(seq) > 0 {
			resp := seq[0]
			if len(seq) > 1 {
				mock.sequences[r.URL.Path] = seq[1:]
			}
			scripted = &resp
		}
		handler, hasHandler := mock.handlers[r.URL.Path]
		catalog, hasCatalog := mock.catalogs[r.URL.Path]
		mock.mu.Unlock()

		switch {
		case scripted != nil && (scripted.StatusCode != http.StatusOK || !hasCatalog):
			writeResponse(w, *scripted)
		case hasHandler:
			handler(w, r)
		case hasCatalog:
			serveCatalog(w, r, catalog)
		default:
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"text":"not found"}`))
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastQuery = make(map[string]string)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence queues responses for a path. A 200 entry on a path that
// also has a catalog falls through to the catalog.
func (m *MockAPI) SetSequence(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = responses
}

// SetCatalog serves records by id for path. Each record must be a JSON
// object; its id is the map key.
func (m *MockAPI) SetCatalog(path string, records map[int64]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogs[path] = records
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockAPI) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetLastQuery returns the raw query of the last request to path.
func (m *MockAPI) GetLastQuery(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastQuery[path]
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// serveCatalog answers a listing (no ids) with the sorted id list and a
// detail request with the known records, skipping unknown ids like the
// live API does.
func serveCatalog(w http.ResponseWriter, r *http.Request, catalog map[int64]string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Rate-Limit-Remaining", "550")
	w.Header().Set("X-Rate-Limit-Reset", "60")

	idsParam := r.URL.Query().Get("ids")
	if idsParam == "" {
		ids := make([]int64, 0, len(catalog))
		for id := range catalog {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		body, _ := json.Marshal(ids)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	var records []string
	for _, part := range strings.Split(idsParam, ",") {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"text":"invalid id list"}`)
			return
		}
		if rec, ok := catalog[id]; ok {
			records = append(records, rec)
		}
	}

	if len(records) == 0 {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"text":"all ids provided are invalid"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("[" + strings.Join(records, ",") + "]"))
}

// NewOKResponse creates a standard 200 OK response with quota headers.
func NewOKResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"X-Rate-Limit-Remaining": "550",
			"X-Rate-Limit-Reset":     "60",
			"Content-Type":           "application/json; charset=utf-8",
		},
	}
}

// NewThrottledResponse creates a 429 Too Many Requests response.
// retryAfter is sent as Retry-After when non-empty.
func NewThrottledResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"text":"too many requests"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"text":"internal error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
