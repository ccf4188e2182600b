package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartek5186/mallsync/internal/integrations"
	"github.com/bartek5186/mallsync/internal/orders"
	"github.com/bartek5186/mallsync/internal/staging"
)

// catalogServer serves total products, pageSize per page; failing pages answer 500.
func catalogServer(t *testing.T, total, pageSize int, failing map[int]bool, hits *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, strconv.Itoa(pageSize), r.URL.Query().Get("per_page"))
		n, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if failing[n] {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var out []apiProduct
		for i := (n - 1) * pageSize; i < n*pageSize && i < total; i++ {
			out = append(out, apiProduct{
				ID:        fmt.Sprintf("P%03d", i),
				Brand:     "PRADA",
				CostPrice: decimal.NewFromInt(int64(100 + i)),
				Variants:  []apiVariant{{ID: fmt.Sprintf("P%03d-S", i), Label: "s", Stock: 1}},
			})
		}
		if out == nil {
			out = []apiProduct{}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
}

func newTestSource(t *testing.T, url string, pageSize, conc int) *Source {
	t.Helper()
	src, err := NewSource(zerolog.Nop(), "IT-R-01", SourceConfig{
		BaseURL:     url,
		Path:        "/api/products",
		Auth:        Auth{Token: "secret"},
		PageSize:    pageSize,
		Concurrency: conc,
		MaxPages:    50,
	})
	require.NoError(t, err)
	src.now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }
	return src
}

func TestSource_StopsAtFirstShortPage(t *testing.T) {
	var hits int64
	srv := catalogServer(t, 23, 5, nil, &hits)
	defer srv.Close()

	snap, err := newTestSource(t, srv.URL, 5, 3).FetchSnapshot(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, staging.ModeFull, snap.Mode)
	assert.Equal(t, "2025-03-01", snap.Cursor.Period)
	assert.True(t, snap.Cursor.Full)
	assert.Empty(t, snap.FailedPages)

	require.Len(t, snap.Items, 23)
	for i, it := range snap.Items {
		assert.Equal(t, fmt.Sprintf("P%03d", i), it.ExternalProductID)
	}
	assert.Equal(t, "s", snap.Items[0].Variants[0].Label)
	// pages 1-3 then 4-6; page 5 is short
	assert.EqualValues(t, 6, atomic.LoadInt64(&hits))
}

func TestSource_ExactMultipleEndsOnEmptyPage(t *testing.T) {
	var hits int64
	srv := catalogServer(t, 10, 5, nil, &hits)
	defer srv.Close()

	snap, err := newTestSource(t, srv.URL, 5, 1).FetchSnapshot(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, snap.Items, 10)
	assert.EqualValues(t, 3, atomic.LoadInt64(&hits))
}

func TestSource_ReportsFailedPages(t *testing.T) {
	var hits int64
	srv := catalogServer(t, 12, 5, map[int]bool{2: true}, &hits)
	defer srv.Close()

	snap, err := newTestSource(t, srv.URL, 5, 2).FetchSnapshot(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, snap.FailedPages)
	assert.Len(t, snap.Items, 7) // pages 1 and 3
}

func TestSource_StopsWhenAWholeWaveFails(t *testing.T) {
	var hits int64
	failing := map[int]bool{}
	for i := 1; i <= 50; i++ {
		failing[i] = true
	}
	srv := catalogServer(t, 12, 5, failing, &hits)
	defer srv.Close()

	snap, err := newTestSource(t, srv.URL, 5, 3).FetchSnapshot(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, snap.FailedPages)
	assert.Empty(t, snap.Items)
	assert.EqualValues(t, 3, atomic.LoadInt64(&hits))
}

func TestSource_RegisteredFactory(t *testing.T) {
	src, err := integrations.BuildSource(zerolog.Nop(), integrations.SourceSpec{
		Code: "IT-R-01", Kind: SourceKind, Enabled: true,
		Options: map[string]any{"base_url": "http://127.0.0.1:1", "page_size": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "IT-R-01", src.Code())

	_, err = integrations.BuildSource(zerolog.Nop(), integrations.SourceSpec{Code: "X", Kind: SourceKind})
	assert.Error(t, err)
}

func TestHub_Send(t *testing.T) {
	var got orderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "shop", user)
		assert.Equal(t, "pw", pass)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(orderResponse{Results: []lineResult{
			{Ref: "R1", Success: true},
			{Ref: "R2", Reason: "OUT_OF_STOCK"},
			{Ref: "R9", Success: true},
		}})
	}))
	defer srv.Close()

	hub, err := NewHub(zerolog.Nop(), "atelier", HubConfig{BaseURL: srv.URL + "/v2", Auth: Auth{Username: "shop", Password: "pw"}})
	require.NoError(t, err)

	res, err := hub.Send(context.Background(), &orders.Request{
		OrderID:      7,
		OrderAPIName: "bini",
		Lines: []orders.RequestLine{
			{LineID: 1, ExternalRef: "R1", ExternalProductID: "P1", VariantLabel: "S", Quantity: 1, UnitCost: decimal.NewFromInt(10)},
			{LineID: 2, ExternalRef: "R2", ExternalProductID: "P2", VariantLabel: "M", Quantity: 2},
			{LineID: 3, ExternalRef: "R3", ExternalProductID: "P3", VariantLabel: "L", Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []orders.LineResult{
		{LineID: 1, Success: true},
		{LineID: 2, ReasonCode: "OUT_OF_STOCK"},
	}, res)

	assert.Equal(t, "bini", got.Shop)
	assert.EqualValues(t, 7, got.OrderID)
	require.Len(t, got.Lines, 3)
	assert.Equal(t, "R3", got.Lines[2].Ref)
	assert.True(t, got.Lines[0].UnitCost.Equal(decimal.NewFromInt(10)))
}

func TestHub_HTTPErrorIsCallFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hub, err := NewHub(zerolog.Nop(), "atelier", HubConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = hub.Send(context.Background(), &orders.Request{OrderID: 1, Lines: []orders.RequestLine{{LineID: 1, ExternalRef: "R"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 503")
}

func TestBuildRegistry(t *testing.T) {
	reg, err := integrations.BuildRegistry(zerolog.Nop(), []integrations.HubSpec{{
		Name:      "atelier",
		Kind:      HubKind,
		Retailers: []string{"IT-B-02=BINI", "IT-C-01"},
		Options:   map[string]any{"base_url": "http://127.0.0.1:1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "BINI", reg.ShortCode("IT-B-02"))
	assert.Equal(t, "C01", reg.ShortCode("IT-C-01"))

	d1, _, err := reg.For("IT-B-02")
	require.NoError(t, err)
	d2, _, err := reg.For("IT-C-01")
	require.NoError(t, err)
	assert.Same(t, d1, d2)

	_, err = integrations.BuildRegistry(zerolog.Nop(), []integrations.HubSpec{{Name: "x", Kind: "carrier-pigeon"}})
	assert.Error(t, err)
}
