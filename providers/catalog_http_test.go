package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catalogServer fakes the product and inventory services on one listener.
func catalogServer(t *testing.T, products []catalogProduct, stock map[string]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/products":
			q := r.URL.Query()
			var out []catalogProduct
			for _, p := range products {
				if sku := q.Get("sku"); sku != "" && strings.EqualFold(p.SKU, sku) {
					out = append(out, p)
				}
				if cat := q.Get("categoryId"); cat != "" && p.Category == cat {
					out = append(out, p)
				}
			}
			_ = json.NewEncoder(w).Encode(productListResponse{Products: out, Total: len(out)})
		case strings.HasPrefix(r.URL.Path, "/inventory/"):
			id := strings.TrimPrefix(r.URL.Path, "/inventory/")
			n, ok := stock[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"not found"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(inventoryInfo{ProductID: id, Available: n})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCatalog(url string) *HTTPCatalogClient {
	return NewHTTPCatalogClient(CatalogConfig{ProductServiceURL: url, InventoryServiceURL: url + "/"})
}

var testProducts = []catalogProduct{
	{ID: "p1", Name: "Widget", SKU: "W-1", Price: 12.5, Category: "tools"},
	{ID: "p2", Name: "Widget Pro", SKU: "W-2", Price: 19.99, Category: "tools"},
	{ID: "p3", Name: "Widget Mini", SKU: "W-3", Price: 7, Category: "tools"},
	{ID: "p4", Name: "Widget XL", SKU: "W-4", Price: 30, Category: "tools"},
	{ID: "p5", Name: "Widget Lite", SKU: "W-5", Price: 9, Category: "tools"},
	{ID: "p6", Name: "Gadget", SKU: "G-1", Price: 3, Category: ""},
}

func TestCheckAvailability(t *testing.T) {
	srv := catalogServer(t, testProducts, map[string]int{"p1": 4, "p2": 0})
	c := newTestCatalog(srv.URL)
	ctx := context.Background()

	got, err := c.CheckAvailability(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, got.Available)
	assert.Equal(t, 4, got.Quantity)
	assert.Equal(t, "p1", got.ProductID)
	assert.Equal(t, "12.50", got.Price.StringFixed(2))

	got, err = c.CheckAvailability(ctx, "W-2")
	require.NoError(t, err)
	assert.False(t, got.Available)

	// no inventory record
	got, err = c.CheckAvailability(ctx, "W-3")
	require.NoError(t, err)
	assert.False(t, got.Available)

	got, err = c.CheckAvailability(ctx, "NOPE")
	require.NoError(t, err)
	assert.False(t, got.Available)
	assert.Equal(t, "NOPE", got.SKU)
}

func TestCheckAvailability_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"bad token"}`))
	}))
	defer srv.Close()

	_, err := newTestCatalog(srv.URL).CheckAvailability(context.Background(), "W-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestFindAlternatives(t *testing.T) {
	srv := catalogServer(t, testProducts, map[string]int{"p1": 0, "p2": 10, "p3": 1, "p4": 5, "p5": 8})
	c := newTestCatalog(srv.URL)

	alts, err := c.FindAlternatives(context.Background(), "W-1", 2)
	require.NoError(t, err)
	require.Len(t, alts, maxAlternatives)
	skus := []string{alts[0].SKU, alts[1].SKU, alts[2].SKU}
	assert.Equal(t, []string{"W-2", "W-4", "W-5"}, skus)
	assert.Equal(t, 10, alts[0].Available)
}

func TestFindAlternatives_NoCategoryOrUnknown(t *testing.T) {
	srv := catalogServer(t, testProducts, nil)
	c := newTestCatalog(srv.URL)

	alts, err := c.FindAlternatives(context.Background(), "G-1", 1)
	require.NoError(t, err)
	assert.Empty(t, alts)

	alts, err = c.FindAlternatives(context.Background(), "NOPE", 1)
	require.NoError(t, err)
	assert.Empty(t, alts)
}

func TestCommerceClient_Composes(t *testing.T) {
	srv := catalogServer(t, testProducts, map[string]int{"p1": 1})
	var commerce Commerce = NewCommerceClient(newTestCatalog(srv.URL), nil)

	got, err := commerce.CheckAvailability(context.Background(), "W-1")
	require.NoError(t, err)
	assert.True(t, got.Available)
}
