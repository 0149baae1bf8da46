package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bulk-order-service/models"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// ErrSKUNotFound is returned when the product service knows no product for a SKU.
var ErrSKUNotFound = errors.New("sku not found")

const maxAlternatives = 3

// HTTPCatalogClient resolves SKUs through the product service and stock through the
// inventory service.
type HTTPCatalogClient struct {
	products  *resty.Client
	inventory *resty.Client
}

// CatalogConfig holds the upstream service locations.
type CatalogConfig struct {
	ProductServiceURL   string
	InventoryServiceURL string
	ServiceToken        string
	Timeout             time.Duration
}

func NewHTTPCatalogClient(cfg CatalogConfig) *HTTPCatalogClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	newClient := func(baseURL string) *resty.Client {
		c := resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json").
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			})
		if cfg.ServiceToken != "" {
			c.SetHeader("Authorization", "Bearer "+cfg.ServiceToken)
		}
		return c
	}
	return &HTTPCatalogClient{
		products:  newClient(cfg.ProductServiceURL),
		inventory: newClient(cfg.InventoryServiceURL),
	}
}

type catalogProduct struct {
	ID       string  `json:"_id"`
	Name     string  `json:"title"`
	SKU      string  `json:"sku"`
	Price    float64 `json:"price"`
	Category string  `json:"category"`
}

type productListResponse struct {
	Products []catalogProduct `json:"products"`
	Total    int              `json:"total"`
}

type inventoryInfo struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
}

type upstreamError struct {
	Error string `json:"error"`
}

func (c *HTTPCatalogClient) productBySKU(ctx context.Context, sku string) (catalogProduct, error) {
	var resp productListResponse
	var upErr upstreamError
	httpResp, err := c.products.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"sku": sku, "perPage": "1"}).
		SetResult(&resp).
		SetError(&upErr).
		Get("/products")
	if err != nil {
		return catalogProduct{}, fmt.Errorf("product lookup for %s: %w", sku, err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		return catalogProduct{}, fmt.Errorf("product lookup for %s: status %d %s", sku, httpResp.StatusCode(), upErr.Error)
	}
	for _, p := range resp.Products {
		if strings.EqualFold(p.SKU, sku) {
			return p, nil
		}
	}
	return catalogProduct{}, ErrSKUNotFound
}

func (c *HTTPCatalogClient) stock(ctx context.Context, productID string) (int, error) {
	var info inventoryInfo
	httpResp, err := c.inventory.R().
		SetContext(ctx).
		SetPathParam("productId", productID).
		SetResult(&info).
		Get("/inventory/{productId}")
	if err != nil {
		return 0, fmt.Errorf("inventory lookup for %s: %w", productID, err)
	}
	switch httpResp.StatusCode() {
	case http.StatusOK:
		return info.Available, nil
	case http.StatusNotFound:
		return 0, nil
	default:
		return 0, fmt.Errorf("inventory lookup for %s: status %d", productID, httpResp.StatusCode())
	}
}

// CheckAvailability reports an unknown SKU as unavailable rather than as an error.
func (c *HTTPCatalogClient) CheckAvailability(ctx context.Context, sku string) (models.Availability, error) {
	product, err := c.productBySKU(ctx, sku)
	if errors.Is(err, ErrSKUNotFound) {
		return models.Availability{SKU: sku, Available: false}, nil
	}
	if err != nil {
		return models.Availability{}, err
	}

	available, err := c.stock(ctx, product.ID)
	if err != nil {
		return models.Availability{}, err
	}

	return models.Availability{
		SKU:       sku,
		ProductID: product.ID,
		Available: available > 0,
		Quantity:  available,
		Price:     decimal.NewFromFloat(product.Price).Round(2),
		Name:      product.Name,
	}, nil
}

// FindAlternatives suggests in-stock products from the same category.
func (c *HTTPCatalogClient) FindAlternatives(ctx context.Context, sku string, quantity int) ([]models.AlternativeProduct, error) {
	product, err := c.productBySKU(ctx, sku)
	if errors.Is(err, ErrSKUNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if product.Category == "" {
		return nil, nil
	}

	var resp productListResponse
	httpResp, err := c.products.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"categoryId": product.Category,
			"in_stock":   "true",
			"perPage":    "10",
		}).
		SetResult(&resp).
		Get("/products")
	if err != nil {
		return nil, fmt.Errorf("alternatives lookup for %s: %w", sku, err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("alternatives lookup for %s: status %d", sku, httpResp.StatusCode())
	}

	alternatives := make([]models.AlternativeProduct, 0, maxAlternatives)
	for _, p := range resp.Products {
		if len(alternatives) == maxAlternatives {
			break
		}
		if p.ID == product.ID || strings.EqualFold(p.SKU, sku) {
			continue
		}
		available, err := c.stock(ctx, p.ID)
		if err != nil || available < quantity {
			continue
		}
		alternatives = append(alternatives, models.AlternativeProduct{
			SKU:       p.SKU,
			ProductID: p.ID,
			Name:      p.Name,
			Price:     decimal.NewFromFloat(p.Price).Round(2),
			Available: available,
		})
	}
	return alternatives, nil
}
