package providers

import (
	"context"

	"bulk-order-service/models"
)

// Catalog answers availability questions.
type Catalog interface {
	CheckAvailability(ctx context.Context, sku string) (models.Availability, error)
	FindAlternatives(ctx context.Context, sku string, quantity int) ([]models.AlternativeProduct, error)
}

// Cart applies and compensates cart mutations. AddToCart returns a reference that Reverse
// accepts; reversing an unknown or already reversed reference is a no-op.
type Cart interface {
	AddToCart(ctx context.Context, userID string, items []models.CartLine) (string, error)
	Reverse(ctx context.Context, userID, reference string) error
}

// Commerce is the capability set the bulk pipeline is given. It is never owned by it.
type Commerce interface {
	Catalog
	Cart
}

// CommerceClient composes a catalog and a cart into a Commerce.
type CommerceClient struct {
	Catalog
	Cart
}

func NewCommerceClient(catalog Catalog, cart Cart) *CommerceClient {
	return &CommerceClient{Catalog: catalog, Cart: cart}
}
