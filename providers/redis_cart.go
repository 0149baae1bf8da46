package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bulk-order-service/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxCartTxRetries = 5

// ErrCartContention is returned when optimistic cart updates keep losing to concurrent writers.
var ErrCartContention = errors.New("cart update contention")

// cartItem and cartDocument mirror the cart service's stored JSON.
type cartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type cartDocument struct {
	UserID    string     `json:"user_id"`
	Items     []cartItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// bulkReference remembers what a bulk mutation added so it can be compensated.
type bulkReference struct {
	UserID    string     `json:"user_id"`
	Items     []cartItem `json:"items"`
	CreatedAt time.Time  `json:"created_at"`
}

// RedisCart mutates carts in the cart service's Redis keyspace.
type RedisCart struct {
	client  redis.UniversalClient
	cartTTL time.Duration
	refTTL  time.Duration
}

// NewRedisCart creates a RedisCart. refTTL must outlive the rollback window.
func NewRedisCart(client redis.UniversalClient, cartTTL, refTTL time.Duration) *RedisCart {
	return &RedisCart{client: client, cartTTL: cartTTL, refTTL: refTTL}
}

func (r *RedisCart) cartKey(userID string) string {
	return fmt.Sprintf("cart:user:%s", userID)
}

func (r *RedisCart) refKey(reference string) string {
	return "cart:bulkref:" + reference
}

func readCart(ctx context.Context, tx *redis.Tx, key, userID string) (*cartDocument, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &cartDocument{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	var cart cartDocument
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("decode cart %s: %w", key, err)
	}
	return &cart, nil
}

// AddToCart merges items into the user's cart and records a reversal reference in the same
// transaction.
func (r *RedisCart) AddToCart(ctx context.Context, userID string, items []models.CartLine) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("no items to add")
	}

	added := make([]cartItem, 0, len(items))
	for _, it := range items {
		productID := it.ProductID
		if productID == "" {
			productID = it.SKU
		}
		added = append(added, cartItem{ProductID: productID, Quantity: it.Quantity})
	}

	reference := uuid.NewString()
	cartKey := r.cartKey(userID)
	refData, err := json.Marshal(bulkReference{UserID: userID, Items: added, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}

	txf := func(tx *redis.Tx) error {
		cart, err := readCart(ctx, tx, cartKey, userID)
		if err != nil {
			return err
		}
		for _, a := range added {
			merged := false
			for i := range cart.Items {
				if cart.Items[i].ProductID == a.ProductID {
					cart.Items[i].Quantity += a.Quantity
					merged = true
					break
				}
			}
			if !merged {
				cart.Items = append(cart.Items, a)
			}
		}
		cart.UpdatedAt = time.Now()

		data, err := json.Marshal(cart)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cartKey, data, r.cartTTL)
			pipe.Set(ctx, r.refKey(reference), refData, r.refTTL)
			return nil
		})
		return err
	}

	if err := r.watchRetry(ctx, txf, cartKey); err != nil {
		return "", err
	}
	return reference, nil
}

// Reverse subtracts what reference added. A reference that no longer exists has already been
// reversed (or expired) and is treated as done.
func (r *RedisCart) Reverse(ctx context.Context, userID, reference string) error {
	cartKey := r.cartKey(userID)
	refKey := r.refKey(reference)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, refKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var ref bulkReference
		if err := json.Unmarshal(raw, &ref); err != nil {
			return fmt.Errorf("decode reference %s: %w", reference, err)
		}
		if ref.UserID != userID {
			return fmt.Errorf("reference %s does not belong to user %s", reference, userID)
		}

		cart, err := readCart(ctx, tx, cartKey, userID)
		if err != nil {
			return err
		}
		for _, removed := range ref.Items {
			for i := range cart.Items {
				if cart.Items[i].ProductID == removed.ProductID {
					cart.Items[i].Quantity -= removed.Quantity
					break
				}
			}
		}
		kept := cart.Items[:0]
		for _, it := range cart.Items {
			if it.Quantity > 0 {
				kept = append(kept, it)
			}
		}
		cart.Items = kept
		cart.UpdatedAt = time.Now()

		data, err := json.Marshal(cart)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cartKey, data, r.cartTTL)
			pipe.Del(ctx, refKey)
			return nil
		})
		return err
	}

	return r.watchRetry(ctx, txf, cartKey, refKey)
}

func (r *RedisCart) watchRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxCartTxRetries; i++ {
		err := r.client.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		}
	}
	return ErrCartContention
}
