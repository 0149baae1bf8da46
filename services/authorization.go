package services

import (
	"context"
	"fmt"

	apperrors "bulk-order-service/errors"
	"bulk-order-service/models"

	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the fixed precision of order values.
const CurrencyPlaces = 2

// ComputeOrderValue returns Σ(quantity × unit price) rounded half-even to currency precision,
// and Σ quantity. Rows without a price add nothing to the value.
func ComputeOrderValue(rows []models.ParsedRow) (decimal.Decimal, int) {
	total := decimal.Zero
	items := 0
	for _, r := range rows {
		total = total.Add(r.LineValue())
		items += r.Quantity
	}
	return total.RoundBank(CurrencyPlaces), items
}

// AuthorizationService answers permission and value-limit questions against account policy.
type AuthorizationService struct {
	policies PolicySource
}

func NewAuthorizationService(policies PolicySource) *AuthorizationService {
	return &AuthorizationService{policies: policies}
}

func deny(code, reason string, limit, requested string) models.AuthorizationDecision {
	return models.AuthorizationDecision{Allowed: false, Code: code, Reason: reason, Limit: limit, Requested: requested}
}

// Authorize checks identity and permission, then the value, item and row limits. A request
// with zero value and counts is the coarse probe and only exercises the first part.
func (a *AuthorizationService) Authorize(ctx context.Context, user *models.UserContext, req models.AuthorizationRequest) (models.AuthorizationDecision, error) {
	if user == nil || user.UserID == "" {
		return deny(apperrors.CodeUnauthenticated, "authentication required", "", ""), nil
	}
	if !user.IsB2B() {
		return deny(apperrors.CodeNotB2B, "bulk orders require a business account", "", ""), nil
	}
	if req.Type != "" && req.Type != models.AuthorizationTypeBulkOrder {
		return deny(apperrors.CodeBulkNotPermitted, fmt.Sprintf("unsupported authorization type %q", req.Type), "", ""), nil
	}
	if !user.HasPermission(models.PermissionBulkOrders) {
		return deny(apperrors.CodeBulkNotPermitted, "missing bulk order permission", "", ""), nil
	}

	policy, err := a.policies.PolicyFor(ctx, user.AccountID)
	if err != nil {
		return models.AuthorizationDecision{}, fmt.Errorf("load policy for account %s: %w", user.AccountID, err)
	}
	if !policy.BulkEnabled {
		return deny(apperrors.CodeBulkNotPermitted, "bulk ordering is disabled for this account", "", ""), nil
	}
	if !policy.RoleAllowed(user.Role) {
		return deny(apperrors.CodeBulkNotPermitted, fmt.Sprintf("role %q may not submit bulk orders", user.Role), "", ""), nil
	}

	if req.OrderValue.GreaterThan(policy.MaxOrderValue) {
		return deny(apperrors.CodeOrderValueExceeded, "order value exceeds account limit",
			policy.MaxOrderValue.StringFixed(CurrencyPlaces), req.OrderValue.StringFixed(CurrencyPlaces)), nil
	}
	if req.ItemCount > policy.MaxItemCount {
		return deny(apperrors.CodeItemCountExceeded, "item count exceeds account limit",
			fmt.Sprint(policy.MaxItemCount), fmt.Sprint(req.ItemCount)), nil
	}
	if req.RowCount > policy.MaxRows {
		return deny(apperrors.CodeRowCountExceeded, "row count exceeds account limit",
			fmt.Sprint(policy.MaxRows), fmt.Sprint(req.RowCount)), nil
	}

	return models.AuthorizationDecision{
		Allowed:   true,
		Limit:     policy.MaxOrderValue.StringFixed(CurrencyPlaces),
		Requested: req.OrderValue.StringFixed(CurrencyPlaces),
	}, nil
}

// ValidateSKUPatterns returns one policy finding per row whose SKU the account may not order.
func (a *AuthorizationService) ValidateSKUPatterns(ctx context.Context, accountID string, rows []models.ParsedRow) ([]models.SecurityFinding, error) {
	policy, err := a.policies.PolicyFor(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load policy for account %s: %w", accountID, err)
	}

	var findings []models.SecurityFinding
	for _, r := range rows {
		if ok, reason := policy.SKUAllowed(r.SKU); !ok {
			findings = append(findings, models.SecurityFinding{
				Category:    models.FindingPolicy,
				Severity:    models.SeverityHigh,
				Description: fmt.Sprintf("%s: %s", r.SKU, reason),
				Stage:       StageAuthorization,
				Row:         r.Index,
				Column:      "sku",
			})
		}
	}
	return findings, nil
}
