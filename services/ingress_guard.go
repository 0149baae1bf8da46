package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	apperrors "bulk-order-service/errors"
	"bulk-order-service/models"

	"go.uber.org/zap"
)

// GuardConfig tunes abuse detection on top of the upload rate limit.
type GuardConfig struct {
	AbuseThreshold int
	AbuseWindow    time.Duration
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{AbuseThreshold: 5, AbuseWindow: 10 * time.Minute}
}

// IngressGuard is the first gate of an upload: rate limit, identity, then the coarse
// permission probe.
type IngressGuard struct {
	limiter RateLimiter
	authz   *AuthorizationService
	audit   AuditRecorder
	alerts  AlertRaiser
	logger  *zap.Logger

	abuse   *MemorySlidingWindow
	mu      sync.Mutex
	alerted map[string]time.Time
	window  time.Duration
	now     func() time.Time
}

func NewIngressGuard(limiter RateLimiter, authz *AuthorizationService, audit AuditRecorder, alerts AlertRaiser, cfg GuardConfig, logger *zap.Logger) *IngressGuard {
	return &IngressGuard{
		limiter: limiter,
		authz:   authz,
		audit:   audit,
		alerts:  alerts,
		logger:  logger,
		abuse:   NewMemorySlidingWindow(cfg.AbuseThreshold, cfg.AbuseWindow),
		alerted: make(map[string]time.Time),
		window:  cfg.AbuseWindow,
		now:     time.Now,
	}
}

// Admission records that a caller passed the ingress guard. Only BulkOrderService.Admit
// creates one, so an upload cannot reach validation without it.
type Admission struct {
	user      *models.UserContext
	clientKey string
}

// ClientKey identifies the caller for rate limiting.
func ClientKey(user *models.UserContext, clientIP string) string {
	if user != nil && user.UserID != "" {
		return "user:" + user.UserID
	}
	return "ip:" + clientIP
}

// Admit returns nil when the caller may proceed. Every denial is audited.
func (g *IngressGuard) Admit(ctx context.Context, clientKey string, user *models.UserContext, clientIP string) *apperrors.Error {
	decision, err := g.limiter.Allow(ctx, clientKey)
	if err != nil {
		g.logger.Error("rate limiter unavailable", zap.String("client_key", clientKey), zap.Error(err))
		return g.deny(ctx, clientKey, user, clientIP,
			apperrors.New(apperrors.KindExternalService, apperrors.CodeExternalService, "Rate limiter unavailable", err))
	}
	if !decision.Allowed {
		retry := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		g.trackAbuse(ctx, clientKey, user, clientIP)
		return g.deny(ctx, clientKey, user, clientIP,
			apperrors.New(apperrors.KindRateLimited, apperrors.CodeRateLimited, "Too many bulk uploads, slow down", nil).
				WithDetail("retry_after_seconds", retry))
	}

	if user == nil || user.UserID == "" {
		return g.deny(ctx, clientKey, user, clientIP,
			apperrors.Authentication(apperrors.CodeUnauthenticated, "Authentication required"))
	}
	if !user.IsB2B() {
		return g.deny(ctx, clientKey, user, clientIP,
			apperrors.Authorization(apperrors.CodeNotB2B, "Bulk orders require a business account"))
	}

	probe, err := g.authz.Authorize(ctx, user, models.AuthorizationRequest{Type: models.AuthorizationTypeBulkOrder})
	if err != nil {
		return g.deny(ctx, clientKey, user, clientIP, apperrors.Internal("Authorization check failed", err))
	}
	if !probe.Allowed {
		return g.deny(ctx, clientKey, user, clientIP, apperrors.Authorization(probe.Code, probe.Reason))
	}
	return nil
}

func (g *IngressGuard) deny(ctx context.Context, clientKey string, user *models.UserContext, clientIP string, appErr *apperrors.Error) *apperrors.Error {
	event := models.AuditEvent{
		Action:   models.AuditIngressDenied,
		Resource: models.AuditResourceBulkUpload,
		Outcome:  models.AuditOutcomeDenied,
		Severity: models.SeverityLow,
		ClientIP: clientIP,
		Details: map[string]interface{}{
			"code":       appErr.Code,
			"reason":     appErr.Message,
			"client_key": clientKey,
		},
	}
	if user != nil {
		event.Actor = user.UserID
		event.AccountID = user.AccountID
	}
	if appErr.Kind == apperrors.KindAuthorization {
		event.Severity = models.SeverityMedium
	}
	g.audit.Record(ctx, event)
	return appErr
}

// trackAbuse raises one alert per abuse window once a client keeps hitting the limit.
func (g *IngressGuard) trackAbuse(ctx context.Context, clientKey string, user *models.UserContext, clientIP string) {
	d, _ := g.abuse.Allow(ctx, clientKey)
	if d.Allowed {
		return
	}

	now := g.now()
	g.mu.Lock()
	if last, ok := g.alerted[clientKey]; ok && now.Sub(last) < g.window {
		g.mu.Unlock()
		return
	}
	g.alerted[clientKey] = now
	g.mu.Unlock()

	alert := models.Alert{
		Category: models.AlertRateLimitAbuse,
		Severity: models.SeverityHigh,
		Summary:  fmt.Sprintf("%s exceeded the upload rate limit repeatedly", clientKey),
		Details:  map[string]interface{}{"client_key": clientKey, "client_ip": clientIP, "window": g.window.String()},
	}
	event := models.AuditEvent{
		Action:   models.AuditRateLimitAbuse,
		Resource: models.AuditResourceBulkUpload,
		Outcome:  models.AuditOutcomeDenied,
		Severity: models.SeverityHigh,
		ClientIP: clientIP,
		Details:  alert.Details,
	}
	if user != nil {
		alert.Actor, alert.AccountID = user.UserID, user.AccountID
		event.Actor, event.AccountID = user.UserID, user.AccountID
	}
	g.audit.Record(ctx, event)
	g.alerts.Raise(ctx, alert)
}

// Sweep drops expired abuse counters.
func (g *IngressGuard) Sweep() {
	g.abuse.Sweep()
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, t := range g.alerted {
		if now.Sub(t) >= g.window {
			delete(g.alerted, k)
		}
	}
}
