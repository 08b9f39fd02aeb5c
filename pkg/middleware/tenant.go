package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DefaultTenantHeader carries the tenant identifier on management requests.
const DefaultTenantHeader = "X-Tenant-ID"

type tenantContextKey string

const tenantIDContextKey tenantContextKey = "tenantID"

// ErrNoTenant is returned when a request carries no tenant identifier.
var ErrNoTenant = errors.New("tenant id not found in context")

// TenantConfig captures the knobs for tenant extraction.
type TenantConfig struct {
	// HeaderName defaults to DefaultTenantHeader.
	HeaderName string
	// SkipPaths lists route paths served without a tenant (health, metrics).
	SkipPaths []string
}

// TenantExtractor reads the tenant identifier from the configured header,
// requires it to be a UUID and stores it on both the gin and request
// contexts.
func TenantExtractor(cfg TenantConfig) gin.HandlerFunc {
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = DefaultTenantHeader
	}
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		raw := strings.TrimSpace(c.GetHeader(headerName))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing tenant identifier"})
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id format"})
			return
		}

		tenantID := id.String()
		c.Set(string(tenantIDContextKey), tenantID)
		c.Request = c.Request.WithContext(WithTenantID(c.Request.Context(), tenantID))
		c.Next()
	}
}

// WithTenantID returns a copy of ctx carrying tenantID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDContextKey, tenantID)
}

// TenantIDFromGinContext extracts the tenant identifier stored by TenantExtractor.
func TenantIDFromGinContext(c *gin.Context) (string, error) {
	if value, ok := c.Get(string(tenantIDContextKey)); ok {
		if tenantID, ok := value.(string); ok && tenantID != "" {
			return tenantID, nil
		}
	}
	return TenantIDFromContext(c.Request.Context())
}

// TenantIDFromContext extracts the tenant identifier from a standard context.
func TenantIDFromContext(ctx context.Context) (string, error) {
	if tenantID, ok := ctx.Value(tenantIDContextKey).(string); ok && tenantID != "" {
		return tenantID, nil
	}
	return "", ErrNoTenant
}
