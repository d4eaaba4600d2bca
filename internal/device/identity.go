// Package device mints and re-reads the long-lived per-browser device
// identifier. The identifier is the anti-proxy anchor: once a student marks
// attendance from a device, only that device may mark for them again.
package device

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ctxKey = "device_id"

// Provider issues device identifiers via a tamper-evident cookie.
type Provider struct {
	CookieName string
	MaxAge     int
	Secure     bool
}

// NewProvider builds a provider. maxAgeSeconds should be on the order of
// years; the cookie is the device's identity for its whole lifetime.
func NewProvider(cookieName string, maxAgeSeconds int, secure bool) *Provider {
	if cookieName == "" {
		cookieName = "device_id"
	}
	return &Provider{CookieName: cookieName, MaxAge: maxAgeSeconds, Secure: secure}
}

// Ensure returns the request's device identifier, minting one and setting the
// cookie if the request carries none. Repeated calls within one request
// return the same value; the cookie is HTTP-only and SameSite=Strict so
// page scripts cannot read or forward it.
func (p *Provider) Ensure(c *gin.Context) string {
	if v, ok := c.Get(ctxKey); ok {
		return v.(string)
	}
	if existing, err := c.Cookie(p.CookieName); err == nil && existing != "" {
		c.Set(ctxKey, existing)
		return existing
	}

	id := uuid.NewString()
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     p.CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   p.MaxAge,
		Secure:   p.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	c.Set(ctxKey, id)
	return id
}

// Identify is middleware that guarantees every request downstream has a
// device identifier available via FromContext.
func (p *Provider) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		p.Ensure(c)
		c.Next()
	}
}

// FromContext returns the device identifier set by Ensure/Identify.
func FromContext(c *gin.Context) string {
	if v, ok := c.Get(ctxKey); ok {
		return v.(string)
	}
	return ""
}
