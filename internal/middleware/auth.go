package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"nexusproxy/internal/credentials"
)

const (
	ContextKeyDomain     = "proxy_domain"
	ContextKeyCredential = "proxy_credential"
	ContextKeyAPIKeyHash = "proxy_api_key_hash"
)

// ClientAuth authenticates proxy clients against the per-domain
// client_api_key. The domain is the Host header with any port stripped;
// unknown domains and key mismatches both return 401 without revealing
// which check failed.
type ClientAuth struct {
	store *credentials.Store
}

func NewClientAuth(store *credentials.Store) *ClientAuth {
	return &ClientAuth{store: store}
}

func (m *ClientAuth) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		domain := stripPort(c.Request.Host)

		cred, err := m.store.Lookup(domain)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"type":    "authentication_error",
					"message": "invalid credentials",
				},
			})
			return
		}

		if cred.ClientAPIKey != "" {
			key := extractBearer(c)
			if subtle.ConstantTimeCompare([]byte(key), []byte(cred.ClientAPIKey)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": gin.H{
						"type":    "authentication_error",
						"message": "invalid credentials",
					},
				})
				return
			}
			c.Set(ContextKeyAPIKeyHash, hashKey(key))
		}

		c.Set(ContextKeyDomain, domain)
		c.Set(ContextKeyCredential, cred)
		c.Next()
	}
}

// DashboardAuth guards the management API with a single shared key carried
// in X-Dashboard-Key. An empty configured key disables the management API
// rather than leaving it open.
func DashboardAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "management API disabled",
			})
			return
		}
		key := c.GetHeader("X-Dashboard-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid dashboard key",
			})
			return
		}
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i >= 0 {
		return host[:i]
	}
	return host
}

// hashKey stores only a digest of the client key for audit rows.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
