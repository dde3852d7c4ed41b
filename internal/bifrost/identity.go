package bifrost

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims is the bearer-token shape the proxy expects from an
// upstream agent connection: who it is, what session it belongs to, and
// which downstream server it's addressing.
type IdentityClaims struct {
	jwt.RegisteredClaims
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	ServerID  string `json:"server_id,omitempty"`
}

// IdentityExtractor validates a bearer token against a fixed HMAC secret
// and returns the caller's identity. One secret per proxy instance; key
// rotation for agent tokens is out of scope here (the runechain's signing
// keyring has its own independent rotation story).
type IdentityExtractor struct {
	secret []byte
}

func NewIdentityExtractor(secret []byte) *IdentityExtractor {
	return &IdentityExtractor{secret: secret}
}

// Extract parses an "Authorization: Bearer <token>" header value.
func (e *IdentityExtractor) Extract(authHeader string) (IdentityClaims, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return IdentityClaims{}, fmt.Errorf("bifrost: missing bearer token")
	}
	raw := strings.TrimPrefix(authHeader, prefix)

	token, err := jwt.ParseWithClaims(raw, &IdentityClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("bifrost: unexpected signing method %v", t.Header["alg"])
		}
		return e.secret, nil
	})
	if err != nil {
		return IdentityClaims{}, fmt.Errorf("bifrost: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return IdentityClaims{}, jwt.ErrTokenSignatureInvalid
	}
	if claims.AgentID == "" || claims.SessionID == "" {
		return IdentityClaims{}, fmt.Errorf("bifrost: token missing agent_id or session_id")
	}
	return *claims, nil
}
