package jwt

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims carries the tenant identity attached by the upstream identity
// service. Requests arrive pre-authenticated; this package only validates
// the signature and extracts the tenant scope.
type Claims struct {
	TenantID    string `json:"tenant_id"`
	ActorUserID string `json:"actor_user_id,omitempty"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed tenant token with the provided secret and ttl.
func GenerateToken(tenantID, actorUserID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID:    tenantID,
		ActorUserID: actorUserID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "merfy",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
