package evidence

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Presigner mints short-lived read URLs for evidence blobs. The token binds
// the path, the allowed roles, and an expiry; the download endpoint verifies
// it before streaming the blob.
type Presigner struct {
	secret  []byte
	baseURL string
}

// NewPresigner creates a Presigner. baseURL is the externally reachable
// download endpoint, e.g. "https://core.internal/evidence".
func NewPresigner(secret, baseURL string) (*Presigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("presign: signing secret must not be empty")
	}
	return &Presigner{secret: []byte(secret), baseURL: baseURL}, nil
}

type presignClaims struct {
	Path  string   `json:"path"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// PresignRead returns a signed URL granting read access to path for ttl.
func (p *Presigner) PresignRead(path string, ttl time.Duration, allowedRoles []string) (string, error) {
	now := time.Now()
	claims := presignClaims{
		Path:  path,
		Roles: allowedRoles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("presign: sign token: %w", err)
	}
	return fmt.Sprintf("%s?token=%s", p.baseURL, signed), nil
}

// Verify validates a presigned token and returns the path and roles it
// grants. Expired or tampered tokens are rejected.
func (p *Presigner) Verify(tokenString string) (path string, roles []string, err error) {
	claims := &presignClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("presign: verify token: %w", err)
	}
	if !token.Valid {
		return "", nil, fmt.Errorf("presign: token invalid")
	}
	return claims.Path, claims.Roles, nil
}
