package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the already-validated caller identity carried by a token.
type Identity struct {
	UserID      string
	DisplayName string
}

// TokenService wraps JWT creation and validation. Tokens are minted by the
// external identity provider with a shared HS256 secret; Create exists for
// tooling and tests.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// Create creates a JWT for the given identity using the default TTL.
func (t *TokenService) Create(id Identity) (string, error) {
	return t.CreateWithTTL(id, t.expiresIn)
}

// CreateWithTTL creates a JWT for the given identity with an explicit TTL.
func (t *TokenService) CreateWithTTL(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": id.UserID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if id.DisplayName != "" {
		claims["name"] = id.DisplayName
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		return claims, nil
	}
	return nil, jwt.ErrTokenMalformed
}

// Identify parses a token and extracts the caller identity.
func (t *TokenService) Identify(tokenStr string) (Identity, error) {
	claims, err := t.Parse(tokenStr)
	if err != nil {
		return Identity{}, err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("token subject: %w", jwt.ErrTokenInvalidClaims)
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}
	return Identity{UserID: sub, DisplayName: name}, nil
}
