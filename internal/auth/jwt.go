package auth

import (
	"fmt"
	"strings"
	"time"

	"pulse/config"
	"pulse/internal/domain"
	"pulse/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access token payload issued by the account service. The
// subject is the user id.
type Claims struct {
	Email      string `json:"email"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() models.Identity {
	return models.Identity{UserID: c.Subject, Email: c.Email}
}

// GenerateAccessToken signs a token for userID. Used by pulsectl and tests;
// production tokens come from the account service.
func GenerateAccessToken(cfg *config.JWTConfig, userID, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = cfg.AccessExpiry
	}
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    cfg.Issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.AccessSecret))
}

var ErrInvalidToken = fmt.Errorf("%w: invalid token", domain.ErrAuthentication)
var ErrMissingToken = fmt.Errorf("%w: no token provided", domain.ErrAuthentication)

func ParseAccessToken(cfg *config.JWTConfig, tokenString string) (*Claims, error) {
	tokenString = StripBearer(tokenString)
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.AccessSecret), nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// StripBearer removes an optional "Bearer " prefix and surrounding space.
func StripBearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// Verifier checks user access tokens with the configured secret.
type Verifier struct {
	cfg *config.JWTConfig
}

func NewVerifier(cfg *config.JWTConfig) *Verifier {
	return &Verifier{cfg: cfg}
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	return ParseAccessToken(v.cfg, token)
}
