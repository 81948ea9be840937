package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
)

// TokenCookie is the cookie the web client stores its session token in.
const TokenCookie = "token"

// DefaultTokenLifetime is the lifetime of tokens minted by GenerateToken.
const DefaultTokenLifetime = 24 * time.Hour

// Authentication errors
var (
	ErrMissingSecret     = errors.New("JWT secret is required")
	ErrEmptySubject      = errors.New("token subject is required")
	ErrMissingToken      = errors.New("authentication token missing")
	ErrInvalidAuthFormat = errors.New("invalid authorization format")
	ErrInvalidToken      = errors.New("invalid or expired token")
)

// Claims are the JWT claims the service accepts. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller stored in ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// JWTService validates HS256 tokens.
type JWTService struct {
	secret   []byte
	lifetime time.Duration
}

// NewJWTService creates a service signing and verifying with secret.
func NewJWTService(secret []byte) (*JWTService, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	return &JWTService{secret: secret, lifetime: DefaultTokenLifetime}, nil
}

// GenerateToken mints a token for userID.
func (s *JWTService) GenerateToken(userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptySubject
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses tokenString and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, ErrEmptySubject)
	}

	return claims, nil
}

// ExtractTokenFromRequest returns the bearer token of r, falling back to the
// token cookie when no Authorization header is present.
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", ErrInvalidAuthFormat
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			return "", ErrInvalidAuthFormat
		}
		return token, nil
	}

	if cookie, err := r.Cookie(TokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", ErrMissingToken
}

// Middleware rejects requests without a valid token and stores the caller's
// Principal in the request context. Clients that keep presenting bad tokens
// are throttled by rl.
func (s *JWTService) Middleware(rl *RateLimiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)
			if rl != nil && rl.IsLimited(ip) {
				metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
				writeError(w, http.StatusTooManyRequests, "Too many failed authentication attempts")
				return
			}

			tokenString, err := ExtractTokenFromRequest(r)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			claims, err := s.ValidateToken(tokenString)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
				if rl != nil {
					rl.RecordFailure(ip)
				}
				writeError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{UserID: claims.Subject})
			next(w, r.WithContext(ctx))
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
