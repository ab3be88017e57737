// Package authn implements the token service: HMAC-signed JWT access and
// refresh tokens, the cookie contract the gateway issues them under, and a
// blacklist of revoked token IDs keyed by jti. The gateway uses one fixed scheme
// (HS256, two fixed expiry classes, logout-time revocation).
package authn

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/doorman/gateway/internal/gwerrors"
)

const tokenInvalidMsg = "invalid or expired token"

// Claims is the fixed claim set carried by every token this service issues.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	TokenID string `json:"jti"`
	Kind    string `json:"kind"` // "access" | "refresh"
	jwt.RegisteredClaims
}

// CookieName is the HttpOnly cookie the gateway stores the access token in.
const CookieName = "access_token_cookie"

// Service issues and verifies tokens and tracks revoked token IDs.
type Service struct {
	secret         []byte
	accessExpires  time.Duration
	refreshExpires time.Duration
	blacklist      *Blacklist
}

// Config mirrors the environment variables named by the token service.
type Config struct {
	SecretKey              string
	AccessTokenExpiresMin  int
	RefreshTokenExpiresDay int
}

// New builds a Service from Config, defaulting expiries to 15 minutes / 7
// days when unset.
func New(cfg Config) *Service {
	access := cfg.AccessTokenExpiresMin
	if access <= 0 {
		access = 15
	}
	refresh := cfg.RefreshTokenExpiresDay
	if refresh <= 0 {
		refresh = 7
	}
	return &Service{
		secret:         []byte(cfg.SecretKey),
		accessExpires:  time.Duration(access) * time.Minute,
		refreshExpires: time.Duration(refresh) * 24 * time.Hour,
		blacklist:      NewBlacklist(),
	}
}

func newJTI() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// IssuePair mints a fresh access+refresh token for the given subject/role.
func (s *Service) IssuePair(subject, role string) (access, refresh string, err error) {
	now := time.Now()
	access, err = s.sign(Claims{
		Subject: subject, Role: role, TokenID: newJTI(), Kind: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpires)),
		},
	})
	if err != nil {
		return "", "", err
	}
	refresh, err = s.sign(Claims{
		Subject: subject, Role: role, TokenID: newJTI(), Kind: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshExpires)),
		},
	})
	return access, refresh, err
}

func (s *Service) sign(c Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

var errBlacklisted = errors.New("authn: token revoked")

// Verify parses and validates a token, rejecting it if its jti has been
// revoked (logout) or it is a refresh token presented where an access token
// is expected, or vice versa.
func (s *Service) Verify(tokenString, expectKind string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("authn: unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, gwerrors.Wrap(err, gwerrors.AuthTokenInvalid, http.StatusUnauthorized, tokenInvalidMsg)
	}
	if claims.Kind != expectKind {
		return nil, gwerrors.New(gwerrors.AuthTokenInvalid, http.StatusUnauthorized, "wrong token kind")
	}
	if s.blacklist.Contains(claims.TokenID) {
		return nil, gwerrors.Wrap(errBlacklisted, gwerrors.AuthTokenInvalid, http.StatusUnauthorized, "token revoked")
	}
	return claims, nil
}

// Revoke blacklists a token's jti until its own expiry, after which the
// background purge removes it (the token would fail signature-expiry checks
// anyway, but purging keeps the blacklist from growing unbounded).
func (s *Service) Revoke(jti string, expiresAt time.Time) {
	s.blacklist.Add(jti, expiresAt)
}

// Blacklist returns the underlying revocation list, e.g. for snapshot
// persistence or the background purge task.
func (s *Service) Blacklist() *Blacklist { return s.blacklist }

// SetAccessCookie writes the access token as the gateway's HttpOnly,
// SameSite=Lax session cookie.
func SetAccessCookie(w http.ResponseWriter, token string, expires time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(expires),
	})
}

// ClearAccessCookie expires the cookie immediately, used on logout.
func ClearAccessCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// FromRequest extracts a bearer token from the Authorization header, falling
// back to the access-token cookie — REST/SOAP/GraphQL/gRPC clients typically
// use the header; the gateway's own browser-facing admin UI uses the cookie.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}
