package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"storystudio/domain"
	"storystudio/reqctx"
)

// Claims are issued by the account service; only UserID and Role are read here.
type Claims struct {
	UserID int64  `json:"user_id,string"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator resolves the caller from a bearer token, or from X-User-Id
// when header identity is enabled for local development.
type Authenticator struct {
	secret         []byte
	headerIdentity bool
}

func NewAuthenticator(secret string, headerIdentity bool) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" && !headerIdentity {
		return nil, errors.New("JWT_SECRET 为空且未启用 AUTH_HEADER_IDENTITY")
	}
	return &Authenticator{secret: []byte(secret), headerIdentity: headerIdentity}, nil
}

// Issue signs an HS256 token; used by tests and local tooling.
func (a *Authenticator) Issue(userID int64, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Verify(token string) (reqctx.Identity, error) {
	if len(a.secret) == 0 {
		return reqctx.Identity{}, errors.New("jwt disabled")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return reqctx.Identity{}, err
	}
	if !parsed.Valid || claims.UserID <= 0 {
		return reqctx.Identity{}, errors.New("token missing user id")
	}
	return reqctx.Identity{UserID: claims.UserID, Role: strings.ToUpper(claims.Role)}, nil
}

func (a *Authenticator) identify(r *http.Request) (reqctx.Identity, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return reqctx.Identity{}, false
		}
		id, err := a.Verify(strings.TrimSpace(parts[1]))
		return id, err == nil
	}
	if !a.headerIdentity {
		return reqctx.Identity{}, false
	}
	uid, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("X-User-Id")), 10, 64)
	if err != nil || uid <= 0 {
		return reqctx.Identity{}, false
	}
	return reqctx.Identity{UserID: uid, Role: strings.ToUpper(strings.TrimSpace(r.Header.Get("X-User-Role")))}, true
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := a.identify(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, envelope{
				Code:      domain.CodeUnauthorized,
				Message:   domain.CodeUnauthorized.Message(),
				Timestamp: time.Now().UnixMilli(),
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(reqctx.With(r.Context(), id)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := reqctx.From(r.Context()); !ok || !id.IsAdmin() {
			writeJSON(w, http.StatusForbidden, envelope{
				Code:      domain.CodeAccessDenied,
				Message:   domain.CodeAccessDenied.Message(),
				Timestamp: time.Now().UnixMilli(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) int64 {
	id, _ := reqctx.From(r.Context())
	return id.UserID
}
