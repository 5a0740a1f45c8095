package resolver

import (
	"net/http"
	"strings"
	"time"

	coreerrors "tenantgate/internal/core/errors"

	"github.com/golang-jwt/jwt/v5"
)

// 角色
const (
	RoleSuperAdmin = "SUPER_ADMIN"
	RoleAdmin      = "ADMIN"
)

// Identity is what the authentication layer already validated
type Identity struct {
	UserID          string
	DisplayName     string
	Role            string
	Roles           []string
	ClaimedTenantID string
	DefaultTenantID string
	SuperAdmin      bool
}

// HasRole checks the primary role and the role list
func (i *Identity) HasRole(role string) bool {
	if strings.EqualFold(i.Role, role) {
		return true
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IdentityExtractor pulls an identity out of a request; nil means anonymous
type IdentityExtractor interface {
	Extract(r *http.Request) (*Identity, error)
}

// Claims JWT 载荷
type Claims struct {
	Name            string   `json:"name,omitempty"`
	Role            string   `json:"role,omitempty"`
	Roles           []string `json:"roles,omitempty"`
	TenantID        string   `json:"tenant_id,omitempty"`
	DefaultTenantID string   `json:"default_tenant_id,omitempty"`
	SuperAdmin      bool     `json:"super_admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTIdentityExtractor validates HS256 tokens from the Authorization header
// or the "token" cookie
type JWTIdentityExtractor struct {
	secret     []byte
	cookieName string
	issuer     string
}

// NewJWTIdentityExtractor creates an extractor; issuer may be empty
func NewJWTIdentityExtractor(secret, issuer string) *JWTIdentityExtractor {
	return &JWTIdentityExtractor{secret: []byte(secret), cookieName: "token", issuer: issuer}
}

func (e *JWTIdentityExtractor) Extract(r *http.Request) (*Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		if c, err := r.Cookie(e.cookieName); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return nil, nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if e.issuer != "" {
		opts = append(opts, jwt.WithIssuer(e.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return e.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, coreerrors.Wrap(err, coreerrors.CodeUnauthorized, "invalid token")
	}
	if claims.Subject == "" {
		return nil, coreerrors.New(coreerrors.CodeUnauthorized, "token has no subject")
	}

	return &Identity{
		UserID:          claims.Subject,
		DisplayName:     claims.Name,
		Role:            claims.Role,
		Roles:           claims.Roles,
		ClaimedTenantID: claims.TenantID,
		DefaultTenantID: claims.DefaultTenantID,
		SuperAdmin:      claims.SuperAdmin || strings.EqualFold(claims.Role, RoleSuperAdmin),
	}, nil
}

// Sign issues a token for identity; used by the login collaborator and tests
func (e *JWTIdentityExtractor) Sign(identity *Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name:            identity.DisplayName,
		Role:            identity.Role,
		Roles:           identity.Roles,
		TenantID:        identity.ClaimedTenantID,
		DefaultTenantID: identity.DefaultTenantID,
		SuperAdmin:      identity.SuperAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    e.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.secret)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
