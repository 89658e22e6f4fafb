package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by broker access tokens. The subject is the numeric user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject as a user id.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	return id, nil
}

// Authorizer verifies HS256 tokens and decides admin access. A user is an
// admin if the token carries the admin role or the id is in the configured set.
type Authorizer struct {
	secret    []byte
	issuer    string
	adminsIDs map[int64]bool
	now       func() time.Time
}

func NewAuthorizer(secret, issuer string, admins []int64) *Authorizer {
	adminMap := make(map[int64]bool, len(admins))
	for _, id := range admins {
		adminMap[id] = true
	}
	return &Authorizer{secret: []byte(secret), issuer: issuer, adminsIDs: adminMap, now: time.Now}
}

// ParseAuthorization extracts and verifies the token in an
// "Authorization: Bearer <token>" header value.
func (a *Authorizer) ParseAuthorization(header string) (*Claims, error) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, ErrMissingToken
	}
	return a.Verify(strings.TrimSpace(parts[1]))
}

func (a *Authorizer) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}

// Issue signs a token for userID; used by the CLI and tests.
func (a *Authorizer) Issue(userID int64, role string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authorizer) IsAdmin(userID int64) bool {
	_, ok := a.adminsIDs[userID]
	return ok
}

// IsAdminClaims reports whether the verified claims grant admin access.
func (a *Authorizer) IsAdminClaims(c *Claims) bool {
	if c.Role == RoleAdmin {
		return true
	}
	id, err := c.UserID()
	return err == nil && a.IsAdmin(id)
}
