// Package identity resolves the calling user from headers set by the
// fronting proxy.
package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
)

// Forwarded identity headers.
const (
	HeaderUser        = "X-Forwarded-User"
	HeaderEmail       = "X-Forwarded-Email"
	HeaderUsername    = "X-Forwarded-Preferred-Username"
	HeaderAccessToken = "X-Forwarded-Access-Token"
)

// User is a resolved caller.
type User struct {
	ID       string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"is_admin"`
	Dev      bool   `json:"dev,omitempty"`

	// AccessToken is the caller's forwarded credential. Features that
	// act on the caller's behalf, such as the audio cache, are off
	// without it.
	AccessToken string `json:"-"`
}

// HasCredential reports whether the caller forwarded an access token.
func (u *User) HasCredential() bool { return u.AccessToken != "" }

// Resolver maps requests to users.
type Resolver struct {
	devUser string
	isAdmin func(string) bool
}

// NewResolver creates a Resolver. Requests without forwarded identity
// resolve to devUser; an empty devUser rejects them. isAdmin may be nil.
func NewResolver(devUser string, isAdmin func(userID string) bool) *Resolver {
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &Resolver{devUser: devUser, isAdmin: isAdmin}
}

// Resolve extracts the caller from r. The user id is the first present of
// the user, email, and preferred-username headers.
func (r *Resolver) Resolve(req *http.Request) (*User, error) {
	h := req.Header
	u := &User{
		Email:       strings.TrimSpace(h.Get(HeaderEmail)),
		Username:    strings.TrimSpace(h.Get(HeaderUsername)),
		AccessToken: strings.TrimSpace(h.Get(HeaderAccessToken)),
	}
	for _, v := range []string{h.Get(HeaderUser), u.Email, u.Username} {
		if v = strings.TrimSpace(v); v != "" {
			u.ID = v
			break
		}
	}
	if u.ID == "" {
		if r.devUser == "" {
			return nil, apperr.ErrUnauthenticated
		}
		u.ID = r.devUser
		u.Dev = true
	}
	u.IsAdmin = r.isAdmin(u.ID)
	return u, nil
}

type ctxKey struct{}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext returns the user stored by WithUser.
func FromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*User)
	return u, ok
}
