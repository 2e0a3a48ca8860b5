// Package session carries signed session claims in the "session" cookie.
//
// The cookie value is a second HS256 token signed with the cookie keys. It
// wraps the claim token produced by the claim codec, so tampering with the
// cookie and forging a claim are checked independently with unrelated keys.
package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"switchboard/internal/auth/models"
	jwttoken "switchboard/internal/jwt_token"
)

// CookieName is the name of the session cookie.
const CookieName = "session"

// ClaimCodec signs and verifies the claim inside the cookie.
type ClaimCodec interface {
	Sign(claim models.Claim) (string, error)
	Verify(token string) (*models.Claim, error)
}

type cookieClaims struct {
	Token string `json:"tok"`
	jwt.RegisteredClaims
}

// Carrier attaches and extracts session claims on HTTP messages.
type Carrier struct {
	codec  ClaimCodec
	keys   [][]byte
	secure bool
	maxAge time.Duration
	now    func() time.Time
}

type Option func(*Carrier)

// WithSecure sets the Secure attribute. Production processes pass true.
func WithSecure(secure bool) Option {
	return func(c *Carrier) { c.secure = secure }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Carrier) { c.now = now }
}

// New builds a Carrier. cookieKeys are ordered most recent first and must
// not be the keys used by codec.
func New(codec ClaimCodec, cookieKeys [][]byte, opts ...Option) (*Carrier, error) {
	if err := jwttoken.CheckKeys(cookieKeys); err != nil {
		return nil, err
	}
	c := &Carrier{
		codec:  codec,
		keys:   cookieKeys,
		secure: true,
		maxAge: models.SessionLifetime,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Attach signs claim and sets it as the session cookie on w.
func (c *Carrier) Attach(w http.ResponseWriter, claim models.Claim) error {
	inner, err := c.codec.Sign(claim)
	if err != nil {
		return err
	}
	now := c.now()
	outer := jwt.NewWithClaims(jwt.SigningMethodHS256, cookieClaims{
		Token: inner,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
		},
	})
	value, err := outer.SignedString(c.keys[0])
	if err != nil {
		return err
	}
	http.SetCookie(w, c.cookie(value, int(c.maxAge/time.Second)))
	return nil
}

// Extract returns the verified claim carried by r. A request without a
// session cookie yields (nil, nil); a present but invalid cookie yields an
// error from the jwttoken error set.
func (c *Carrier) Extract(r *http.Request) (*models.Claim, error) {
	cookie, err := r.Cookie(CookieName)
	if errors.Is(err, http.ErrNoCookie) || (err == nil && cookie.Value == "") {
		return nil, nil
	}
	if err != nil {
		return nil, jwttoken.ErrMalformed
	}

	var outer cookieClaims
	if err := jwttoken.ParseWithKeys(cookie.Value, &outer, c.keys, jwt.WithTimeFunc(c.now)); err != nil {
		return nil, err
	}
	return c.codec.Verify(outer.Token)
}

// Clear expires the session cookie.
func (c *Carrier) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie("", -1))
}

func (c *Carrier) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
