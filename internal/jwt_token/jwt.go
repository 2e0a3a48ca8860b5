package jwttoken

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"switchboard/internal/auth/models"
	dErrors "switchboard/pkg/domain-errors"
)

// Verification failures. They all carry CodeUnauthorized so the HTTP layer
// answers with the same 401 whatever the sub-cause.
var (
	ErrMalformed        = dErrors.New(dErrors.CodeUnauthorized, "malformed token")
	ErrInvalidSignature = dErrors.New(dErrors.CodeUnauthorized, "invalid token signature")
	ErrExpired          = dErrors.New(dErrors.CodeUnauthorized, "token has expired")
)

// sessionClaims is the JWT body of a session token.
type sessionClaims struct {
	Handle string `json:"handle"`
	Email  string `json:"email"`
	Color  string `json:"color"`
	jwt.RegisteredClaims
}

// Codec signs and verifies session claims with HS256. Keys are ordered most
// recent first: Sign uses keys[0], Verify accepts any key in the list.
type Codec struct {
	keys   [][]byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Codec)

// WithTTL overrides the claim lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) { c.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func NewCodec(keys [][]byte, issuer string, opts ...Option) (*Codec, error) {
	if err := CheckKeys(keys); err != nil {
		return nil, err
	}
	c := &Codec{
		keys:   keys,
		issuer: issuer,
		ttl:    models.SessionLifetime,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sign encodes claim into a signed token. A zero IssuedAt is stamped with
// the current time; it is truncated to whole seconds either way.
func (c *Codec) Sign(claim models.Claim) (string, error) {
	if err := validateClaim(claim); err != nil {
		return "", err
	}
	issuedAt := claim.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = c.now()
	}
	issuedAt = issuedAt.UTC().Truncate(time.Second)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Handle: claim.Handle,
		Email:  claim.Email,
		Color:  claim.Color,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claim.SubjectID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(c.ttl)),
		},
	})
	signed, err := token.SignedString(c.keys[0])
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature against every accepted key and returns the
// decoded claim. Errors are ErrMalformed, ErrInvalidSignature or ErrExpired.
func (c *Codec) Verify(tokenString string) (*models.Claim, error) {
	var claims sessionClaims
	err := ParseWithKeys(tokenString, &claims, c.keys,
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(c.now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.IssuedAt == nil {
		return nil, ErrMalformed
	}
	return &models.Claim{
		SubjectID: claims.Subject,
		Handle:    claims.Handle,
		Email:     claims.Email,
		Color:     claims.Color,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
	}, nil
}

// ParseWithKeys parses an HS256 token into claims, trying each key in order
// until one verifies the signature. Failures are mapped onto the codec's
// error variants.
func ParseWithKeys(tokenString string, claims jwt.Claims, keys [][]byte, opts ...jwt.ParserOption) error {
	if strings.TrimSpace(tokenString) == "" {
		return ErrMalformed
	}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	var lastErr error
	for _, key := range keys {
		_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, opts...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return classify(err)
		}
		lastErr = err
	}
	return dErrors.Wrap(lastErr, ErrInvalidSignature.Code, ErrInvalidSignature.Message)
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return dErrors.Wrap(err, ErrExpired.Code, ErrExpired.Message)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenInvalidClaims),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return dErrors.Wrap(err, ErrMalformed.Code, ErrMalformed.Message)
	default:
		return dErrors.Wrap(err, ErrInvalidSignature.Code, ErrInvalidSignature.Message)
	}
}

// CheckKeys validates a signing key list: at least one key, none empty.
func CheckKeys(keys [][]byte) error {
	if len(keys) == 0 {
		return errors.New("at least one signing key is required")
	}
	for i, k := range keys {
		if len(k) == 0 {
			return fmt.Errorf("signing key %d is empty", i)
		}
	}
	return nil
}

func validateClaim(claim models.Claim) error {
	if strings.TrimSpace(claim.SubjectID) == "" {
		return dErrors.New(dErrors.CodeValidation, "claim subject is required")
	}
	if strings.TrimSpace(claim.Handle) == "" {
		return dErrors.New(dErrors.CodeValidation, "claim handle is required")
	}
	if claim.Email != "" {
		if _, err := mail.ParseAddress(claim.Email); err != nil {
			return dErrors.New(dErrors.CodeValidation, "claim email is malformed")
		}
	}
	return nil
}
