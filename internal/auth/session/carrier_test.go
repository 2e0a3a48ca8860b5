package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/auth/models"
	jwttoken "switchboard/internal/jwt_token"
)

var (
	claimKeys  = [][]byte{[]byte("claim-key")}
	cookieKeys = [][]byte{[]byte("cookie-key")}
)

func newCarrier(t *testing.T, opts ...Option) *Carrier {
	t.Helper()
	codec, err := jwttoken.NewCodec(claimKeys, "switchboard")
	require.NoError(t, err)
	c, err := New(codec, cookieKeys, opts...)
	require.NoError(t, err)
	return c
}

func claim() models.Claim {
	return models.Claim{
		SubjectID: uuid.NewString(),
		Handle:    "grace",
		Email:     "grace@example.com",
		Color:     "#0ea5e9",
	}
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie set", CookieName)
	return nil
}

func requestWith(cookie *http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	if cookie != nil {
		r.AddCookie(cookie)
	}
	return r
}

func TestAttachExtract_RoundTrip(t *testing.T) {
	carrier := newCarrier(t)
	want := claim()

	rec := httptest.NewRecorder()
	require.NoError(t, carrier.Attach(rec, want))

	cookie := sessionCookie(t, rec)
	assert.Equal(t, 604800, cookie.MaxAge)
	assert.True(t, cookie.Secure)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/", cookie.Path)

	got, err := carrier.Extract(requestWith(cookie))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.SubjectID, got.SubjectID)
	assert.Equal(t, want.Handle, got.Handle)
	assert.Equal(t, want.Color, got.Color)
}

func TestAttach_DevelopmentIsNotSecure(t *testing.T) {
	carrier := newCarrier(t, WithSecure(false))
	rec := httptest.NewRecorder()
	require.NoError(t, carrier.Attach(rec, claim()))
	assert.False(t, sessionCookie(t, rec).Secure)
}

func TestExtract_NoCookieIsNotAnError(t *testing.T) {
	carrier := newCarrier(t)

	got, err := carrier.Extract(requestWith(nil))
	assert.NoError(t, err)
	assert.Nil(t, got)

	got, err = carrier.Extract(requestWith(&http.Cookie{Name: CookieName, Value: ""}))
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestExtract_TamperedCookie(t *testing.T) {
	carrier := newCarrier(t)
	rec := httptest.NewRecorder()
	require.NoError(t, carrier.Attach(rec, claim()))
	cookie := sessionCookie(t, rec)
	cookie.Value = cookie.Value[:len(cookie.Value)-2] + "xx"

	got, err := carrier.Extract(requestWith(cookie))
	assert.Nil(t, got)
	assert.ErrorIs(t, err, jwttoken.ErrInvalidSignature)
}

func TestExtract_BareClaimTokenIsRejected(t *testing.T) {
	// A claim token signed with the claim key is not a valid cookie: the
	// cookie layer has its own keys.
	codec, err := jwttoken.NewCodec(claimKeys, "switchboard")
	require.NoError(t, err)
	inner, err := codec.Sign(claim())
	require.NoError(t, err)

	got, err := newCarrier(t).Extract(requestWith(&http.Cookie{Name: CookieName, Value: inner}))
	assert.Nil(t, got)
	assert.Error(t, err)
}

func TestExtract_CookieKeyRotation(t *testing.T) {
	codec, err := jwttoken.NewCodec(claimKeys, "switchboard")
	require.NoError(t, err)
	old, err := New(codec, [][]byte{[]byte("old-cookie-key")})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, old.Attach(rec, claim()))
	cookie := sessionCookie(t, rec)

	rotated, err := New(codec, [][]byte{[]byte("new-cookie-key"), []byte("old-cookie-key")})
	require.NoError(t, err)
	got, err := rotated.Extract(requestWith(cookie))
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestExtract_ExpiredCookie(t *testing.T) {
	past := time.Now().Add(-8 * 24 * time.Hour)
	codec, err := jwttoken.NewCodec(claimKeys, "switchboard")
	require.NoError(t, err)
	issuer, err := New(codec, cookieKeys, WithClock(func() time.Time { return past }))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, issuer.Attach(rec, claim()))

	_, err = newCarrier(t).Extract(requestWith(sessionCookie(t, rec)))
	assert.ErrorIs(t, err, jwttoken.ErrExpired)
}

func TestClear(t *testing.T) {
	rec := httptest.NewRecorder()
	newCarrier(t).Clear(rec)
	cookie := sessionCookie(t, rec)
	assert.Empty(t, cookie.Value)
	assert.Less(t, cookie.MaxAge, 0)
}
