package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/auth/models"
	dErrors "switchboard/pkg/domain-errors"
)

type stubExtractor struct {
	claim *models.Claim
	err   error
}

func (s stubExtractor) Extract(*http.Request) (*models.Claim, error) { return s.claim, s.err }

type countingRecorder struct{ n int }

func (c *countingRecorder) IncrementAuthRejected() { c.n++ }

func serve(t *testing.T, extractor SessionExtractor, rec RejectionRecorder) (*httptest.ResponseRecorder, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	var seen string
	h := RequireSession(extractor, logger, rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	return w, seen
}

func TestRequireSession_UniformRejection(t *testing.T) {
	cases := map[string]stubExtractor{
		"missing":   {},
		"expired":   {err: dErrors.New(dErrors.CodeUnauthorized, "token has expired")},
		"forged":    {err: dErrors.New(dErrors.CodeUnauthorized, "invalid token signature")},
		"malformed": {err: errors.New("garbage")},
	}

	var bodies []string
	for name, extractor := range cases {
		t.Run(name, func(t *testing.T) {
			recorder := &countingRecorder{}
			w, seen := serve(t, extractor, recorder)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Empty(t, seen)
			assert.Equal(t, 1, recorder.n)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, map[string]string{"message": UnauthorizedMessage}, body)
			bodies = append(bodies, w.Body.String())
		})
	}
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b, "rejections must not reveal the cause")
	}
}

func TestRequireSession_PassesClaim(t *testing.T) {
	claim := &models.Claim{SubjectID: "user-1", Handle: "ada"}
	w, seen := serve(t, stubExtractor{claim: claim}, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", seen)
}

func TestOptionalSession(t *testing.T) {
	var got *models.Claim
	h := OptionalSession(stubExtractor{err: errors.New("bad")})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/realtime", nil))
	assert.Nil(t, got)
}
