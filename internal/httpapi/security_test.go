package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"bunkerpos/backend/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "", http.MethodGet, "/healthz", nil)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflightShortCircuits(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "", http.MethodOptions, "/api/v1/transactions", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestLoginRateLimitReturns429(t *testing.T) {
	ts := newTestServer(t)
	// newTestServer already spent three attempts from the same client.
	var last int
	for i := 0; i < 3; i++ {
		last = ts.do(t, "", http.MethodPost, "/api/v1/auth/login", map[string]string{
			"username": "admin",
			"password": "wrong",
		}).Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	ts := newTestServer(t)
	note := strings.Repeat("x", 2<<20)
	body := `{"items":[{"product_id":"prd_solar","quantity_liter":"1"}],"payment_method":"cash","note":"` + note + `"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+ts.tokens[domain.RoleOperator])
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParsePositiveLimitCaps(t *testing.T) {
	assert.Equal(t, 50, parsePositiveLimit("", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("-3", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("abc", 50, 200))
	assert.Equal(t, 20, parsePositiveLimit("20", 50, 200))
	assert.Equal(t, 200, parsePositiveLimit("999999", 50, 200))
}

func TestParseTimeParamCoversWholeDay(t *testing.T) {
	from, err := parseTimeParam("2026-03-05", false)
	assert.NoError(t, err)
	to, err := parseTimeParam("2026-03-05", true)
	assert.NoError(t, err)
	assert.Equal(t, "2026-03-05T00:00:00Z", from.Format("2006-01-02T15:04:05Z07:00"))
	assert.Equal(t, "2026-03-05T23:59:59Z", to.Format("2006-01-02T15:04:05Z07:00"))

	_, err = parseTimeParam("05/03/2026", false)
	assert.Error(t, err)
}
