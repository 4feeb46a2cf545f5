package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/events"
	"bunkerpos/backend/internal/service"
	"bunkerpos/backend/internal/store"
	"bunkerpos/backend/internal/store/memory"
)

type testServer struct {
	handler http.Handler
	sink    *events.MemorySink
	tokens  map[domain.Role]string
}

// newTestServer wires the real service, auth and router over the seeded
// in-memory store, then logs in once per role.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo := memory.NewSeeded()
	sink := events.NewMemorySink(50)
	svc := service.New(repo, service.Settings{
		LowStockThreshold:     decimal.NewFromInt(100),
		ShiftDiscrepancyLimit: decimal.NewFromInt(1),
		Location:              time.FixedZone("WIB", 7*3600),
	}, service.WithPublisher(syncPublisher{sink: sink}))
	auth := NewAuthManager("test-secret-key", time.Hour, repo, nil)
	api := New(svc, auth, "*", WithFeed(sink))

	ts := &testServer{handler: api.Handler(), sink: sink, tokens: map[domain.Role]string{}}
	for role, password := range map[domain.Role]string{
		domain.RoleOwner:    "owner123",
		domain.RoleAdmin:    "admin123",
		domain.RoleOperator: "operator123",
	} {
		rec := ts.do(t, "", http.MethodPost, "/api/v1/auth/login", map[string]string{
			"username": string(role),
			"password": password,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp domain.LoginResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		ts.tokens[role] = resp.AccessToken
	}
	return ts
}

// syncPublisher delivers straight into the sink so assertions need no waiting.
type syncPublisher struct {
	sink *events.MemorySink
}

func (p syncPublisher) Publish(ctx context.Context, event events.Event) {
	_ = p.sink.Deliver(ctx, event)
}

func (ts *testServer) do(t *testing.T, token string, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) as(t *testing.T, role domain.Role, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, ts.tokens[role], method, path, body)
}

func decodeTransaction(t *testing.T, rec *httptest.ResponseRecorder) domain.Transaction {
	t.Helper()
	var body struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Transaction
}

func solarSale(liters string) map[string]any {
	return map[string]any{
		"items":          []map[string]any{{"product_id": "prd_solar", "quantity_liter": liters}},
		"payment_method": "cash",
	}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "", http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "", http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "", http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": "admin",
		"password": "admin123",
		"pin":      "123456",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, "", http.MethodGet, "/api/v1/products", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, "garbage", http.MethodGet, "/api/v1/products", nil).Code)
}

func TestRoleGates(t *testing.T) {
	ts := newTestServer(t)

	restock := map[string]any{
		"product_id":   "prd_solar",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"volume_liter": "1000",
		"total_cost":   "6400000",
	}
	assert.Equal(t, http.StatusForbidden, ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/restocks", restock).Code)
	assert.Equal(t, http.StatusCreated, ts.as(t, domain.RoleAdmin, http.MethodPost, "/api/v1/restocks", restock).Code)

	assert.Equal(t, http.StatusForbidden, ts.as(t, domain.RoleAdmin, http.MethodGet, "/api/v1/users", nil).Code)
	assert.Equal(t, http.StatusOK, ts.as(t, domain.RoleOwner, http.MethodGet, "/api/v1/users", nil).Code)

	ceiling := map[string]any{"credit_ceiling": "6000000"}
	assert.Equal(t, http.StatusForbidden, ts.as(t, domain.RoleAdmin, http.MethodPost, "/api/v1/customers/cus_kmsinar/credit-ceiling", ceiling).Code)
	assert.Equal(t, http.StatusOK, ts.as(t, domain.RoleOwner, http.MethodPost, "/api/v1/customers/cus_kmsinar/credit-ceiling", ceiling).Code)
}

func TestSellAndFetchTransaction(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/transactions", solarSale("40"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	trx := decodeTransaction(t, rec)
	assert.Regexp(t, `^TRX-\d{6}-0001$`, trx.TrxCode)
	assert.Equal(t, domain.PaymentPaid, trx.PaymentStatus)
	assert.Equal(t, "272000", trx.GrandTotal.String())

	rec = ts.as(t, domain.RoleOperator, http.MethodGet, "/api/v1/transactions/"+trx.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, trx.TrxCode, decodeTransaction(t, rec).TrxCode)

	rec = ts.as(t, domain.RoleOperator, http.MethodGet, "/api/v1/transactions?status=paid&product_id=prd_solar", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Transactions []domain.Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Transactions, 1)

	assert.Equal(t, http.StatusNotFound, ts.as(t, domain.RoleOperator, http.MethodGet, "/api/v1/transactions/trx_missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.as(t, domain.RoleOperator, http.MethodGet, "/api/v1/transactions?from=yesterday", nil).Code)
}

func TestSellErrorStatuses(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/transactions", solarSale("9000"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	transfer := solarSale("10")
	transfer["payment_method"] = "transfer"
	assert.Equal(t, http.StatusBadRequest, ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/transactions", transfer).Code)

	bon := solarSale("1000")
	bon["payment_method"] = "bon"
	bon["customer_id"] = "cus_kmbahari"
	assert.Equal(t, http.StatusUnprocessableEntity, ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/transactions", bon).Code)
}

func TestBackdateIsOwnerOnly(t *testing.T) {
	ts := newTestServer(t)
	sale := solarSale("5")
	sale["transaction_date"] = time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)

	assert.Equal(t, http.StatusBadRequest, ts.as(t, domain.RoleAdmin, http.MethodPost, "/api/v1/transactions", sale).Code)

	rec := ts.as(t, domain.RoleOwner, http.MethodPost, "/api/v1/transactions", sale)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decodeTransaction(t, rec).IsBackdated)
}

func TestVoidAndRepayFlow(t *testing.T) {
	ts := newTestServer(t)

	bon := solarSale("10")
	bon["payment_method"] = "bon"
	bon["customer_id"] = "cus_kmsinar"
	rec := ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/transactions", bon)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	trx := decodeTransaction(t, rec)
	assert.Equal(t, domain.PaymentUnpaid, trx.PaymentStatus)

	rec = ts.as(t, domain.RoleOperator, http.MethodGet, "/api/v1/customers/cus_kmsinar/credit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view domain.CustomerCreditView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "68000", view.DebtOutstanding.String())
	assert.Len(t, view.Unpaid, 1)

	repay := map[string]any{"repayment_method": "cash"}
	assert.Equal(t, http.StatusForbidden, ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/transactions/"+trx.ID+"/repay", repay).Code)
	rec = ts.as(t, domain.RoleAdmin, http.MethodPost, "/api/v1/transactions/"+trx.ID+"/repay", repay)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.PaymentPaid, decodeTransaction(t, rec).PaymentStatus)
	assert.Equal(t, http.StatusConflict, ts.as(t, domain.RoleAdmin, http.MethodPost, "/api/v1/transactions/"+trx.ID+"/repay", repay).Code)

	void := map[string]any{"reason": "wrong pump"}
	assert.Equal(t, http.StatusForbidden, ts.as(t, domain.RoleAdmin, http.MethodPost, "/api/v1/transactions/"+trx.ID+"/void", void).Code)
	rec = ts.as(t, domain.RoleOwner, http.MethodPost, "/api/v1/transactions/"+trx.ID+"/void", void)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.PaymentReturned, decodeTransaction(t, rec).PaymentStatus)
	assert.Equal(t, http.StatusConflict, ts.as(t, domain.RoleOwner, http.MethodPost, "/api/v1/transactions/"+trx.ID+"/void", void).Code)
}

func TestReviseIsOwnerOnlyAndLinksTransactions(t *testing.T) {
	ts := newTestServer(t)

	bon := solarSale("10")
	bon["payment_method"] = "bon"
	bon["customer_id"] = "cus_kmsinar"
	rec := ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/transactions", bon)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	original := decodeTransaction(t, rec)

	change := map[string]any{
		"items":  []map[string]any{{"product_id": "prd_solar", "quantity_liter": "12"}},
		"reason": "meter misread",
	}
	path := "/api/v1/transactions/" + original.ID + "/revise"
	assert.Equal(t, http.StatusForbidden, ts.as(t, domain.RoleAdmin, http.MethodPost, path, change).Code)
	assert.Equal(t, http.StatusForbidden, ts.as(t, domain.RoleOperator, http.MethodPost, path, change).Code)

	rec = ts.as(t, domain.RoleOwner, http.MethodPost, path, change)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	revised := decodeTransaction(t, rec)
	assert.Equal(t, original.ID, revised.RevisionOf)
	assert.Equal(t, "81600", revised.GrandTotal.String())

	rec = ts.as(t, domain.RoleOperator, http.MethodGet, "/api/v1/transactions/"+original.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	old := decodeTransaction(t, rec)
	assert.Equal(t, domain.PaymentReturned, old.PaymentStatus)
	assert.Contains(t, old.Note, "[REVISED → "+revised.TrxCode+": meter misread]")

	rec = ts.as(t, domain.RoleOperator, http.MethodGet, "/api/v1/customers/cus_kmsinar/credit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view domain.CustomerCreditView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "81600", view.DebtOutstanding.String())

	assert.Equal(t, http.StatusConflict, ts.as(t, domain.RoleOwner, http.MethodPost, path, change).Code)
}

func TestSoundingCorrectionIsOwnerOnly(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.as(t, domain.RoleAdmin, http.MethodPost, "/api/v1/soundings", map[string]any{
		"product_id":     "prd_dexlite",
		"physical_liter": "2980",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Sounding domain.TankSounding `json:"sounding"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	path := "/api/v1/soundings/" + created.Sounding.ID
	fix := map[string]any{"physical_liter": "2990"}
	assert.Equal(t, http.StatusForbidden, ts.as(t, domain.RoleAdmin, http.MethodPatch, path, fix).Code)

	rec = ts.as(t, domain.RoleOwner, http.MethodPatch, path, fix)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var corrected struct {
		Sounding domain.TankSounding `json:"sounding"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &corrected))
	assert.Equal(t, "-10", corrected.Sounding.Difference.String())
	assert.Equal(t, "owner", corrected.Sounding.CorrectedBy)

	assert.Equal(t, http.StatusNotFound, ts.as(t, domain.RoleOwner, http.MethodPatch, "/api/v1/soundings/snd_missing", fix).Code)
}

func TestShiftRoutes(t *testing.T) {
	ts := newTestServer(t)

	open := map[string]any{"product_id": "prd_dexlite", "opening_totalizer": "1000"}
	rec := ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/shifts/open", open)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var opened struct {
		Shift domain.PumpShift `json:"shift"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opened))

	assert.Equal(t, http.StatusConflict, ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/shifts/open", open).Code)

	rec = ts.as(t, domain.RoleOperator, http.MethodGet, "/api/v1/shifts/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active struct {
		ActiveShifts map[string]string `json:"active_shifts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	assert.Equal(t, opened.Shift.ID, active.ActiveShifts["prd_dexlite"])

	audit := map[string]any{"note": "checked"}
	assert.Equal(t, http.StatusBadRequest, ts.as(t, domain.RoleOwner, http.MethodPost, "/api/v1/shifts/"+opened.Shift.ID+"/audit", audit).Code)

	closeReq := map[string]any{"closing_totalizer": "1000", "cash_collected": "0"}
	rec = ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/shifts/"+opened.Shift.ID+"/close", closeReq)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusForbidden, ts.as(t, domain.RoleAdmin, http.MethodPost, "/api/v1/shifts/"+opened.Shift.ID+"/audit", audit).Code)
	assert.Equal(t, http.StatusOK, ts.as(t, domain.RoleOwner, http.MethodPost, "/api/v1/shifts/"+opened.Shift.ID+"/audit", audit).Code)

	assert.Equal(t, http.StatusBadRequest, ts.as(t, domain.RoleOperator, http.MethodGet, "/api/v1/shifts?status=pending", nil).Code)
}

func TestRecentEventsExposeLedgerActivity(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.as(t, domain.RoleOperator, http.MethodPost, "/api/v1/transactions", solarSale("3")).Code)

	assert.Equal(t, http.StatusForbidden, ts.as(t, domain.RoleOperator, http.MethodGet, "/api/v1/events/recent", nil).Code)

	rec := ts.as(t, domain.RoleAdmin, http.MethodGet, "/api/v1/events/recent?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Events)
	assert.Equal(t, events.SaleRecorded, body.Events[0].Type)
}

func TestCreateUserThroughAPI(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.as(t, domain.RoleOwner, http.MethodPost, "/api/v1/users", map[string]any{
		"username": "pompa3",
		"password": "pass1234",
		"role":     "operator",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.as(t, domain.RoleOwner, http.MethodPost, "/api/v1/users", map[string]any{
		"username": "boss2",
		"password": "pass1234",
		"role":     "owner",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForMapsTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.Invalid("x", "bad"), http.StatusBadRequest},
		{&domain.TransitionError{}, http.StatusBadRequest},
		{fmt.Errorf("load: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrMutualExclusion, http.StatusConflict},
		{domain.ErrIdempotency, http.StatusConflict},
		{domain.ErrAlreadySettled, http.StatusConflict},
		{store.ErrDuplicate, http.StatusConflict},
		{&domain.InsufficientStockError{}, http.StatusUnprocessableEntity},
		{&domain.InsufficientCreditError{}, http.StatusUnprocessableEntity},
		{domain.ErrCustomerFrozen, http.StatusUnprocessableEntity},
		{domain.ErrLockContention, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), "%v", tc.err)
	}
}

func TestFailSetsRetryAfterOnContention(t *testing.T) {
	api := New(nil, nil, "*")
	rec := httptest.NewRecorder()
	api.fail(rec, fmt.Errorf("lock product: %w", domain.ErrLockContention))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	api.fail(rec, errors.New("pq: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
