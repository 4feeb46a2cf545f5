package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/events"
	"bunkerpos/backend/internal/metrics"
	"bunkerpos/backend/internal/service"
	"bunkerpos/backend/internal/store"
)

var (
	staff      = []domain.Role{domain.RoleOwner, domain.RoleAdmin, domain.RoleOperator}
	management = []domain.Role{domain.RoleOwner, domain.RoleAdmin}
	ownerOnly  = []domain.Role{domain.RoleOwner}
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	feed          events.Feed
	metrics       *metrics.Metrics
	log           *zap.Logger
}

type Option func(*API)

// WithFeed serves /api/v1/events/recent from f.
func WithFeed(f events.Feed) Option {
	return func(a *API) { a.feed = f }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) { a.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, opts ...Option) *API {
	a := &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleListProducts, staff...))
	mux.HandleFunc("POST /api/v1/products", a.requireAuth(a.handleCreateProduct, management...))
	mux.HandleFunc("PATCH /api/v1/products/{id}", a.requireAuth(a.handleUpdateProduct, management...))
	mux.HandleFunc("GET /api/v1/products/{id}/price-history", a.requireAuth(a.handlePriceHistory, management...))

	mux.HandleFunc("GET /api/v1/restocks", a.requireAuth(a.handleListRestocks, management...))
	mux.HandleFunc("POST /api/v1/restocks", a.requireAuth(a.handleRestock, management...))
	mux.HandleFunc("GET /api/v1/soundings", a.requireAuth(a.handleListSoundings, management...))
	mux.HandleFunc("POST /api/v1/soundings", a.requireAuth(a.handleSounding, management...))
	mux.HandleFunc("PATCH /api/v1/soundings/{id}", a.requireAuth(a.handleCorrectSounding, ownerOnly...))

	mux.HandleFunc("GET /api/v1/customers", a.requireAuth(a.handleListCustomers, staff...))
	mux.HandleFunc("POST /api/v1/customers", a.requireAuth(a.handleCreateCustomer, management...))
	mux.HandleFunc("GET /api/v1/customers/{id}/credit", a.requireAuth(a.handleCustomerCredit, staff...))
	mux.HandleFunc("POST /api/v1/customers/{id}/status", a.requireAuth(a.handleCustomerStatus, management...))
	mux.HandleFunc("POST /api/v1/customers/{id}/credit-ceiling", a.requireAuth(a.handleCreditCeiling, ownerOnly...))

	mux.HandleFunc("GET /api/v1/transactions", a.requireAuth(a.handleListTransactions, staff...))
	mux.HandleFunc("POST /api/v1/transactions", a.requireAuth(a.handleSell, staff...))
	mux.HandleFunc("GET /api/v1/transactions/{id}", a.requireAuth(a.handleGetTransaction, staff...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/void", a.requireAuth(a.handleVoid, ownerOnly...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/revise", a.requireAuth(a.handleRevise, ownerOnly...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/repay", a.requireAuth(a.handleRepay, management...))

	mux.HandleFunc("GET /api/v1/shifts", a.requireAuth(a.handleListShifts, staff...))
	mux.HandleFunc("GET /api/v1/shifts/active", a.requireAuth(a.handleActiveShifts, staff...))
	mux.HandleFunc("POST /api/v1/shifts/open", a.requireAuth(a.handleOpenShift, staff...))
	mux.HandleFunc("GET /api/v1/shifts/{id}", a.requireAuth(a.handleGetShift, staff...))
	mux.HandleFunc("POST /api/v1/shifts/{id}/close", a.requireAuth(a.handleCloseShift, staff...))
	mux.HandleFunc("POST /api/v1/shifts/{id}/audit", a.requireAuth(a.handleAuditShift, ownerOnly...))

	mux.HandleFunc("GET /api/v1/events/recent", a.requireAuth(a.handleRecentEvents, management...))
	mux.HandleFunc("GET /api/v1/users", a.requireAuth(a.handleListUsers, ownerOnly...))
	mux.HandleFunc("POST /api/v1/users", a.requireAuth(a.handleCreateUser, ownerOnly...))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...domain.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role domain.Role, allowed []domain.Role) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.UpdateProduct(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	history, err := a.service.ListPriceHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (a *API) handleListRestocks(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	restocks, err := a.service.ListRestocks(r.Context(), r.URL.Query().Get("product_id"), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restocks": restocks})
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req domain.RestockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	restock, err := a.service.Restock(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"restock": restock})
}

func (a *API) handleListSoundings(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	soundings, err := a.service.ListSoundings(r.Context(), r.URL.Query().Get("product_id"), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"soundings": soundings})
}

func (a *API) handleSounding(w http.ResponseWriter, r *http.Request) {
	var req domain.SoundingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sounding, err := a.service.RecordSounding(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sounding": sounding})
}

func (a *API) handleCorrectSounding(w http.ResponseWriter, r *http.Request) {
	var req domain.SoundingCorrection
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.SoundingID = r.PathValue("id")
	sounding, err := a.service.CorrectSounding(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sounding": sounding})
}

func (a *API) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := a.service.ListCustomers(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.CreateCustomer(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
}

func (a *API) handleCustomerCredit(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.CustomerCredit(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCustomerStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.SetCustomerActive(r.Context(), r.PathValue("id"), req.Active)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleCreditCeiling(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CreditCeiling decimal.Decimal `json:"credit_ceiling"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.AdjustCreditCeiling(r.Context(), r.PathValue("id"), req.CreditCeiling)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := transactionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	trxs, err := a.service.ListTransactions(r.Context(), filter)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": trxs})
}

func (a *API) handleSell(w http.ResponseWriter, r *http.Request) {
	var req domain.SellRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())
	req.AllowBackdate = actor.Role == domain.RoleOwner

	trx, err := a.service.Sell(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": trx})
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	trx, err := a.service.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": trx})
}

func (a *API) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TransactionID = r.PathValue("id")
	trx, err := a.service.VoidTransaction(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": trx})
}

func (a *API) handleRevise(w http.ResponseWriter, r *http.Request) {
	var req domain.ReviseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TransactionID = r.PathValue("id")
	trx, err := a.service.ReviseTransaction(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": trx})
}

func (a *API) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req domain.RepayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TransactionID = r.PathValue("id")
	trx, err := a.service.RepayDebt(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": trx})
}

func (a *API) handleListShifts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	shifts, err := a.service.ListShifts(r.Context(), domain.ShiftFilter{
		Status:    domain.ShiftStatus(strings.TrimSpace(q.Get("status"))),
		ProductID: strings.TrimSpace(q.Get("product_id")),
		Limit:     parsePositiveLimit(q.Get("limit"), 50, 200),
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shifts": shifts})
}

func (a *API) handleActiveShifts(w http.ResponseWriter, r *http.Request) {
	active, err := a.service.ActiveShifts(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_shifts": active})
}

func (a *API) handleOpenShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shift, err := a.service.OpenShift(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shift": shift})
}

func (a *API) handleGetShift(w http.ResponseWriter, r *http.Request) {
	shift, err := a.service.GetShift(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleCloseShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ShiftID = r.PathValue("id")
	shift, err := a.service.CloseShift(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleAuditShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftAuditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ShiftID = r.PathValue("id")
	shift, err := a.service.AuditShift(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	recent := []events.Event{}
	if a.feed != nil {
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 20, 200)
		got, err := a.feed.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("event feed unavailable: %w", err))
			return
		}
		recent = got
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": recent})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers(r.Context())})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := a.auth.CreateUser(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

// fail writes err with the status that matches its place in the error taxonomy.
func (a *API) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= 500 {
		a.log.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMutualExclusion), errors.Is(err, domain.ErrIdempotency),
		errors.Is(err, domain.ErrAlreadySettled), errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrInsufficientCredit),
		errors.Is(err, domain.ErrCustomerFrozen):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrLockContention):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func transactionFilter(r *http.Request) (domain.TransactionFilter, error) {
	q := r.URL.Query()
	filter := domain.TransactionFilter{
		Status:     domain.PaymentStatus(strings.TrimSpace(q.Get("status"))),
		Method:     domain.PaymentMethod(strings.TrimSpace(q.Get("method"))),
		ProductID:  strings.TrimSpace(q.Get("product_id")),
		CustomerID: strings.TrimSpace(q.Get("customer_id")),
		ShiftID:    strings.TrimSpace(q.Get("shift_id")),
		Limit:      parsePositiveLimit(q.Get("limit"), 100, 500),
	}
	for key, dest := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		parsed, err := parseTimeParam(raw, key == "to")
		if err != nil {
			return domain.TransactionFilter{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dest = &parsed
	}
	return filter, nil
}

// parseTimeParam accepts RFC3339 or a bare date. A bare "to" date covers the
// whole day.
func parseTimeParam(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		return day.Add(24*time.Hour - time.Nanosecond), nil
	}
	return day, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)),
		)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is logged by the caller.
	msg := err.Error()
	if status >= 500 && status != http.StatusServiceUnavailable {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
