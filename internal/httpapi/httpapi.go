package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/service"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	pinLimiter    *attemptLimiter
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		logger:        logger,
	}
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
	kept = append(kept, now)
	l.entries[key] = kept
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

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/lots", a.requireAuth(a.handleLots, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sale-lines/", a.requireAuth(a.handleSaleLineActions, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/refunds", a.requireAuth(a.handleRefunds, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/refunds/", a.requireAuth(a.handleRefundActions, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/registry/open", a.requireAuth(a.handleRegistryOpen, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/registry/current", a.requireAuth(a.handleRegistryCurrent, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/registry/", a.requireAuth(a.handleRegistryActions, domain.RoleCashier, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	tail, ok := a.pathTail(w, r, "/api/v1/products/", "product id required")
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	if strings.HasSuffix(tail, "/lots") {
		productID := strings.Trim(strings.TrimSuffix(tail, "/lots"), "/")
		if productID == "" {
			a.writeError(w, http.StatusBadRequest, errors.New("product id required"))
			return
		}
		lots, err := a.service.ListLots(r.Context(), productID)
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lots)
		return
	}

	if strings.Contains(tail, "/") {
		a.writeError(w, http.StatusNotFound, errors.New("unknown product action"))
		return
	}
	product, err := a.service.GetProduct(r.Context(), tail)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleLots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.LotReceiveRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	lot, err := a.service.ReceiveLot(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"lot": lot})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	tail, ok := a.pathTail(w, r, "/api/v1/sales/", "sale id required")
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	if strings.Contains(tail, "/") {
		a.writeError(w, http.StatusNotFound, errors.New("unknown sale action"))
		return
	}

	sale, err := a.service.GetSale(r.Context(), tail)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleSaleLineActions(w http.ResponseWriter, r *http.Request) {
	tail, ok := a.pathTail(w, r, "/api/v1/sale-lines/", "sale line id required")
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	if !strings.HasSuffix(tail, "/allocations") {
		a.writeError(w, http.StatusNotFound, errors.New("unknown sale line action"))
		return
	}
	saleLineID := strings.Trim(strings.TrimSuffix(tail, "/allocations"), "/")
	if saleLineID == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("sale line id required"))
		return
	}

	allocations, err := a.service.ListAllocations(r.Context(), saleLineID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocations)
}

func (a *API) handleRefunds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CreateRefund(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleRefundActions(w http.ResponseWriter, r *http.Request) {
	tail, ok := a.pathTail(w, r, "/api/v1/refunds/", "refund id required")
	if !ok {
		return
	}

	refundID, action, _ := strings.Cut(tail, "/")
	switch action {
	case "":
		if r.Method != http.MethodGet {
			a.writeMethodNotAllowed(w)
			return
		}
		refund, err := a.service.GetRefund(r.Context(), refundID)
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"refund": refund})
	case "approve", "reject":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		a.handleRefundDecision(w, r, refundID, action)
	case "cash-handed":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		resp, err := a.service.MarkCashHanded(r.Context(), refundID)
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown refund action"))
	}
}

func (a *API) handleRefundDecision(w http.ResponseWriter, r *http.Request, refundID string, action string) {
	actor, ok := service.ActorFromContext(r.Context())
	if !ok || actor.Role != domain.RoleAdmin {
		a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}
	if !a.pinLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}

	var req domain.RefundDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		a.logger.Warn("manager pin rejected", zap.String("refund_id", refundID), zap.String("actor", actor.Username))
		a.writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}

	decide := a.service.ApproveRefund
	if action == "reject" {
		decide = a.service.RejectRefund
	}
	resp, err := decide(r.Context(), refundID, req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRegistryOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.RegistryOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := a.service.OpenRegistry(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": session})
}

func (a *API) handleRegistryCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	summary, err := a.service.CurrentRegistry(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleRegistryActions(w http.ResponseWriter, r *http.Request) {
	tail, ok := a.pathTail(w, r, "/api/v1/registry/", "registry session id required")
	if !ok {
		return
	}

	sessionID, action, _ := strings.Cut(tail, "/")
	switch action {
	case "":
		if r.Method != http.MethodGet {
			a.writeMethodNotAllowed(w)
			return
		}
		summary, err := a.service.RegistrySummary(r.Context(), sessionID)
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case "cash-transactions":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		var req domain.CashTransactionRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		txn, err := a.service.RecordCashTransaction(r.Context(), sessionID, req)
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cash_transaction": txn})
	case "close":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		var req domain.RegistryCloseRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		session, err := a.service.CloseRegistry(r.Context(), sessionID, req)
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": session})
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown registry action"))
	}
}

// pathTail returns the trimmed path after prefix, writing a 400 when it is empty.
func (a *API) pathTail(w http.ResponseWriter, r *http.Request, prefix string, missing string) (string, bool) {
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		a.writeError(w, http.StatusBadRequest, errors.New(missing))
		return "", false
	}
	return tail, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// statusForError maps a core failure onto the HTTP status a client acts on.
func statusForError(err error) int {
	if errors.Is(err, service.ErrForbidden) {
		return http.StatusForbidden
	}
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindActualCashRequired, domain.KindInvalidActualCash:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientStock, domain.KindAlreadyProcessed, domain.KindBlockedByPendingRefunds,
		domain.KindRegistryAlreadyOpen, domain.KindConcurrencyConflict:
		return http.StatusConflict
	case domain.KindExceedsRefundable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	var de *domain.Error
	if status >= 500 || !errors.As(err, &de) {
		a.writeError(w, status, err)
		return
	}
	payload := map[string]any{
		"error": err.Error(),
		"kind":  de.Kind,
	}
	if len(de.Details) > 0 {
		payload["details"] = de.Details
	}
	writeJSON(w, status, payload)
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause only goes to the log.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
