package custodyd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"custodyfleet/services/custodyd/guard"
	"custodyfleet/services/custodyd/lifecycle"
	"custodyfleet/services/custodyd/store"
)

// Records is the read side of the wallet store used by the admin API.
type Records interface {
	GetWallet(ctx context.Context, address string) (store.Wallet, error)
	ListWallets(ctx context.Context) ([]store.Wallet, error)
	ListPullLogs(ctx context.Context, address string) ([]store.PullLog, error)
	ListWithdrawLogs(ctx context.Context) ([]store.WithdrawLog, error)
	Ping(ctx context.Context) error
}

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	engine   *lifecycle.Engine
	sentinel *lifecycle.Sentinel
	records  Records
	pending  func() int
	logger   *slog.Logger
	router   http.Handler
}

// AdminOptions carries the optional collaborators of the admin server.
type AdminOptions struct {
	Auth    *Authenticator
	Limiter *RateLimiter
	// Pending reports queued outbound notifications.
	Pending func() int
	Logger  *slog.Logger
}

// NewAdminServer constructs the admin router.
func NewAdminServer(engine *lifecycle.Engine, sentinel *lifecycle.Sentinel, records Records, opts AdminOptions) *AdminServer {
	s := &AdminServer{
		engine:   engine,
		sentinel: sentinel,
		records:  records,
		pending:  opts.Pending,
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.pending == nil {
		s.pending = func() int { return 0 }
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		if opts.Limiter != nil {
			api.Use(opts.Limiter.Middleware)
		}
		if opts.Auth != nil {
			api.Use(opts.Auth.Middleware)
		}
		api.Post("/wallets", s.handleConnect)
		api.Get("/wallets", s.handleListWallets)
		api.Get("/wallets/{address}", s.handleGetWallet)
		api.Post("/wallets/{address}/refill", s.handleRefill)
		api.Post("/wallets/{address}/approval", s.handleApproval)
		api.Post("/wallets/{address}/pull", s.handlePull)
		api.Delete("/wallets/{address}", s.handleRemove)
		api.Post("/withdraw", s.handleWithdraw)
		api.Get("/withdrawals", s.handleWithdrawals)
		api.Post("/sentinel/tick", s.handleTick)
		api.Get("/status", s.handleStatus)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorBody struct {
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

type walletView struct {
	Address          string          `json:"address"`
	Name             string          `json:"name,omitempty"`
	Balance          decimal.Decimal `json:"balance"`
	Refilled         bool            `json:"refilled"`
	NativeSent       decimal.Decimal `json:"nativeSent"`
	Approved         bool            `json:"approved"`
	Processed        bool            `json:"processed"`
	LastBalanceCheck *time.Time      `json:"lastBalanceCheck,omitempty"`
	ConnectedAt      time.Time       `json:"connectedAt"`
}

func viewOf(w store.Wallet) walletView {
	return walletView{
		Address:          w.Address,
		Name:             w.Name,
		Balance:          w.Balance,
		Refilled:         w.Refilled,
		NativeSent:       w.NativeSent,
		Approved:         w.Approved,
		Processed:        w.Processed,
		LastBalanceCheck: w.LastBalanceCheck,
		ConnectedAt:      w.ConnectedAt,
	}
}

type logView struct {
	Wallet       string          `json:"wallet,omitempty"`
	Master       string          `json:"master,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	TxHash       string          `json:"txHash"`
	AmountSource string          `json:"amountSource"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type connectRequest struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (s *AdminServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request"})
		return
	}
	result, err := s.engine.Connect(r.Context(), req.Address, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]any{
		"address":    result.Address,
		"suppressed": result.Suppressed,
		"created":    result.Created,
	}
	if result.Refill != nil {
		body["refill"] = result.Refill
	}
	if result.RefillErr != nil {
		body["refillError"] = errorBody{Kind: string(lifecycle.KindOf(result.RefillErr)), Error: result.RefillErr.Error()}
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, body)
}

func (s *AdminServer) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.records.ListWallets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]walletView, 0, len(wallets))
	for _, wallet := range wallets {
		views = append(views, viewOf(wallet))
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": views})
}

func (s *AdminServer) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	wallet, err := s.records.GetWallet(r.Context(), address)
	if errors.Is(err, store.ErrNotFound) {
		err = lifecycle.ErrWalletNotRegistered
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	pulls, err := s.records.ListPullLogs(r.Context(), wallet.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	history := make([]logView, 0, len(pulls))
	for _, p := range pulls {
		history = append(history, logView{Wallet: p.Wallet, Amount: p.Amount, TxHash: p.TxHash, AmountSource: p.AmountSource, CreatedAt: p.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet": viewOf(wallet), "pulls": history})
}

func (s *AdminServer) handleRefill(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.EnsureRefilledOnce(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *AdminServer) handleApproval(w http.ResponseWriter, r *http.Request) {
	approved, err := s.engine.ConfirmApproval(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"approved": approved})
}

func (s *AdminServer) handlePull(w http.ResponseWriter, r *http.Request) {
	settlement, err := s.engine.Pull(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *AdminServer) handleRemove(w http.ResponseWriter, r *http.Request) {
	pulled, err := s.engine.Remove(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]any{"removed": true}
	if pulled != nil {
		body["pulled"] = pulled
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *AdminServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	settlement, err := s.engine.WithdrawToMaster(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *AdminServer) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	logs, err := s.records.ListWithdrawLogs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]logView, 0, len(logs))
	for _, l := range logs {
		views = append(views, logView{Master: l.Master, Amount: l.Amount, TxHash: l.TxHash, AmountSource: l.AmountSource, CreatedAt: l.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": views})
}

func (s *AdminServer) handleTick(w http.ResponseWriter, r *http.Request) {
	report, ran := s.sentinel.Tick(r.Context())
	if !ran {
		writeJSON(w, http.StatusConflict, errorBody{Kind: string(lifecycle.KindWalletBusy), Error: "sentinel tick already running"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type statusResponse struct {
	Locks            []guard.HeldLock `json:"locks"`
	WithdrawInFlight bool             `json:"withdrawInFlight"`
	DedupEntries     int              `json:"dedupEntries"`
	PendingNotices   int              `json:"pendingNotifications"`
	Sentinel         sentinelStatus   `json:"sentinel"`
	Policy           policyStatus     `json:"policy"`
}

type sentinelStatus struct {
	Running   bool                 `json:"running"`
	Skipped   int64                `json:"skipped"`
	Completed int64                `json:"completed"`
	Last      lifecycle.TickReport `json:"last"`
}

type policyStatus struct {
	RefillThreshold string          `json:"refillThresholdWei"`
	RefillAmount    string          `json:"refillAmountWei"`
	AlertThreshold  decimal.Decimal `json:"alertThreshold"`
	ConfirmTimeout  string          `json:"confirmTimeout"`
	Master          string          `json:"master"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	settings := s.engine.Settings()
	locks := s.engine.Locks().Held()
	if locks == nil {
		locks = []guard.HeldLock{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Locks:            locks,
		WithdrawInFlight: s.engine.WithdrawInFlight(),
		DedupEntries:     s.engine.Deduplicator().Len(),
		PendingNotices:   s.pending(),
		Sentinel: sentinelStatus{
			Running:   s.sentinel.Running(),
			Skipped:   s.sentinel.Skipped(),
			Completed: s.sentinel.Completed(),
			Last:      s.sentinel.Last(),
		},
		Policy: policyStatus{
			RefillThreshold: settings.RefillThreshold.String(),
			RefillAmount:    settings.RefillAmount.String(),
			AlertThreshold:  settings.AlertThreshold,
			ConfirmTimeout:  settings.ConfirmTimeout.String(),
			Master:          settings.Master.Hex(),
		},
	})
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.records.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind lifecycle.Kind) int {
	switch kind {
	case lifecycle.KindWalletNotRegistered:
		return http.StatusNotFound
	case lifecycle.KindWalletBusy:
		return http.StatusConflict
	case lifecycle.KindApprovalDenied, lifecycle.KindInsufficientBalance:
		return http.StatusPreconditionFailed
	case lifecycle.KindRemoteCallExhausted, lifecycle.KindReverted:
		return http.StatusBadGateway
	case lifecycle.KindConfirmationTimeout:
		return http.StatusGatewayTimeout
	case lifecycle.KindInvalidAddress:
		return http.StatusBadRequest
	case lifecycle.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	kind := lifecycle.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", slog.String("kind", string(kind)), slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Kind: string(kind), Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
