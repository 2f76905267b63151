package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stablecore/crypto"
	"stablecore/engine"
	"stablecore/events"
	"stablecore/observability"
	"stablecore/observability/logging"
	"stablecore/oracle"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// Config carries the HTTP surface settings.
type Config struct {
	Listen            string
	JWTSecret         string
	AuthDisabled      bool
	RequestsPerMinute int
}

// Server exposes the engine over REST.
type Server struct {
	cfg     Config
	engine  *engine.Engine
	journal *events.Journal
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewServer wires the engine and event journal behind the HTTP surface.
func NewServer(cfg Config, eng *engine.Engine, journal *events.Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, engine: eng, journal: journal, logger: logger}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	auth := newAuthenticator(s.cfg.JWTSecret, s.cfg.AuthDisabled, s.logger)
	limiter := newRateLimiter(s.cfg.RequestsPerMinute)

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(limiter.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.middleware)

		r.Post("/collateral/deposit", s.handleDeposit)
		r.Post("/collateral/redeem", s.handleRedeem)
		r.Post("/debt/mint", s.handleMint)
		r.Post("/debt/burn", s.handleBurn)
		r.Post("/positions/open", s.handleDepositAndMint)
		r.Post("/positions/close", s.handleRedeemForDebt)
		r.Post("/liquidations", s.handleLiquidate)

		r.Get("/accounts/{address}", s.handleAccount)
		r.Get("/params", s.handleParams)
		r.Get("/events", s.handleEvents)
	})

	return otelhttp.NewHandler(r, "stablecore.rpc")
}

// Run serves HTTP until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

type amountRequest struct {
	Account string `json:"account"`
	Symbol  string `json:"symbol,omitempty"`
	Amount  string `json:"amount"`
}

type positionRequest struct {
	Account          string `json:"account"`
	Symbol           string `json:"symbol"`
	CollateralAmount string `json:"collateralAmount"`
	DebtAmount       string `json:"debtAmount"`
}

type liquidationRequest struct {
	Liquidator  string `json:"liquidator"`
	Account     string `json:"account"`
	Symbol      string `json:"symbol"`
	DebtToCover string `json:"debtToCover"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	account, amount, ok := s.accountAmount(w, req.Account, req.Amount)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.DepositCollateral(r.Context(), account, req.Symbol, amount)
	observability.Engine().ObserveOperation("deposit", start, err)
	if err != nil {
		s.writeEngineError(w, r, req.Symbol, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	account, amount, ok := s.accountAmount(w, req.Account, req.Amount)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.RedeemCollateral(r.Context(), account, req.Symbol, amount)
	observability.Engine().ObserveOperation("redeem", start, err)
	if err != nil {
		s.writeEngineError(w, r, req.Symbol, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	account, amount, ok := s.accountAmount(w, req.Account, req.Amount)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.MintDebt(r.Context(), account, amount)
	observability.Engine().ObserveOperation("mint", start, err)
	if err != nil {
		s.writeEngineError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	account, amount, ok := s.accountAmount(w, req.Account, req.Amount)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.BurnDebt(r.Context(), account, amount)
	observability.Engine().ObserveOperation("burn", start, err)
	if err != nil {
		s.writeEngineError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if !decode(w, r, &req) {
		return
	}
	account, err := crypto.DecodeAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	collateralAmount, ok := parseAmount(w, req.CollateralAmount)
	if !ok {
		return
	}
	debtAmount, ok := parseAmount(w, req.DebtAmount)
	if !ok {
		return
	}
	start := time.Now()
	opErr := s.engine.DepositAndMint(r.Context(), account, req.Symbol, collateralAmount, debtAmount)
	observability.Engine().ObserveOperation("deposit_and_mint", start, opErr)
	if opErr != nil {
		s.writeEngineError(w, r, req.Symbol, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRedeemForDebt(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if !decode(w, r, &req) {
		return
	}
	account, err := crypto.DecodeAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	collateralAmount, ok := parseAmount(w, req.CollateralAmount)
	if !ok {
		return
	}
	debtAmount, ok := parseAmount(w, req.DebtAmount)
	if !ok {
		return
	}
	start := time.Now()
	opErr := s.engine.RedeemForDebt(r.Context(), account, req.Symbol, collateralAmount, debtAmount)
	observability.Engine().ObserveOperation("redeem_for_debt", start, opErr)
	if opErr != nil {
		s.writeEngineError(w, r, req.Symbol, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidationRequest
	if !decode(w, r, &req) {
		return
	}
	liquidator, err := crypto.DecodeAddress(req.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid liquidator address")
		return
	}
	account, err := crypto.DecodeAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	cover, ok := parseAmount(w, req.DebtToCover)
	if !ok {
		return
	}
	start := time.Now()
	seized, opErr := s.engine.Liquidate(r.Context(), liquidator, account, req.Symbol, cover)
	observability.Engine().ObserveOperation("liquidate", start, opErr)
	if opErr != nil {
		s.writeEngineError(w, r, req.Symbol, opErr)
		return
	}
	observability.Engine().RecordLiquidation()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "seized": seized.String()})
}

type collateralView struct {
	Symbol    string `json:"symbol"`
	Deposited string `json:"deposited"`
	Wallet    string `json:"wallet"`
}

type accountView struct {
	Address         string           `json:"address"`
	Debt            string           `json:"debt"`
	DebtWallet      string           `json:"debtWallet"`
	CollateralValue string           `json:"collateralValue"`
	HealthFactor    string           `json:"healthFactor"`
	Collateral      []collateralView `json:"collateral"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	debt, value, err := s.engine.AccountInfo(r.Context(), account)
	if err != nil {
		s.writeEngineError(w, r, "", err)
		return
	}
	hf, err := s.engine.AccountHealthFactor(r.Context(), account)
	if err != nil {
		s.writeEngineError(w, r, "", err)
		return
	}
	debtWallet, err := s.engine.DebtTokenBalance(account)
	if err != nil {
		s.writeEngineError(w, r, "", err)
		return
	}
	view := accountView{
		Address:         account.String(),
		Debt:            debt.String(),
		DebtWallet:      debtWallet.String(),
		CollateralValue: value.String(),
		HealthFactor:    hf.String(),
	}
	for _, asset := range s.engine.CollateralAssets() {
		deposited, err := s.engine.CollateralBalance(account, asset.Symbol)
		if err != nil {
			s.writeEngineError(w, r, asset.Symbol, err)
			return
		}
		wallet, err := s.engine.CollateralTokenBalance(account, asset.Symbol)
		if err != nil {
			s.writeEngineError(w, r, asset.Symbol, err)
			return
		}
		view.Collateral = append(view.Collateral, collateralView{
			Symbol:    asset.Symbol,
			Deposited: deposited.String(),
			Wallet:    wallet.String(),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	params := s.engine.Params()
	assets := s.engine.CollateralAssets()
	symbols := make([]string, 0, len(assets))
	for _, asset := range assets {
		symbols = append(symbols, asset.Symbol)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"liquidationThresholdPct": params.LiquidationThresholdPct,
		"liquidationBonusPct":     params.LiquidationBonusPct,
		"minHealthFactor":         params.MinHealthFactor.String(),
		"staleTimeoutSeconds":     int64(params.StaleTimeout.Seconds()),
		"collateral":              symbols,
		"vault":                   s.engine.Vault().String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "event journal disabled")
		return
	}
	since := uint64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = parsed
	}
	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxEventsLimit {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = parsed
	}
	records, err := s.journal.Since(since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event journal read failed")
		return
	}
	if records == nil {
		records = []events.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": records})
}

func (s *Server) accountAmount(w http.ResponseWriter, rawAccount, rawAmount string) (crypto.Address, *big.Int, bool) {
	account, err := crypto.DecodeAddress(rawAccount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return crypto.Address{}, nil, false
	}
	amount, ok := parseAmount(w, rawAmount)
	if !ok {
		return crypto.Address{}, nil, false
	}
	return account, amount, true
}

func parseAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return nil, false
	}
	return amount, true
}

func decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, symbol string, err error) {
	switch {
	case errors.Is(err, engine.ErrAmountMustBePositive),
		errors.Is(err, engine.ErrUnsupportedCollateral):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrHealthFactorBroken),
		errors.Is(err, engine.ErrHealthFactorOk),
		errors.Is(err, engine.ErrHealthFactorNotImproved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrInsufficientDebt),
		errors.Is(err, engine.ErrInsufficientCollateralToSeize):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrBadRoundAnswer),
		errors.Is(err, oracle.ErrUnknownFeed):
		observability.Engine().RecordOracleError(symbol)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("operation failed",
			"request_id", RequestIDFromContext(r.Context()),
			logging.MaskField("symbol", symbol),
			logging.MaskField("subject", subjectFromContext(r.Context())),
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
