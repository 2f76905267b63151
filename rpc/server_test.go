package rpc

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"stablecore/crypto"
	"stablecore/engine"
	"stablecore/events"
	"stablecore/oracle"
	"stablecore/state"
	"stablecore/storage"
	"stablecore/token"
)

type testHarness struct {
	handler http.Handler
	eng     *engine.Engine
	ledger  engine.Ledger
	feed    *oracle.ManualFeed
}

func testAddress(b byte) crypto.Address {
	var raw [crypto.AddressLength]byte
	raw[crypto.AddressLength-1] = b
	return crypto.NewAddress(raw)
}

func wadAmount(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000_000_000_000_000))
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	manager := state.NewManager(storage.NewMemDB())
	ledger := engine.NewLedger(manager)

	feed := oracle.NewManualFeed(8, new(big.Int).Mul(big.NewInt(1000), big.NewInt(100_000_000)))
	feeds := oracle.NewRegistry()
	feeds.Register("weth-usd", feed)

	debt, err := token.New("SUSD", 18)
	require.NoError(t, err)
	eng, err := engine.New(testAddress(0x01), debt, []engine.CollateralAsset{{
		Symbol: "WETH",
		FeedID: "weth-usd",
	}}, feeds, engine.RiskParameters{})
	require.NoError(t, err)
	eng.SetLedger(ledger)

	journal, err := events.Open(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })
	eng.SetEmitter(journal)

	server := NewServer(cfg, eng, journal, slog.Default())
	return &testHarness{handler: server.Handler(), eng: eng, ledger: ledger, feed: feed}
}

func (h *testHarness) fund(t *testing.T, addr crypto.Address, amount *big.Int) {
	t.Helper()
	handle, err := h.eng.CollateralToken("WETH")
	require.NoError(t, err)
	require.NoError(t, handle.Mint(h.ledger, addr, amount))
}

func (h *testHarness) post(t *testing.T, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func openConfig() Config {
	return Config{Listen: ":0", AuthDisabled: true, RequestsPerMinute: 6000}
}

func TestDepositAndAccountView(t *testing.T) {
	h := newHarness(t, openConfig())
	user := testAddress(0x20)
	h.fund(t, user, wadAmount(10))

	rec := h.post(t, "/v1/collateral/deposit", amountRequest{
		Account: user.String(),
		Symbol:  "WETH",
		Amount:  wadAmount(10).String(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.get(t, "/v1/accounts/"+user.String())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view accountView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "0", view.Debt)
	require.Equal(t, wadAmount(10000).String(), view.CollateralValue)
	require.Len(t, view.Collateral, 1)
	require.Equal(t, wadAmount(10).String(), view.Collateral[0].Deposited)
	require.Equal(t, "0", view.Collateral[0].Wallet)
}

func TestValidationErrors(t *testing.T) {
	h := newHarness(t, openConfig())
	user := testAddress(0x20)

	rec := h.post(t, "/v1/collateral/deposit", amountRequest{
		Account: user.String(), Symbol: "WETH", Amount: "not-a-number",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.post(t, "/v1/collateral/deposit", amountRequest{
		Account: "bogus", Symbol: "WETH", Amount: "1",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.post(t, "/v1/collateral/deposit", amountRequest{
		Account: user.String(), Symbol: "DOGE", Amount: "1",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.post(t, "/v1/collateral/deposit", amountRequest{
		Account: user.String(), Symbol: "WETH", Amount: "0",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMintBeyondCapacityConflicts(t *testing.T) {
	h := newHarness(t, openConfig())
	user := testAddress(0x20)
	h.fund(t, user, wadAmount(10))

	rec := h.post(t, "/v1/positions/open", positionRequest{
		Account:          user.String(),
		Symbol:           "WETH",
		CollateralAmount: wadAmount(10).String(),
		DebtAmount:       wadAmount(5001).String(),
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestLiquidationFlow(t *testing.T) {
	h := newHarness(t, openConfig())
	borrower := testAddress(0x20)
	liquidator := testAddress(0x21)
	h.fund(t, borrower, wadAmount(10))
	h.fund(t, liquidator, wadAmount(20))

	rec := h.post(t, "/v1/positions/open", positionRequest{
		Account:          borrower.String(),
		Symbol:           "WETH",
		CollateralAmount: wadAmount(10).String(),
		DebtAmount:       wadAmount(2507).String(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.post(t, "/v1/positions/open", positionRequest{
		Account:          liquidator.String(),
		Symbol:           "WETH",
		CollateralAmount: wadAmount(20).String(),
		DebtAmount:       wadAmount(2000).String(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Solvent target is rejected before the price drop.
	rec = h.post(t, "/v1/liquidations", liquidationRequest{
		Liquidator:  liquidator.String(),
		Account:     borrower.String(),
		Symbol:      "WETH",
		DebtToCover: wadAmount(2000).String(),
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	h.feed.UpdateAnswer(new(big.Int).Mul(big.NewInt(500), big.NewInt(100_000_000)))

	rec = h.post(t, "/v1/liquidations", liquidationRequest{
		Liquidator:  liquidator.String(),
		Account:     borrower.String(),
		Symbol:      "WETH",
		DebtToCover: wadAmount(2000).String(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	seized := new(big.Int).Quo(new(big.Int).Mul(big.NewInt(44), wadAmount(1)), big.NewInt(10))
	require.Equal(t, seized.String(), resp["seized"])
}

func TestStaleOracleReturnsServiceUnavailable(t *testing.T) {
	h := newHarness(t, openConfig())
	user := testAddress(0x20)
	h.fund(t, user, wadAmount(10))

	rec := h.post(t, "/v1/collateral/deposit", amountRequest{
		Account: user.String(), Symbol: "WETH", Amount: wadAmount(10).String(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	old := time.Now().Add(-4 * time.Hour)
	h.feed.UpdateRoundData(big.NewInt(9), new(big.Int).Mul(big.NewInt(1000), big.NewInt(100_000_000)), old, old)

	rec = h.post(t, "/v1/debt/mint", amountRequest{
		Account: user.String(), Amount: wadAmount(1).String(),
	}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
}

func TestEventsEndpoint(t *testing.T) {
	h := newHarness(t, openConfig())
	user := testAddress(0x20)
	h.fund(t, user, wadAmount(10))

	rec := h.post(t, "/v1/collateral/deposit", amountRequest{
		Account: user.String(), Symbol: "WETH", Amount: wadAmount(10).String(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.get(t, "/v1/events?since=0&limit=10")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Events []events.Record `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	require.Equal(t, engine.EventTypeCollateralDeposited, resp.Events[0].Type)
	require.Equal(t, user.String(), resp.Events[0].Attributes["user"])
}

func TestEventsLimitBounds(t *testing.T) {
	h := newHarness(t, openConfig())

	rec := h.get(t, "/v1/events?limit=1000")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, limit := range []string{"0", "-5", "1001", "9999999"} {
		rec = h.get(t, "/v1/events?limit="+limit)
		require.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestAuthRequired(t *testing.T) {
	secret := "test-secret"
	h := newHarness(t, Config{Listen: ":0", JWTSecret: secret, RequestsPerMinute: 6000})
	user := testAddress(0x20)

	rec := h.post(t, "/v1/debt/mint", amountRequest{
		Account: user.String(), Amount: "1",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	h.fund(t, user, wadAmount(1))
	rec = h.post(t, "/v1/collateral/deposit", amountRequest{
		Account: user.String(), Symbol: "WETH", Amount: wadAmount(1).String(),
	}, map[string]string{"Authorization": "Bearer " + signed})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Health and metrics stay open without a token.
	rec = h.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiting(t *testing.T) {
	h := newHarness(t, Config{Listen: ":0", AuthDisabled: true, RequestsPerMinute: 30})

	limited := false
	for i := 0; i < 20; i++ {
		rec := h.get(t, "/healthz")
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	require.True(t, limited, "expected rate limiter to trip")
}
