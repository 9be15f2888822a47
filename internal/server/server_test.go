package server_test

import (
	"IsoLedger/internal/adapter"
	"IsoLedger/internal/core"
	"IsoLedger/internal/ingestion"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/liquidation"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/query"
	"IsoLedger/internal/server"
	"IsoLedger/internal/testutil"
	"IsoLedger/internal/vault"
	"context"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var vaultAddr = testutil.Addr(0x5a)

type stubEngine struct{}

func (stubEngine) Request(common.Hash) (*vault.Request, bool) { return nil, false }

func (stubEngine) Vault(addr common.Address) (core.VaultState, error) {
	if addr != vaultAddr {
		return core.VaultState{}, core.ErrNoAsyncMarket
	}
	return core.VaultState{Vault: vaultAddr, Owner: testutil.Alice}, nil
}

func (stubEngine) Balance(ledger.Position, ledger.MarketID) *big.Int { return big.NewInt(7) }
func (stubEngine) Expiry(ledger.Position, ledger.MarketID) uint32    { return 0 }

func (stubEngine) Health(ledger.Position) (ledger.AccountValues, bool, error) {
	return ledger.AccountValues{Supply: uint256.NewInt(7), Borrow: uint256.NewInt(0)}, false, nil
}

func (stubEngine) Market(id ledger.MarketID) (ledger.Market, error) {
	return ledger.Market{ID: id}, nil
}

func (stubEngine) QuoteExchange(context.Context, common.Address, ledger.MarketID, ledger.MarketID, *uint256.Int, []byte) (*uint256.Int, error) {
	return nil, adapter.ErrExchangeCostUnsupported
}

type stubCommands struct {
	caller common.Address
}

func (c *stubCommands) CreateVault(_ context.Context, owner common.Address, market ledger.MarketID) (common.Address, error) {
	if market != 2 {
		return common.Address{}, core.ErrNotIsolationMarket
	}
	if owner == testutil.Bob {
		return vaultAddr, vault.ErrVaultExists
	}
	return vaultAddr, nil
}

func (c *stubCommands) InitiateWithdrawal(_ context.Context, caller common.Address, _ vault.WithdrawalParams) (*vault.Request, error) {
	c.caller = caller
	return nil, vault.ErrVaultFrozen
}

func (c *stubCommands) PrepareForLiquidation(context.Context, common.Address, vault.WithdrawalParams) (*vault.Request, error) {
	return nil, vault.ErrNotLiquidatable
}

func (c *stubCommands) Cancel(context.Context, common.Address, common.Hash) error {
	return vault.ErrCancelTooEarly
}

func (c *stubCommands) Retry(context.Context, common.Address, common.Hash) error {
	return vault.ErrNotAuthorized
}

func (c *stubCommands) Liquidate(_ context.Context, _ common.Address, req liquidation.Request) (*liquidation.Outcome, error) {
	return &liquidation.Outcome{
		Reward:       &liquidation.Reward{Debt: uint256.NewInt(10), HeldSeized: uint256.NewInt(11)},
		Output:       uint256.NewInt(11),
		RewardMarket: req.HeldMarket,
	}, nil
}

func (c *stubCommands) QuoteLiquidation(common.Address, liquidation.Request) (*liquidation.Reward, error) {
	return nil, liquidation.ErrNotAllowed
}

func newHandler(t *testing.T, manual *ingestion.ManualIngest) (http.Handler, *observability.Metrics) {
	t.Helper()
	return newHandlerWith(t, manual, nil)
}

func newHandlerWith(t *testing.T, manual *ingestion.ManualIngest, commands server.Commands) (http.Handler, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	health := observability.NewHealthChecker("postgres")
	h, err := server.NewHTTPHandler(server.HTTPDeps{
		Query:    query.NewService(stubEngine{}, nil, nil),
		Commands: commands,
		Manual:   manual,
		Health:   health,
		Metrics:  metrics,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return h, metrics
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHTTPRoutes(t *testing.T) {
	h, metrics := newHandler(t, nil)

	rec := get(h, "/v1/vaults/"+vaultAddr.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	var v query.VaultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, testutil.Alice.Hex(), v.Owner)

	rec = get(h, "/v1/positions/"+testutil.Alice.Hex()+"/0/1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":"7"`)

	assert.Equal(t, http.StatusNotFound, get(h, "/v1/vaults/"+testutil.Bob.Hex()).Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/v1/requests/0x01").Code)
	assert.Equal(t, http.StatusNotFound, get(h, "/v1/requests/"+common.HexToHash("0x01").Hex()).Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/v1/positions/"+testutil.Alice.Hex()+"/x/1").Code)
	assert.Equal(t, http.StatusNotImplemented,
		get(h, "/v1/quote?trader="+testutil.Bob.Hex()+"&input=1&output=2&amount=5").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/v1/events").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/v1/vaults/"+vaultAddr.Hex()+"/requests").Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/v1/vaults/alice/requests").Code)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.QueryErrors.WithLabelValues("get_request", "400")))
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("get_vault")))
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestHTTPCommands(t *testing.T) {
	cmds := &stubCommands{}
	h, _ := newHandlerWith(t, nil, cmds)
	alice, bob := strings.ToLower(testutil.Alice.Hex()), strings.ToLower(testutil.Bob.Hex())
	key := common.HexToHash("0x01").Hex()

	rec := post(h, "/v1/vaults", `{"owner":"`+alice+`","market":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), vaultAddr.Hex())

	assert.Equal(t, http.StatusConflict, post(h, "/v1/vaults", `{"owner":"`+bob+`","market":2}`).Code)
	assert.Equal(t, http.StatusNotFound, post(h, "/v1/vaults", `{"owner":"`+bob+`","market":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "/v1/vaults", `{"owner":"nope","market":2}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "/v1/vaults", `{`).Code)

	withdraw := `{"caller":"` + alice + `","vault":"` + strings.ToLower(vaultAddr.Hex()) + `","input_amount":"max","output_market":1,"extra_data":"0x00"}`
	assert.Equal(t, http.StatusConflict, post(h, "/v1/withdrawals", withdraw).Code)
	assert.Equal(t, testutil.Alice, cmds.caller)
	prepare := strings.Replace(withdraw, `"extra_data"`, `"for_liquidation":true,"extra_data"`, 1)
	assert.Equal(t, http.StatusUnprocessableEntity, post(h, "/v1/withdrawals", prepare).Code)

	caller := `{"caller":"` + alice + `"}`
	assert.Equal(t, http.StatusConflict, post(h, "/v1/requests/"+key+"/cancel", caller).Code)
	assert.Equal(t, http.StatusForbidden, post(h, "/v1/requests/"+key+"/retry", caller).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "/v1/requests/0x01/retry", caller).Code)

	liq := `{"caller":"` + bob + `","solid":{"owner":"` + bob + `"},"liquid":{"owner":"` + alice + `"},"held_market":2,"owed_market":1}`
	rec = post(h, "/v1/liquidations", liq)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "11", out["output"])
	assert.Equal(t, 2.0, out["reward_market"])
	assert.Equal(t, http.StatusForbidden, post(h, "/v1/liquidations/quote", liq).Code)
}

func TestHTTPCommandsDisabled(t *testing.T) {
	h, _ := newHandler(t, nil)
	assert.NotEqual(t, http.StatusOK, post(h, "/v1/vaults", `{}`).Code)
}

func TestHTTPHealth(t *testing.T) {
	h, _ := newHandler(t, nil)
	assert.Equal(t, http.StatusOK, get(h, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/readyz").Code)
}

func TestHTTPInjectCallback(t *testing.T) {
	ch := make(chan core.Inbound, 1)
	h, _ := newHandler(t, ingestion.NewManualIngest(ch, ingestion.DefaultLimits()))
	go func() {
		in := <-ch
		in.Done(core.OutcomeRejected, vault.ErrUnknownRequest)
	}()

	body, err := ingestion.EncodeCallback(vault.Callback{ID: "cb", Key: common.HexToHash("0x01"), Keeper: testutil.Keeper})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/callbacks", strings.NewReader(string(body))))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/callbacks", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGRPCHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.NewGRPCServer(lis.Addr().String(), zerolog.Nop())
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
