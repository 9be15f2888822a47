package query_test

import (
	"IsoLedger/internal/core"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/persistence"
	"IsoLedger/internal/projection"
	"IsoLedger/internal/query"
	"IsoLedger/internal/testutil"
	"IsoLedger/internal/vault"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vaultAddr = testutil.Addr(0x5a)
	reqKey    = common.HexToHash("0x5eed")
)

type fakeEngine struct{}

func (fakeEngine) Request(key common.Hash) (*vault.Request, bool) {
	if key != reqKey {
		return nil, false
	}
	return &vault.Request{
		Key:             reqKey,
		Kind:            vault.KindWithdrawal,
		Status:          vault.StatusFailedRetryable,
		Vault:           vaultAddr,
		InputMarket:     2,
		InputAmount:     testutil.Units(40),
		OutputMarket:    1,
		MinOutputAmount: testutil.Units(38),
		OutputAmount:    testutil.Units(39),
		IsRetryable:     true,
		Attempts:        1,
		CreatedAt:       time.Unix(1_700_000_000, 0).UTC(),
	}, true
}

func (fakeEngine) Vault(addr common.Address) (core.VaultState, error) {
	if addr != vaultAddr {
		return core.VaultState{}, core.ErrNoAsyncMarket
	}
	return core.VaultState{Vault: vaultAddr, Owner: testutil.Alice, Frozen: true, PendingKeys: []common.Hash{reqKey}}, nil
}

func (fakeEngine) Balance(ledger.Position, ledger.MarketID) *big.Int {
	return big.NewInt(-5)
}

func (fakeEngine) Expiry(ledger.Position, ledger.MarketID) uint32 { return 0 }

func (fakeEngine) Health(ledger.Position) (ledger.AccountValues, bool, error) {
	return ledger.AccountValues{Supply: testutil.Units(10), Borrow: testutil.Units(11)}, true, nil
}

func (fakeEngine) Market(id ledger.MarketID) (ledger.Market, error) {
	if id > 2 {
		return ledger.Market{}, errors.New("unknown market")
	}
	return ledger.Market{ID: id}, nil
}

func (fakeEngine) QuoteExchange(_ context.Context, _ common.Address, _, _ ledger.MarketID, amount *uint256.Int, _ []byte) (*uint256.Int, error) {
	return new(uint256.Int).Mul(amount, uint256.NewInt(2)), nil
}

type fakeEvents struct{ from int64 }

func (f *fakeEvents) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	f.from = from
	return []persistence.EventRow{{Sequence: from, EventType: "RequestCancelled", IdempotencyKey: "k", Payload: []byte(`{}`)}}, nil
}

func newService() (*query.Service, *fakeEvents) {
	events := &fakeEvents{}
	return query.NewService(fakeEngine{}, events, func() int64 { return 12 }), events
}

func TestGetRequest(t *testing.T) {
	svc, _ := newService()
	resp, err := svc.GetRequest(context.Background(), reqKey)
	require.NoError(t, err)
	assert.Equal(t, "withdrawal", resp.Kind)
	assert.Equal(t, "failed_retryable", resp.Status)
	require.NotNil(t, resp.OutputAmount)
	assert.Equal(t, "39000000000000000000", *resp.OutputAmount)
	assert.Equal(t, int64(12), resp.AsOfSequence)

	assert.False(t, resp.Historical)

	_, err = svc.GetRequest(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, query.ErrNotFound)
}

type fakeHistory struct {
	records map[string]*projection.Record
	err     error
}

func (f *fakeHistory) LoadRequest(_ context.Context, key string) (*projection.Record, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	rec, ok := f.records[key]
	return rec, ok, nil
}

func (f *fakeHistory) ListByVault(_ context.Context, vault string, limit int) ([]*projection.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*projection.Record
	for _, rec := range f.records {
		if rec.Vault == vault && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeHistory) Watermark(context.Context) (int64, error) { return 30, f.err }

func TestGetRequestFallsBackToHistory(t *testing.T) {
	settledKey := common.HexToHash("0x5e771ed")
	out := "41"
	history := &fakeHistory{records: map[string]*projection.Record{
		settledKey.Hex(): {
			Key:          settledKey.Hex(),
			Kind:         "deposit",
			Status:       projection.StatusSettled,
			Vault:        vaultAddr.Hex(),
			InputAmount:  "40",
			OutputAmount: &out,
			LastSequence: 21,
		},
	}}
	svc, _ := newService()
	svc.WithHistory(history)

	live, err := svc.GetRequest(context.Background(), reqKey)
	require.NoError(t, err)
	assert.False(t, live.Historical, "live registry wins")

	resp, err := svc.GetRequest(context.Background(), settledKey)
	require.NoError(t, err)
	assert.True(t, resp.Historical)
	assert.Equal(t, "settled", resp.Status)
	assert.Equal(t, int64(21), resp.AsOfSequence)
	require.NotNil(t, resp.OutputAmount)
	assert.Equal(t, "41", *resp.OutputAmount)

	_, err = svc.GetRequest(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, query.ErrNotFound)

	list, err := svc.GetVaultRequests(context.Background(), vaultAddr, 0)
	require.NoError(t, err)
	require.Len(t, list.Requests, 1)
	assert.Equal(t, int64(30), list.AsOfSequence)

	history.err = errors.New("connection refused")
	_, err = svc.GetRequest(context.Background(), settledKey)
	assert.ErrorIs(t, err, query.ErrUnavailable)

	_, err = query.NewService(fakeEngine{}, nil, nil).GetVaultRequests(context.Background(), vaultAddr, 10)
	assert.ErrorIs(t, err, query.ErrUnavailable)
}

func TestGetVault(t *testing.T) {
	svc, _ := newService()
	resp, err := svc.GetVault(vaultAddr)
	require.NoError(t, err)
	assert.True(t, resp.Frozen)
	assert.Equal(t, []string{reqKey.Hex()}, resp.PendingKeys)

	_, err = svc.GetVault(testutil.Bob)
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestGetPosition(t *testing.T) {
	svc, _ := newService()
	resp, err := svc.GetPosition(ledger.Position{Owner: testutil.Alice}, 1)
	require.NoError(t, err)
	assert.Equal(t, "-5", resp.Balance)
	assert.True(t, resp.UnderMargined)
	assert.Equal(t, "11000000000000000000", resp.Borrow)

	_, err = svc.GetPosition(ledger.Position{Owner: testutil.Alice}, 9)
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestQuoteAndEvents(t *testing.T) {
	svc, events := newService()
	q, err := svc.Quote(context.Background(), testutil.Addr(0x1), 1, 2, uint256.NewInt(21), nil)
	require.NoError(t, err)
	assert.Equal(t, "42", q.OutputAmount)

	rows, err := svc.GetEvents(context.Background(), 7, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), events.from)
	assert.Equal(t, "RequestCancelled", rows[0].EventType)

	_, err = query.NewService(fakeEngine{}, nil, nil).GetEvents(context.Background(), 0, 10)
	assert.ErrorIs(t, err, query.ErrUnavailable)
}

func TestParseArguments(t *testing.T) {
	_, err := query.ParseKey("0x01")
	assert.ErrorIs(t, err, query.ErrInvalidArgument)
	key, err := query.ParseKey(reqKey.Hex())
	require.NoError(t, err)
	assert.Equal(t, reqKey, key)

	_, err = query.ParseAddress("alice")
	assert.ErrorIs(t, err, query.ErrInvalidArgument)
	_, err = query.ParseUint("number", "-1")
	assert.ErrorIs(t, err, query.ErrInvalidArgument)
	_, err = query.ParseAmount("0")
	assert.ErrorIs(t, err, query.ErrInvalidArgument)
	amt, err := query.ParseAmount("1000")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), amt.Uint64())
}
