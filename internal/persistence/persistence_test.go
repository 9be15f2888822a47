package persistence_test

import (
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/persistence"
	"IsoLedger/internal/testutil"
	"IsoLedger/internal/vault"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSinkSequencesEvents(t *testing.T) {
	ch := make(chan event.EventEnvelope, 4)
	sink := persistence.NewChannelSink(ch, 41, zerolog.Nop())

	sink.Emit(&event.RequestCancelled{Key: "0x01"})
	sink.Emit(&event.RequestRetried{Key: "0x01", Attempts: 2})

	first, second := <-ch, <-ch
	assert.Equal(t, int64(42), first.Sequence)
	assert.Equal(t, int64(43), second.Sequence)
	assert.Equal(t, "0x01:retried:2", second.IdempotencyKey)
	assert.Equal(t, int64(43), sink.Sequence())
}

func TestRowFromEnvelope(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := event.Seal(9, &event.RequestCreated{Key: "0xab", InputMarket: 7, Timestamp: ts})
	require.NoError(t, err)

	row := persistence.RowFromEnvelope(env)
	assert.Equal(t, int64(9), row.Sequence)
	assert.Equal(t, "RequestCreated", row.EventType)
	assert.Equal(t, "0xab:created", row.IdempotencyKey)
	require.NotNil(t, row.MarketID)
	assert.Equal(t, int64(7), *row.MarketID)
	assert.Equal(t, ts, row.Timestamp)
	assert.NotEqual(t, [16]byte{}, [16]byte(row.EventID))

	env, err = event.Seal(10, &event.RequestCancelled{Key: "0xab"})
	require.NoError(t, err)
	assert.Nil(t, persistence.RowFromEnvelope(env).MarketID)
}

func TestEnvelopeFromRowRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := event.Seal(11, &event.RequestExecuted{Key: "0xab", OutputMarket: 2, OutputAmount: "5", Timestamp: ts})
	require.NoError(t, err)

	back := persistence.EnvelopeFromRow(persistence.RowFromEnvelope(env))
	assert.Equal(t, env, back)
}

func TestMigratorStatusAndChecksums(t *testing.T) {
	db := testutil.MigratedDB(t)
	ctx := context.Background()

	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	n, err := migrator.Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second run applies nothing")

	status, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, s := range status {
		assert.True(t, s.Applied, s.Filename)
	}
	assert.Equal(t, "000001", status[0].Version)

	// A copy of the directory with an edited, already applied file.
	dir := t.TempDir()
	entries, err := os.ReadDir("../../migrations")
	require.NoError(t, err)
	for _, e := range entries {
		body, err := os.ReadFile(filepath.Join("../../migrations", e.Name()))
		require.NoError(t, err)
		if e.Name() == status[0].Filename {
			body = append(body, []byte("\n-- edited\n")...)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, e.Name()), body, 0o644))
	}
	_, err = persistence.NewMigrator(db, dir, zerolog.Nop()).Up(ctx)
	assert.ErrorIs(t, err, persistence.ErrMigrationChanged)
}

func requestStore(t *testing.T) *persistence.RequestStore {
	t.Helper()
	return persistence.NewRequestStore(testutil.MigratedDB(t), testutil.Addr(0xa51c))
}

func sampleRequest() *vault.Request {
	return &vault.Request{
		Key:             crypto.Keccak256Hash([]byte("request-1")),
		Kind:            vault.KindWithdrawal,
		Vault:           testutil.Addr(0x5a),
		AccountNumber:   3,
		InputMarket:     ledger.MarketID(2),
		InputToken:      testutil.Addr(0x70),
		InputAmount:     testutil.Units(40),
		OutputMarket:    ledger.MarketID(1),
		OutputToken:     testutil.Addr(0x71),
		MinOutputAmount: testutil.Units(38),
		IsRetryable:     false,
		IsLiquidation:   true,
		Status:          vault.StatusPending,
		ExtraDataHash:   crypto.Keccak256Hash([]byte("extra")),
		ExtraDataLen:    64,
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Custodian:       testutil.Addr(0x43a9),
		Initiator:       testutil.Alice,
	}
}

func TestRequestStoreRoundTrip(t *testing.T) {
	store := requestStore(t)
	ctx := context.Background()

	req := sampleRequest()
	require.NoError(t, store.SaveRequest(ctx, req))

	req.Status = vault.StatusFailedRetryable
	req.IsRetryable = true
	req.Attempts = 1
	req.LastError = "venue rejected"
	req.Custody = vault.Custody{Token: req.InputToken, Amount: testutil.Units(40)}
	require.NoError(t, store.SaveRequest(ctx, req))

	loaded, err := store.LoadRequests(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, req.Key, got.Key)
	assert.Equal(t, vault.KindWithdrawal, got.Kind)
	assert.Equal(t, vault.StatusFailedRetryable, got.Status)
	assert.Equal(t, uint64(3), got.AccountNumber)
	assert.Equal(t, req.InputAmount.Dec(), got.InputAmount.Dec())
	assert.Nil(t, got.OutputAmount)
	assert.Equal(t, req.Custody.Amount.Dec(), got.Custody.Amount.Dec())
	assert.Equal(t, req.InputToken, got.Custody.Token)
	assert.True(t, got.IsLiquidation)
	assert.Equal(t, "venue rejected", got.LastError)
	assert.True(t, req.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, store.DeleteRequest(ctx, req.Key))
	loaded, err = store.LoadRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRequestStoreKeyChain(t *testing.T) {
	store := requestStore(t)
	ctx := context.Background()

	_, _, ok, err := store.LoadKeyChain(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	tip := common.HexToHash("0xfeed")
	require.NoError(t, store.SaveKeyChain(ctx, tip, 7))
	require.NoError(t, store.SaveKeyChain(ctx, tip, 8))

	got, nonce, ok, err := store.LoadKeyChain(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tip, got)
	assert.Equal(t, uint64(8), nonce)
}

func TestProcessedStore(t *testing.T) {
	db := testutil.MigratedDB(t)
	ctx := context.Background()

	store := persistence.NewPostgresProcessedStore(db)
	seen, err := store.IsProcessed(ctx, "cb-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.MarkProcessed(ctx, "cb-1"))
	require.NoError(t, store.MarkProcessed(ctx, "cb-1"))
	seen, err = store.IsProcessed(ctx, "cb-1")
	require.NoError(t, err)
	assert.True(t, seen)

	ids, err := store.RecentIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"cb-1"}, ids)
}

func TestWorkerFlushesOnClose(t *testing.T) {
	db := testutil.MigratedDB(t)
	ctx := context.Background()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ch := make(chan event.EventEnvelope, 8)
	sink := persistence.NewChannelSink(ch, 0, zerolog.Nop())
	sink.Emit(&event.RequestCancelled{Key: "0x01"})
	sink.Emit(&event.RequestCancelled{Key: "0x02"})
	close(ch)

	worker := persistence.NewWorker(db, ch, 100, time.Hour, metrics, zerolog.Nop())
	forwarded := make(chan event.EventEnvelope, 1)
	worker.Forward(forwarded)
	require.NoError(t, worker.Run(ctx))
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.PersistEventsWritten))
	assert.Equal(t, int64(1), (<-forwarded).Sequence, "second envelope dropped on a full channel")

	writer := persistence.NewEventLogWriter(db)
	last, err := writer.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	rows, err := writer.LoadEventsFrom(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "0x02:cancelled", rows[1].IdempotencyKey)
}

func TestVaultStoreRestoresFactory(t *testing.T) {
	db := testutil.MigratedDB(t)
	ctx := context.Background()
	store := persistence.NewVaultStore(db)

	factoryAddr := testutil.Addr(0xfac)
	before := vault.NewFactory(factoryAddr, 3, testutil.TokenFor(3))
	addr, err := before.CreateVault(testutil.Alice)
	require.NoError(t, err)
	require.NoError(t, store.SaveVault(ctx, factoryAddr, 3, addr, testutil.Alice))
	require.NoError(t, store.SaveVault(ctx, factoryAddr, 3, addr, testutil.Alice), "saving twice is a no-op")

	after := vault.NewFactory(factoryAddr, 3, testutil.TokenFor(3))
	n, err := store.RestoreFactory(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	owner, ok := after.OwnerOf(addr)
	require.True(t, ok)
	assert.Equal(t, testutil.Alice, owner)

	other := vault.NewFactory(testutil.Addr(0xfad), 3, testutil.TokenFor(3))
	n, err = store.RestoreFactory(ctx, other)
	require.NoError(t, err)
	assert.Zero(t, n)
}
