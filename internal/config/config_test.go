package config_test

import (
	"IsoLedger/internal/config"
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/state"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
risk:
  liquidation_spread: "0.08"
  cancel_timeout: 30m
markets:
  - id: 1
    symbol: USDC
    price: "1"
    decimals: 6
  - id: 2
    symbol: GLP
    token: "0x00000000000000000000000000000000000a1b2c"
    price: "1.5"
    margin_premium: "0.2"
    supply_cap: "1000"
    isolation:
      kind: sync
      underlying: [1]
      share_rate: "1.5"
  - id: 3
    symbol: GM
    price: "2"
    closing: true
    isolation:
      kind: async
      underlying: [1, 1]
pools:
  - {a: 1, b: 2, fee_bps: 30}
keepers: ["0x000000000000000000000000000000000000beef"]
liquidators:
  3: ["0x0000000000000000000000000000000000001a01"]
`

func TestParseSeed(t *testing.T) {
	seed, err := config.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)

	assert.Equal(t, fpmath.Percent(8), seed.Risk.LiquidationSpread)
	assert.Equal(t, fpmath.Percent(15), seed.Risk.MarginRatio, "default")
	assert.Equal(t, 30*time.Minute, seed.CancelTimeout)
	assert.Equal(t, time.Hour, seed.ExpiryRampTime)
	assert.Equal(t, 256, seed.MaxExtraDataBytes)
	assert.Equal(t, 4096, seed.CallbackBudgetBytes)

	require.Len(t, seed.Markets, 3)
	usdc := seed.Markets[0]
	assert.Equal(t, ledger.MarketID(1), usdc.ID)
	assert.Equal(t, "1000000000000000000000000000000", usdc.Price.Dec(), "scaled to 6 decimals")
	assert.Equal(t, config.TokenAddress(1), usdc.Token)

	glp := seed.Markets[1]
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000a1b2c"), glp.Token)
	assert.Equal(t, fpmath.Percent(20), glp.MarginPremium)
	assert.Equal(t, fpmath.Units(1000), glp.SupplyCap)
	assert.True(t, seed.Markets[2].IsClosing)

	require.Len(t, seed.Isolation, 2)
	assert.Equal(t, config.IsolationSync, seed.Isolation[0].Kind)
	assert.Equal(t, glp.Token, seed.Isolation[0].Token)
	assert.Equal(t, "1500000000000000000", seed.Isolation[0].ShareRate.Dec())
	assert.Equal(t, []ledger.MarketID{1}, seed.Isolation[1].Underlying, "deduplicated")
	assert.Nil(t, seed.Isolation[1].ShareRate)

	assert.Equal(t, []config.Pool{{A: 1, B: 2, FeeBps: 30}}, seed.Pools)
	assert.Equal(t, []common.Address{common.HexToAddress("0xbeef")}, seed.Keepers)

	markets := state.NewMarketRegistry()
	allow := state.NewLiquidatorAllowList()
	require.NoError(t, seed.Apply(markets, allow))
	assert.Equal(t, []ledger.MarketID{1, 2, 3}, markets.IDs())
	assert.True(t, allow.IsRestricted(3))
	assert.True(t, allow.IsAllowed(3, common.HexToAddress("0x1a01")))
	assert.False(t, allow.IsRestricted(2))
}

func TestParseSeedRejects(t *testing.T) {
	cases := map[string]string{
		"empty":             ``,
		"no markets":        "markets: []",
		"unknown key":       "markets: [{id: 1, symbol: A, price: '1'}]\nbogus: 1",
		"missing price":     "markets: [{id: 1, symbol: A}]",
		"bad price":         "markets: [{id: 1, symbol: A, price: '-1'}]",
		"zero price":        "markets: [{id: 1, symbol: A, price: '0'}]",
		"duplicate id":      "markets: [{id: 1, symbol: A, price: '1'}, {id: 1, symbol: B, price: '1'}]",
		"premium too large": "markets: [{id: 1, symbol: A, price: '1', margin_premium: '1'}]",
		"decimals":          "markets: [{id: 1, symbol: A, price: '1', decimals: 19}]",
		"bad token":         "markets: [{id: 1, symbol: A, price: '1', token: '0x12'}]",
		"bad kind":          "markets: [{id: 1, symbol: A, price: '1', isolation: {kind: lazy, underlying: [2]}}]",
		"self underlying":   "markets: [{id: 1, symbol: A, price: '1', isolation: {kind: async, underlying: [1]}}]",
		"sync no rate":      "markets: [{id: 1, symbol: A, price: '1'}, {id: 2, symbol: B, price: '1', isolation: {kind: sync, underlying: [1]}}]",
		"pool unknown":      "markets: [{id: 1, symbol: A, price: '1'}]\npools: [{a: 1, b: 9}]",
		"pool fee":          "markets: [{id: 1, symbol: A, price: '1'}, {id: 2, symbol: B, price: '1'}]\npools: [{a: 1, b: 2, fee_bps: 10001}]",
		"bad keeper":        "markets: [{id: 1, symbol: A, price: '1'}]\nkeepers: ['beef']",
		"liquidator market": "markets: [{id: 1, symbol: A, price: '1'}]\nliquidators: {7: ['0x0000000000000000000000000000000000001a01']}",
		"spread":            "risk: {liquidation_spread: '1.5'}\nmarkets: [{id: 1, symbol: A, price: '1'}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseSeed([]byte(doc))
			assert.ErrorIs(t, err, config.ErrInvalidSeed)
		})
	}
}

func TestLoadSeedFile(t *testing.T) {
	seed, err := config.LoadSeed(filepath.Join("..", "..", "markets.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, seed.Isolation)

	_, err = config.LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("ISO_HTTP_ADDR", ":18080")
	t.Setenv("ISO_CALLBACK_CHAN_SIZE", "7")
	t.Setenv("ISO_DEDUP_LRU_CAPACITY", "not-a-number")
	t.Setenv("ISO_PERSIST_FLUSH_TIMEOUT", "25ms")
	t.Setenv("ISO_MANUAL_INGEST", "true")

	cfg := config.FromEnv()
	assert.Equal(t, ":18080", cfg.HTTPAddr)
	assert.Equal(t, 7, cfg.CallbackChanSize)
	assert.Equal(t, 100_000, cfg.DedupLRUCapacity)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.True(t, cfg.ManualIngest)
	assert.Equal(t, "migrations", cfg.MigrationsDir)
}
