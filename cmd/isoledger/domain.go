package main

import (
	"IsoLedger/internal/adapter"
	"IsoLedger/internal/config"
	"IsoLedger/internal/core"
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/liquidation"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/registry"
	"IsoLedger/internal/state"
	"IsoLedger/internal/vault"
	"IsoLedger/internal/zap"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// domainDeps are the collaborators the domain graph needs from the process.
type domainDeps struct {
	venue vault.Venue
	// store returns the request store of one async registry; nil keeps
	// requests in memory only.
	store  func(registry common.Address) vault.RequestStore
	events event.Sink
	level  zerolog.Level
}

// domain is the in-process ledger with every adapter, isolation market and
// the zap/liquidation entry points bound to it.
type domain struct {
	registry  *registry.Registry
	markets   *state.MarketRegistry
	allow     *state.LiquidatorAllowList
	ledger    *ledger.Ledger
	async     []*vault.AsyncRegistry
	sync      []*vault.Factory
	zap       *zap.Executor
	proxy     *liquidation.Proxy
	liquidity *adapter.InternalLiquidity
}

func componentAddress(kind string, ids ...ledger.MarketID) common.Address {
	parts := make([][]byte, len(ids))
	for i, id := range ids {
		parts[i] = binary.BigEndian.AppendUint64(nil, uint64(id))
	}
	return registry.DeriveAddress("isoledger/"+kind, parts...)
}

func buildDomain(seed *config.Seed, deps domainDeps) (*domain, error) {
	if deps.events == nil {
		deps.events = event.NopSink{}
	}
	logFor := func(component string) zerolog.Logger {
		return observability.NewLoggerWithLevel(component, deps.level)
	}

	d := &domain{
		registry: registry.New(),
		markets:  state.NewMarketRegistry(),
		allow:    state.NewLiquidatorAllowList(),
	}
	if err := seed.Apply(d.markets, d.allow); err != nil {
		return nil, err
	}
	d.ledger = ledger.New(componentAddress("ledger"), d.markets, d.registry, seed.Risk,
		ledger.WithLogger(logFor("ledger")))

	tokens := make(map[ledger.MarketID]common.Address, len(seed.Markets))
	for _, m := range seed.Markets {
		tokens[m.ID] = m.Token
	}

	for _, p := range seed.Pools {
		addr := componentAddress("pool", p.A, p.B)
		pool, err := adapter.NewConstantProductPool(addr, d.ledger, p.A, p.B, p.FeeBps)
		if err != nil {
			return nil, fmt.Errorf("pool %d/%d: %w", p.A, p.B, err)
		}
		if err := d.registry.Register(addr, fmt.Sprintf("pool-%d-%d", p.A, p.B), pool); err != nil {
			return nil, err
		}
	}

	d.liquidity = adapter.NewInternalLiquidity(componentAddress("internal-liquidity"), d.ledger)
	if err := d.registry.Register(d.liquidity.Address(), "internal-liquidity", d.liquidity); err != nil {
		return nil, err
	}
	for _, maker := range seed.Makers {
		d.liquidity.ApproveMaker(maker, true)
	}

	for _, iso := range seed.Isolation {
		factory := vault.NewFactory(componentAddress("factory", iso.Market), iso.Market, iso.Token)
		var err error
		switch iso.Kind {
		case config.IsolationSync:
			err = d.bindSync(iso, factory, tokens[iso.Underlying[0]])
		case config.IsolationAsync:
			err = d.bindAsync(iso, factory, seed, deps, logFor("vault"))
		}
		if err != nil {
			return nil, fmt.Errorf("isolation market %d: %w", iso.Market, err)
		}
	}

	freeze := make([]zap.FreezeChecker, len(d.async))
	asyncMarkets := make([]liquidation.AsyncMarket, len(d.async))
	for i, r := range d.async {
		freeze[i] = r
		asyncMarkets[i] = r
	}
	owners := make([]zap.VaultOwners, 0, len(d.sync)+len(d.async))
	for _, f := range d.factories() {
		owners = append(owners, f)
	}

	d.zap = zap.NewExecutor(componentAddress("zap"), d.ledger,
		zap.WithFreezeCheckers(freeze...),
		zap.WithVaultOwners(owners...),
		zap.WithEvents(deps.events),
		zap.WithLogger(logFor("zap")),
	)
	d.proxy = liquidation.NewProxy(componentAddress("liquidation-proxy"), d.ledger, d.zap, d.allow,
		liquidation.NewExpiry(d.ledger, seed.ExpiryRampTime),
		liquidation.WithAsyncMarkets(asyncMarkets...),
		liquidation.WithEvents(deps.events),
		liquidation.WithLogger(logFor("liquidation")),
	)
	d.ledger.SetGlobalOperator(d.zap.Address(), true)
	d.ledger.SetGlobalOperator(d.proxy.Address(), true)
	return d, nil
}

func (d *domain) bindSync(iso config.Isolation, factory *vault.Factory, underlyingToken common.Address) error {
	share, err := adapter.NewShareToken(iso.Token, iso.Underlying[0], underlyingToken, iso.ShareRate)
	if err != nil {
		return err
	}
	unwrapAddr := componentAddress("sync-unwrapper", iso.Market)
	wrapAddr := componentAddress("sync-wrapper", iso.Market)
	if err := d.registry.Register(unwrapAddr, fmt.Sprintf("sync-unwrapper-%d", iso.Market),
		adapter.NewSyncUnwrapper(unwrapAddr, d.ledger, factory, share)); err != nil {
		return err
	}
	if err := d.registry.Register(wrapAddr, fmt.Sprintf("sync-wrapper-%d", iso.Market),
		adapter.NewSyncWrapper(wrapAddr, d.ledger, factory, share)); err != nil {
		return err
	}
	d.sync = append(d.sync, factory)
	return nil
}

func (d *domain) bindAsync(iso config.Isolation, factory *vault.Factory, seed *config.Seed, deps domainDeps, logger zerolog.Logger) error {
	regAddr := componentAddress("async-registry", iso.Market)
	opts := []vault.Option{vault.WithEvents(deps.events), vault.WithLogger(logger)}
	if deps.store != nil {
		opts = append(opts, vault.WithStore(deps.store(regAddr)))
	}
	cfg := vault.Config{
		CancelTimeout:     seed.CancelTimeout,
		MaxExtraDataBytes: seed.MaxExtraDataBytes,
		Keepers:           seed.Keepers,
	}
	reg := vault.NewAsyncRegistry(regAddr, d.ledger, factory, d.allow, deps.venue, cfg, opts...)

	wrapAddr := componentAddress("async-wrapper", iso.Market)
	unwrapAddr := componentAddress("async-unwrapper", iso.Market)
	if err := d.registry.Register(wrapAddr, fmt.Sprintf("async-wrapper-%d", iso.Market),
		adapter.NewAsyncWrapper(wrapAddr, d.ledger, reg, iso.Underlying)); err != nil {
		return err
	}
	if err := d.registry.Register(unwrapAddr, fmt.Sprintf("async-unwrapper-%d", iso.Market),
		adapter.NewAsyncUnwrapper(unwrapAddr, d.ledger, reg, iso.Underlying)); err != nil {
		return err
	}
	reg.SetTraders(wrapAddr, unwrapAddr)
	d.ledger.SetGlobalOperator(regAddr, true)
	d.async = append(d.async, reg)
	return nil
}

// factories lists sync factories followed by async ones.
func (d *domain) factories() []*vault.Factory {
	out := append([]*vault.Factory(nil), d.sync...)
	for _, r := range d.async {
		out = append(out, r.Factory())
	}
	return out
}

func (d *domain) components(vaults core.VaultStore) core.Components {
	return core.Components{
		Ledger:    d.ledger,
		Zap:       d.zap,
		Proxy:     d.proxy,
		Async:     d.async,
		Factories: d.sync,
		Vaults:    vaults,
	}
}
