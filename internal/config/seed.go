package config

import (
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/registry"
	"IsoLedger/internal/state"
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

var ErrInvalidSeed = errors.New("config: invalid market seed")

// IsolationKind selects how an isolation market converts to its underlying.
type IsolationKind string

const (
	IsolationSync  IsolationKind = "sync"
	IsolationAsync IsolationKind = "async"
)

// File is the on-disk shape of the market seed.
type File struct {
	Risk        RiskFile            `yaml:"risk"`
	Markets     []MarketFile        `yaml:"markets" validate:"required,min=1,dive"`
	Pools       []PoolFile          `yaml:"pools" validate:"dive"`
	Keepers     []string            `yaml:"keepers" validate:"dive,eth_addr"`
	Liquidators map[uint64][]string `yaml:"liquidators" validate:"dive,dive,eth_addr"`
	Makers      []string            `yaml:"makers" validate:"dive,eth_addr"`
}

type RiskFile struct {
	LiquidationSpread      string        `yaml:"liquidation_spread"`
	MarginRatio            string        `yaml:"margin_ratio"`
	ExpiryRampTime         time.Duration `yaml:"expiry_ramp_time" validate:"gte=0"`
	CancelTimeout          time.Duration `yaml:"cancel_timeout" validate:"gte=0"`
	MaxExtraDataBytes      int           `yaml:"max_extra_data_bytes" validate:"gte=0,lte=65536"`
	CallbackGasBudgetBytes int           `yaml:"callback_gas_budget_bytes" validate:"gte=0,lte=1048576"`
}

type MarketFile struct {
	ID            uint64         `yaml:"id"`
	Symbol        string         `yaml:"symbol" validate:"required,max=32"`
	Token         string         `yaml:"token" validate:"omitempty,eth_addr"`
	Price         string         `yaml:"price" validate:"required"`
	Decimals      *int           `yaml:"decimals" validate:"omitempty,gte=0,lte=18"`
	MarginPremium string         `yaml:"margin_premium"`
	SupplyCap     string         `yaml:"supply_cap"`
	Closing       bool           `yaml:"closing"`
	Isolation     *IsolationFile `yaml:"isolation"`
}

type IsolationFile struct {
	Kind       IsolationKind `yaml:"kind" validate:"required,oneof=sync async"`
	Underlying []uint64      `yaml:"underlying" validate:"required,min=1"`
	ShareRate  string        `yaml:"share_rate" validate:"required_if=Kind sync"`
}

type PoolFile struct {
	A      uint64 `yaml:"a"`
	B      uint64 `yaml:"b"`
	FeeBps uint64 `yaml:"fee_bps" validate:"lt=10000"`
}

// Seed is the normalized market seed.
type Seed struct {
	Risk              ledger.RiskParams
	ExpiryRampTime    time.Duration
	CancelTimeout     time.Duration
	MaxExtraDataBytes int
	// CallbackBudgetBytes bounds one keeper callback message on the wire.
	CallbackBudgetBytes int

	Markets     []ledger.Market
	Symbols     map[ledger.MarketID]string
	Isolation   []Isolation
	Pools       []Pool
	Keepers     []common.Address
	Makers      []common.Address
	Liquidators map[ledger.MarketID][]common.Address
}

type Isolation struct {
	Market     ledger.MarketID
	Token      common.Address
	Kind       IsolationKind
	Underlying []ledger.MarketID
	ShareRate  *uint256.Int // sync only
}

type Pool struct {
	A, B   ledger.MarketID
	FeeBps uint64
}

// LoadSeed reads, validates and normalizes the seed file at path.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read market seed: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (*Seed, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return f.Normalize()
}

// Normalize converts decimal strings to 18-decimal fixed point, fills
// defaults and checks cross-references between markets.
func (f *File) Normalize() (*Seed, error) {
	s := &Seed{
		ExpiryRampTime:      orDuration(f.Risk.ExpiryRampTime, time.Hour),
		CancelTimeout:       orDuration(f.Risk.CancelTimeout, time.Hour),
		MaxExtraDataBytes:   orInt(f.Risk.MaxExtraDataBytes, 256),
		CallbackBudgetBytes: orInt(f.Risk.CallbackGasBudgetBytes, 4096),
		Symbols:             make(map[ledger.MarketID]string, len(f.Markets)),
		Liquidators:         make(map[ledger.MarketID][]common.Address, len(f.Liquidators)),
	}
	var err error
	if s.Risk.LiquidationSpread, err = rateOr(f.Risk.LiquidationSpread, fpmath.Percent(5)); err != nil {
		return nil, fmt.Errorf("%w: liquidation_spread: %v", ErrInvalidSeed, err)
	}
	if s.Risk.MarginRatio, err = rateOr(f.Risk.MarginRatio, fpmath.Percent(15)); err != nil {
		return nil, fmt.Errorf("%w: margin_ratio: %v", ErrInvalidSeed, err)
	}

	for _, mf := range f.Markets {
		id := ledger.MarketID(mf.ID)
		if _, dup := s.Symbols[id]; dup {
			return nil, fmt.Errorf("%w: market %d declared twice", ErrInvalidSeed, id)
		}
		m, err := mf.market()
		if err != nil {
			return nil, err
		}
		s.Symbols[id] = mf.Symbol
		s.Markets = append(s.Markets, m)
	}
	slices.SortFunc(s.Markets, func(a, b ledger.Market) int {
		return cmp.Compare(a.ID, b.ID)
	})

	for _, mf := range f.Markets {
		if mf.Isolation == nil {
			continue
		}
		iso, err := s.isolation(mf)
		if err != nil {
			return nil, err
		}
		s.Isolation = append(s.Isolation, iso)
	}

	for _, p := range f.Pools {
		a, b := ledger.MarketID(p.A), ledger.MarketID(p.B)
		if a == b || !s.known(a) || !s.known(b) {
			return nil, fmt.Errorf("%w: pool %d/%d", ErrInvalidSeed, a, b)
		}
		s.Pools = append(s.Pools, Pool{A: a, B: b, FeeBps: p.FeeBps})
	}

	s.Keepers = addresses(f.Keepers)
	s.Makers = addresses(f.Makers)
	for market, list := range f.Liquidators {
		id := ledger.MarketID(market)
		if !s.known(id) {
			return nil, fmt.Errorf("%w: liquidators for unknown market %d", ErrInvalidSeed, id)
		}
		s.Liquidators[id] = addresses(list)
	}
	return s, nil
}

func (mf MarketFile) market() (ledger.Market, error) {
	id := ledger.MarketID(mf.ID)
	price, err := fpmath.ParseFixed(mf.Price)
	if err != nil {
		return ledger.Market{}, fmt.Errorf("%w: market %d price: %v", ErrInvalidSeed, id, err)
	}
	// Prices are per smallest token unit so values stay comparable across
	// tokens of different precision.
	decimals := fpmath.Decimals
	if mf.Decimals != nil {
		decimals = *mf.Decimals
	}
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(fpmath.Decimals-decimals)))
	if _, overflow := price.MulOverflow(price, scale); overflow {
		return ledger.Market{}, fmt.Errorf("%w: market %d price overflows", ErrInvalidSeed, id)
	}

	m := ledger.Market{ID: id, Price: price, IsClosing: mf.Closing}
	if mf.Token != "" {
		m.Token = common.HexToAddress(mf.Token)
	} else {
		m.Token = TokenAddress(id)
	}
	if mf.MarginPremium != "" {
		if m.MarginPremium, err = fpmath.ParseFixed(mf.MarginPremium); err != nil {
			return ledger.Market{}, fmt.Errorf("%w: market %d margin_premium: %v", ErrInvalidSeed, id, err)
		}
	}
	if mf.SupplyCap != "" {
		if m.SupplyCap, err = fpmath.ParseFixed(mf.SupplyCap); err != nil {
			return ledger.Market{}, fmt.Errorf("%w: market %d supply_cap: %v", ErrInvalidSeed, id, err)
		}
	}
	if err := state.ValidateMarket(m); err != nil {
		return ledger.Market{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return m, nil
}

func (s *Seed) isolation(mf MarketFile) (Isolation, error) {
	id := ledger.MarketID(mf.ID)
	iso := Isolation{Market: id, Kind: mf.Isolation.Kind}
	for _, u := range mf.Isolation.Underlying {
		under := ledger.MarketID(u)
		if under == id || !s.known(under) {
			return Isolation{}, fmt.Errorf("%w: market %d underlying %d", ErrInvalidSeed, id, under)
		}
		iso.Underlying = append(iso.Underlying, under)
	}
	slices.Sort(iso.Underlying)
	iso.Underlying = slices.Compact(iso.Underlying)

	for _, m := range s.Markets {
		if m.ID == id {
			iso.Token = m.Token
		}
	}
	if iso.Kind == IsolationSync {
		if len(iso.Underlying) != 1 {
			return Isolation{}, fmt.Errorf("%w: sync market %d needs exactly one underlying", ErrInvalidSeed, id)
		}
		rate, err := fpmath.ParseFixed(mf.Isolation.ShareRate)
		if err != nil || rate.IsZero() {
			return Isolation{}, fmt.Errorf("%w: market %d share_rate %q", ErrInvalidSeed, id, mf.Isolation.ShareRate)
		}
		iso.ShareRate = rate
	}
	return iso, nil
}

func (s *Seed) known(id ledger.MarketID) bool {
	_, ok := s.Symbols[id]
	return ok
}

// Apply registers every market and liquidator allow-list entry.
func (s *Seed) Apply(markets *state.MarketRegistry, allow *state.LiquidatorAllowList) error {
	for _, m := range s.Markets {
		if err := markets.Add(m); err != nil {
			return fmt.Errorf("seed market %d (%s): %w", m.ID, s.Symbols[m.ID], err)
		}
	}
	for market, list := range s.Liquidators {
		for _, addr := range list {
			allow.Add(market, addr)
		}
	}
	return nil
}

// TokenAddress is the token used for a market declared without one.
func TokenAddress(id ledger.MarketID) common.Address {
	return registry.DeriveAddress("isoledger/token", binary.BigEndian.AppendUint64(nil, uint64(id)))
}

func addresses(in []string) []common.Address {
	out := make([]common.Address, len(in))
	for i, a := range in {
		out[i] = common.HexToAddress(a)
	}
	return out
}

func rateOr(s string, def *uint256.Int) (*uint256.Int, error) {
	if s == "" {
		return def, nil
	}
	v, err := fpmath.ParseFixed(s)
	if err != nil {
		return nil, err
	}
	if !v.Lt(fpmath.One) {
		return nil, fmt.Errorf("rate %s must be < 1.0", s)
	}
	return v, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
