package adapter

import (
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/vault"
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ShareToken is a synchronously convertible isolation asset. Each share
// redeems for Rate underlying tokens, held in the share token's own wallet.
type ShareToken struct {
	Token           common.Address
	Underlying      ledger.MarketID
	UnderlyingToken common.Address
	rate            *uint256.Int
}

func NewShareToken(token common.Address, underlying ledger.MarketID, underlyingToken common.Address, rate *uint256.Int) (*ShareToken, error) {
	s := &ShareToken{Token: token, Underlying: underlying, UnderlyingToken: underlyingToken}
	if err := s.SetRate(rate); err != nil {
		return nil, err
	}
	return s, nil
}

// Rate is the underlying amount per share, 18 decimals.
func (s *ShareToken) Rate() *uint256.Int { return new(uint256.Int).Set(s.rate) }

func (s *ShareToken) SetRate(rate *uint256.Int) error {
	if rate == nil || rate.IsZero() {
		return ErrInvalidRate
	}
	s.rate = new(uint256.Int).Set(rate)
	return nil
}

func (s *ShareToken) ToAssets(shares *uint256.Int) (*uint256.Int, error) {
	return fpmath.Mul(shares, s.rate, fpmath.RoundDown)
}

func (s *ShareToken) ToShares(assets *uint256.Int) (*uint256.Int, error) {
	return fpmath.Div(assets, s.rate, fpmath.RoundDown)
}

// SyncUnwrapper redeems isolation shares for the underlying within the batch.
type SyncUnwrapper struct {
	isolation
	share *ShareToken
}

func NewSyncUnwrapper(address common.Address, l *ledger.Ledger, factory *vault.Factory, share *ShareToken) *SyncUnwrapper {
	return &SyncUnwrapper{
		isolation: isolation{address: address, ledger: l, factory: factory},
		share:     share,
	}
}

func (u *SyncUnwrapper) Type() TraderType   { return TraderIsolationUnwrapper }
func (u *SyncUnwrapper) ActionsLength() int { return 2 }
func (u *SyncUnwrapper) IsAsync() bool      { return false }

func (u *SyncUnwrapper) ValidatePair(input, output ledger.MarketID) error {
	if input != u.isoMarket() || output != u.share.Underlying {
		return &InvalidPairError{Input: input, Output: output}
	}
	return nil
}

func (u *SyncUnwrapper) IsValidOutputToken(token common.Address) bool {
	return token == u.share.UnderlyingToken
}

func (u *SyncUnwrapper) GetExchangeCost(_ context.Context, input, output ledger.MarketID, amount *uint256.Int, _ []byte) (*uint256.Int, error) {
	if err := u.ValidatePair(input, output); err != nil {
		return nil, err
	}
	if err := checkInput(amount); err != nil {
		return nil, err
	}
	return u.share.ToAssets(amount)
}

func (u *SyncUnwrapper) CreateActions(p ActionParams) ([]ledger.Action, error) {
	if err := u.ValidatePair(p.InputMarket, p.OutputMarket); err != nil {
		return nil, err
	}
	return u.unwrapActions(p), nil
}

func (u *SyncUnwrapper) Exchange(_ context.Context, caller common.Address, req ledger.ExchangeRequest) (*uint256.Int, error) {
	if err := checkCaller(u.ledger.Address(), caller); err != nil {
		return nil, err
	}
	if err := u.ValidatePair(req.InputMarket, req.OutputMarket); err != nil {
		return nil, err
	}
	if err := checkInput(req.InputAmount); err != nil {
		return nil, err
	}
	if _, err := u.source(req); err != nil {
		return nil, err
	}
	assets, err := u.share.ToAssets(req.InputAmount)
	if err != nil {
		return nil, err
	}
	if err := checkOutput(assets, req.Data); err != nil {
		return nil, err
	}

	tokens := u.ledger.Tokens()
	if err := tokens.Burn(req.InputToken, u.address, req.InputAmount); err != nil {
		return nil, err
	}
	if err := tokens.Transfer(u.share.UnderlyingToken, u.share.Token, u.address, assets); err != nil {
		return nil, ErrInsufficientLiquidity
	}
	return assets, nil
}

// SyncWrapper mints isolation shares from the underlying within the batch.
type SyncWrapper struct {
	isolation
	share *ShareToken
}

func NewSyncWrapper(address common.Address, l *ledger.Ledger, factory *vault.Factory, share *ShareToken) *SyncWrapper {
	return &SyncWrapper{
		isolation: isolation{address: address, ledger: l, factory: factory},
		share:     share,
	}
}

func (w *SyncWrapper) Type() TraderType   { return TraderIsolationWrapper }
func (w *SyncWrapper) ActionsLength() int { return 1 }
func (w *SyncWrapper) IsAsync() bool      { return false }

func (w *SyncWrapper) ValidatePair(input, output ledger.MarketID) error {
	if input != w.share.Underlying || output != w.isoMarket() {
		return &InvalidPairError{Input: input, Output: output}
	}
	return nil
}

func (w *SyncWrapper) IsValidInputToken(token common.Address) bool {
	return token == w.share.UnderlyingToken
}

func (w *SyncWrapper) GetExchangeCost(_ context.Context, input, output ledger.MarketID, amount *uint256.Int, _ []byte) (*uint256.Int, error) {
	if err := w.ValidatePair(input, output); err != nil {
		return nil, err
	}
	if err := checkInput(amount); err != nil {
		return nil, err
	}
	return w.share.ToShares(amount)
}

func (w *SyncWrapper) CreateActions(p ActionParams) ([]ledger.Action, error) {
	if err := w.ValidatePair(p.InputMarket, p.OutputMarket); err != nil {
		return nil, err
	}
	return []ledger.Action{sellAction(w.address, p)}, nil
}

func (w *SyncWrapper) Exchange(_ context.Context, caller common.Address, req ledger.ExchangeRequest) (*uint256.Int, error) {
	if err := checkCaller(w.ledger.Address(), caller); err != nil {
		return nil, err
	}
	if err := w.ValidatePair(req.InputMarket, req.OutputMarket); err != nil {
		return nil, err
	}
	if err := checkInput(req.InputAmount); err != nil {
		return nil, err
	}
	if _, err := w.requireVaultOriginator(req); err != nil {
		return nil, err
	}
	shares, err := w.share.ToShares(req.InputAmount)
	if err != nil {
		return nil, err
	}
	if err := checkOutput(shares, req.Data); err != nil {
		return nil, err
	}

	tokens := w.ledger.Tokens()
	if err := tokens.Transfer(req.InputToken, w.address, w.share.Token, req.InputAmount); err != nil {
		return nil, err
	}
	tokens.Mint(req.OutputToken, w.address, shares)
	return shares, nil
}
