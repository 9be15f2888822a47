package vault

import (
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/registry"
	"IsoLedger/internal/tradedata"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// DepositParams describes a wrap delegated to the venue by the async wrapper.
type DepositParams struct {
	Position    ledger.Position
	InputMarket ledger.MarketID
	InputAmount *uint256.Int
	// ExtraData is the hop's trade data; its leading word is the minimum
	// amount of the isolation asset to receive.
	ExtraData []byte
	Custodian common.Address
}

// WithdrawalParams describes an unwrap of a vault's isolation balance.
type WithdrawalParams struct {
	Vault         common.Address
	AccountNumber uint64
	// InputAmount may be the sentinel fpmath.MaxUint256 for the full balance.
	InputAmount  *uint256.Int
	OutputMarket ledger.MarketID
	// ExtraData's leading word is the minimum output amount.
	ExtraData []byte
}

type extraDataCommitment struct {
	minOutput *uint256.Int
	hash      common.Hash
	length    int
}

// commitExtraData bounds extra data at creation and keeps only what a
// callback needs to match it later.
func (r *AsyncRegistry) commitExtraData(data []byte) (extraDataCommitment, error) {
	if len(data) > r.cfg.MaxExtraDataBytes {
		return extraDataCommitment{}, &ExtraDataTooLargeError{Size: len(data), Max: r.cfg.MaxExtraDataBytes}
	}
	minOut, err := tradedata.MinOutput(data)
	if err != nil {
		return extraDataCommitment{}, err
	}
	if minOut.IsZero() {
		return extraDataCommitment{}, ErrInvalidMinOutput
	}
	return extraDataCommitment{
		minOutput: minOut,
		hash:      crypto.Keccak256Hash(data),
		length:    len(data),
	}, nil
}

// CreateDeposit records a deposit request. It must run inside the ledger
// batch that moved the input to the custodian: the request disappears if the
// batch reverts and is submitted to the venue once it commits.
func (r *AsyncRegistry) CreateDeposit(ctx context.Context, p DepositParams) (*Request, error) {
	if !r.factory.IsVault(p.Position.Owner) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVault, p.Position.Owner.Hex())
	}
	if r.IsVaultFrozen(p.Position.Owner) {
		return nil, fmt.Errorf("%w: %s", ErrVaultFrozen, p.Position.Owner.Hex())
	}
	if p.InputAmount == nil || p.InputAmount.IsZero() {
		return nil, ErrZeroAmount
	}
	commitment, err := r.commitExtraData(p.ExtraData)
	if err != nil {
		return nil, err
	}
	in, err := r.ledger.Markets().Market(p.InputMarket)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Key:             r.chain.Next(p.Position.Owner, p.Position.Number),
		Kind:            KindDeposit,
		Vault:           p.Position.Owner,
		AccountNumber:   p.Position.Number,
		InputMarket:     in.ID,
		InputToken:      in.Token,
		InputAmount:     new(uint256.Int).Set(p.InputAmount),
		OutputMarket:    r.factory.IsolationMarket(),
		OutputToken:     r.factory.IsolationToken(),
		MinOutputAmount: commitment.minOutput,
		Status:          StatusPending,
		ExtraDataHash:   commitment.hash,
		ExtraDataLen:    commitment.length,
		CreatedAt:       r.ledger.Now(),
		Custodian:       p.Custodian,
		Initiator:       p.Position.Owner,
	}
	r.open(ctx, req)
	return req.Clone(), nil
}

// InitiateWithdrawal lets a vault owner unwrap part of the isolation balance.
func (r *AsyncRegistry) InitiateWithdrawal(ctx context.Context, caller common.Address, p WithdrawalParams) (*Request, error) {
	if err := r.requireOwner(p.Vault, caller); err != nil {
		return nil, err
	}
	if r.IsVaultFrozen(p.Vault) {
		return nil, fmt.Errorf("%w: %s", ErrVaultFrozen, p.Vault.Hex())
	}
	req, err := r.buildWithdrawal(caller, p)
	if err != nil {
		return nil, err
	}
	available := r.availableIsolation(req.Position(), common.Hash{})
	if fpmath.IsSentinel(p.InputAmount) {
		req.InputAmount = available
	}
	if req.InputAmount.IsZero() {
		return nil, ErrZeroAmount
	}
	if req.InputAmount.Gt(available) {
		return nil, fmt.Errorf("%w: want %s, have %s", ErrInsufficientBalance, req.InputAmount, available)
	}

	req.Key = r.chain.Next(req.Vault, req.AccountNumber)
	r.open(ctx, req)
	return req.Clone(), nil
}

// PrepareForLiquidation starts the async unwrap a liquidator needs before a
// frozen-asset position can be liquidated. The input must be the sentinel or
// exactly the isolation balance not already claimed by live requests.
func (r *AsyncRegistry) PrepareForLiquidation(ctx context.Context, caller common.Address, p WithdrawalParams) (*Request, error) {
	if !r.factory.IsVault(p.Vault) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVault, p.Vault.Hex())
	}
	iso := r.factory.IsolationMarket()
	if !r.allow.IsAllowed(iso, caller) || !r.allow.IsAllowed(p.OutputMarket, caller) {
		return nil, fmt.Errorf("%w: %s", ErrLiquidatorNotAllowed, caller.Hex())
	}
	req, err := r.buildWithdrawal(caller, p)
	if err != nil {
		return nil, err
	}
	pos := req.Position()
	if existing, ok := r.liquidationFor(pos); ok {
		return nil, fmt.Errorf("%w: %s", ErrLiquidationPending, existing.Key.Hex())
	}
	ok, err := r.isLiquidatable(pos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLiquidatable, pos)
	}

	balance := r.isolationBalance(pos)
	if balance.IsZero() {
		return nil, ErrZeroAmount
	}
	available := r.availableIsolation(pos, common.Hash{})
	if available.IsZero() {
		return nil, fmt.Errorf("%w: balance %s is claimed by live requests", ErrInsufficientBalance, balance)
	}
	if !fpmath.IsSentinel(p.InputAmount) && !p.InputAmount.Eq(available) {
		return nil, &AmountNotExactError{Given: new(uint256.Int).Set(p.InputAmount), Balance: available}
	}
	req.InputAmount = available
	req.IsLiquidation = true

	req.Key = r.chain.Next(req.Vault, req.AccountNumber)
	r.open(ctx, req)
	return req.Clone(), nil
}

func (r *AsyncRegistry) buildWithdrawal(caller common.Address, p WithdrawalParams) (*Request, error) {
	if r.unwrapper == (common.Address{}) {
		return nil, ErrTradersNotSet
	}
	if p.InputAmount == nil {
		return nil, ErrZeroAmount
	}
	iso := r.factory.IsolationMarket()
	validator, err := registry.Resolve[PairValidator](r.ledger.Registry(), r.unwrapper)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidatePair(iso, p.OutputMarket); err != nil {
		return nil, err
	}
	out, err := r.ledger.Markets().Market(p.OutputMarket)
	if err != nil {
		return nil, err
	}
	commitment, err := r.commitExtraData(p.ExtraData)
	if err != nil {
		return nil, err
	}
	return &Request{
		Kind:            KindWithdrawal,
		Vault:           p.Vault,
		AccountNumber:   p.AccountNumber,
		InputMarket:     iso,
		InputToken:      r.factory.IsolationToken(),
		InputAmount:     new(uint256.Int).Set(p.InputAmount),
		OutputMarket:    out.ID,
		OutputToken:     out.Token,
		MinOutputAmount: commitment.minOutput,
		Status:          StatusPending,
		ExtraDataHash:   commitment.hash,
		ExtraDataLen:    commitment.length,
		CreatedAt:       r.ledger.Now(),
		Custodian:       r.unwrapper,
		Initiator:       caller,
	}, nil
}

// open registers req, undoing it if the surrounding batch reverts, and hands
// it to the venue once committed.
func (r *AsyncRegistry) open(ctx context.Context, req *Request) {
	r.put(req)
	ledger.OnRevert(ctx, func() { r.remove(req) })
	ledger.OnCommit(ctx, func() {
		var err error
		if req.Kind == KindDeposit {
			err = r.venue.SubmitDeposit(ctx, req.Clone())
		} else {
			err = r.venue.SubmitWithdrawal(ctx, req.Clone())
		}
		if err != nil {
			// the request stays pending; the owner can cancel after the timeout
			r.logRequest(r.logger.Error(), req).Err(err).Msg("venue submission failed")
		}
		r.persist(ctx, req)
		r.persistChain(ctx)
		r.events.Emit(&event.RequestCreated{
			Key:           req.Key.Hex(),
			Kind:          req.Kind.String(),
			Vault:         req.Vault.Hex(),
			AccountNumber: req.AccountNumber,
			InputMarket:   uint64(req.InputMarket),
			OutputMarket:  uint64(req.OutputMarket),
			InputAmount:   req.InputAmount.Dec(),
			MinOutput:     req.MinOutputAmount.Dec(),
			IsLiquidation: req.IsLiquidation,
			ExtraDataLen:  req.ExtraDataLen,
			Timestamp:     req.CreatedAt,
		})
		r.logRequest(r.logger.Info(), req).
			Str("input", req.InputAmount.Dec()).
			Bool("liquidation", req.IsLiquidation).
			Msg("async request created")
	})
}

// Cancel lets the vault owner abandon a request once CancelTimeout has
// elapsed since creation, restoring the pre-conversion asset. A request whose
// output was delivered but could not be settled is closed by paying that
// output to the owner's wallet instead.
func (r *AsyncRegistry) Cancel(ctx context.Context, caller common.Address, key common.Hash) error {
	req, ok := r.requests[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, key.Hex())
	}
	if err := r.requireOwner(req.Vault, caller); err != nil {
		return err
	}
	if req.Status == StatusExecuted {
		return fmt.Errorf("%w: %s", ErrAlreadyExecuted, key.Hex())
	}
	now := r.ledger.Now()
	deadline := req.CreatedAt.Add(r.cfg.CancelTimeout)
	if now.Before(deadline) {
		return &CancelTooEarlyError{Key: key, Deadline: deadline, Now: now}
	}

	if req.HasDeliveredOutput() {
		if err := r.refundDelivered(ctx, caller, req); err != nil {
			return fmt.Errorf("refund %s: %w", key.Hex(), err)
		}
	} else {
		if req.Status == StatusPending {
			if err := r.venue.Cancel(ctx, key); err != nil {
				return fmt.Errorf("venue cancel %s: %w", key.Hex(), err)
			}
			r.returnInput(req)
		}
		if req.Kind == KindDeposit {
			if err := r.reverseDeposit(ctx, req); err != nil {
				r.markFailed(ctx, req, fmt.Sprintf("cancel: %v", err), false)
				return fmt.Errorf("reverse deposit %s: %w", key.Hex(), err)
			}
		}
	}

	r.remove(req)
	r.forget(ctx, key)
	r.events.Emit(&event.RequestCancelled{
		Key:       key.Hex(),
		Vault:     req.Vault.Hex(),
		Timestamp: now,
	})
	r.logRequest(r.logger.Info(), req).Msg("async request cancelled")
	return nil
}

// returnInput records input funds coming back from the venue. Withdrawal
// inputs never leave the vault's ledger balance, so only deposits hold
// anything.
func (r *AsyncRegistry) returnInput(req *Request) {
	if req.Kind != KindDeposit {
		req.Custody = Custody{}
		return
	}
	r.ledger.Tokens().Mint(req.InputToken, req.Custodian, req.InputAmount)
	req.Custody = Custody{Token: req.InputToken, Amount: new(uint256.Int).Set(req.InputAmount)}
}

// refundDelivered pays a parked request's delivered output to owner. A
// withdrawal's input leaves the vault as it would have on settlement; a
// deposit keeps the minimum already credited.
func (r *AsyncRegistry) refundDelivered(ctx context.Context, owner common.Address, req *Request) error {
	if req.Kind == KindWithdrawal {
		if err := r.requireCovered(req); err != nil {
			return err
		}
		_, err := r.ledger.Operate(ctx, r.address, []ledger.Position{req.Position()}, []ledger.Action{{
			Type:          ledger.ActionWithdraw,
			PrimaryMarket: req.InputMarket,
			Amount:        ledger.Exact(req.InputAmount),
			Address:       req.Custodian,
		}}, ledger.BalanceCheckNone)
		if err != nil {
			return err
		}
		if err := r.ledger.Tokens().Burn(req.InputToken, req.Custodian, req.InputAmount); err != nil {
			return err
		}
	}
	if err := r.ledger.Tokens().Transfer(req.Custody.Token, req.Custodian, owner, req.Custody.Amount); err != nil {
		return err
	}
	r.logRequest(r.logger.Info(), req).
		Str("custody", req.Custody.String()).
		Str("to", owner.Hex()).
		Msg("delivered output refunded")
	req.Custody = Custody{}
	return nil
}

// reverseDeposit removes the virtual minimum output credited at creation and
// gives the input back to the vault position.
func (r *AsyncRegistry) reverseDeposit(ctx context.Context, req *Request) error {
	_, err := r.ledger.Operate(ctx, r.address, []ledger.Position{req.Position()}, []ledger.Action{
		{
			Type:          ledger.ActionWithdraw,
			PrimaryMarket: req.OutputMarket,
			Amount:        ledger.Exact(req.MinOutputAmount),
			Address:       req.Custodian,
		},
		{
			Type:          ledger.ActionDeposit,
			PrimaryMarket: req.InputMarket,
			Amount:        ledger.Exact(req.InputAmount),
			Address:       req.Custodian,
		},
	}, ledger.BalanceCheckNone)
	if err != nil {
		return err
	}
	req.Custody = Custody{}
	return r.ledger.Tokens().Burn(req.OutputToken, req.Custodian, req.MinOutputAmount)
}

// Retry re-runs a failed request: settlement again if the output was already
// delivered, otherwise a fresh venue submission. The cancellation deadline
// keeps counting from the original creation time.
func (r *AsyncRegistry) Retry(ctx context.Context, caller common.Address, key common.Hash) error {
	req, ok := r.requests[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, key.Hex())
	}
	if req.Status != StatusFailedRetryable {
		return fmt.Errorf("%w: %s is %s", ErrRequestNotRetryable, key.Hex(), req.Status)
	}
	owner, _ := r.factory.OwnerOf(req.Vault)
	if caller != owner && caller != req.Initiator && !r.isKeeper(caller) {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, caller.Hex())
	}

	if req.HasDeliveredOutput() {
		return r.finish(ctx, req)
	}

	resubmit := req.Clone()
	resubmit.Status = StatusPending
	resubmit.Custody = Custody{}
	var err error
	if req.Kind == KindDeposit {
		err = r.venue.SubmitDeposit(ctx, resubmit)
	} else {
		err = r.venue.SubmitWithdrawal(ctx, resubmit)
	}
	if err != nil {
		return fmt.Errorf("resubmit %s: %w", key.Hex(), err)
	}
	if !req.Custody.IsEmpty() {
		if err := r.ledger.Tokens().Burn(req.Custody.Token, req.Custodian, req.Custody.Amount); err != nil {
			return err
		}
	}
	req.Status = StatusPending
	req.Custody = Custody{}
	r.persist(ctx, req)
	r.events.Emit(&event.RequestRetried{
		Key:       key.Hex(),
		Vault:     req.Vault.Hex(),
		Attempts:  req.Attempts,
		Timestamp: r.ledger.Now(),
	})
	r.logRequest(r.logger.Info(), req).Uint32("failed_attempts", req.Attempts).Msg("async request resubmitted")
	return nil
}

func (r *AsyncRegistry) requireOwner(vault, caller common.Address) error {
	owner, ok := r.factory.OwnerOf(vault)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVault, vault.Hex())
	}
	if owner != caller {
		return fmt.Errorf("%w: %s", ErrNotVaultOwner, caller.Hex())
	}
	return nil
}

func (r *AsyncRegistry) isolationBalance(pos ledger.Position) *uint256.Int {
	amount, negative, err := fpmath.FromSigned(r.ledger.GetAccountBalance(pos, r.factory.IsolationMarket()))
	if err != nil || negative {
		return new(uint256.Int)
	}
	return amount
}

// availableIsolation is the isolation balance of pos not claimed by a live
// request other than skip. Withdrawals claim their input and deposits the
// minimum output credited at creation.
func (r *AsyncRegistry) availableIsolation(pos ledger.Position, skip common.Hash) *uint256.Int {
	available := new(uint256.Int).Set(r.isolationBalance(pos))
	for k := range r.byVault[pos.Owner] {
		req := r.requests[k]
		if k == skip || req.AccountNumber != pos.Number {
			continue
		}
		claimed := req.InputAmount
		if req.Kind == KindDeposit {
			claimed = req.MinOutputAmount
		}
		if claimed == nil {
			continue
		}
		if claimed.Gt(available) {
			return new(uint256.Int)
		}
		available.Sub(available, claimed)
	}
	return available
}

// requireCovered checks that the vault still holds a withdrawal's input once
// every other live request's claim is set aside.
func (r *AsyncRegistry) requireCovered(req *Request) error {
	available := r.availableIsolation(req.Position(), req.Key)
	if available.Lt(req.InputAmount) {
		return fmt.Errorf("%w: request %s needs %s, have %s", ErrInsufficientBalance, req.Key.Hex(), req.InputAmount, available)
	}
	return nil
}

func (r *AsyncRegistry) isLiquidatable(pos ledger.Position) (bool, error) {
	under, err := r.ledger.IsUnderMargined(pos)
	if err != nil {
		return false, err
	}
	if under {
		return true, nil
	}
	now := uint32(r.ledger.Now().Unix())
	for _, m := range r.ledger.PositionMarkets(pos) {
		if exp := r.ledger.GetExpiry(pos, m); exp != 0 && exp <= now {
			return true, nil
		}
	}
	return false, nil
}

func (r *AsyncRegistry) liquidationFor(pos ledger.Position) (*Request, bool) {
	for k := range r.byVault[pos.Owner] {
		req := r.requests[k]
		if req.IsLiquidation && req.AccountNumber == pos.Number {
			return req, true
		}
	}
	return nil, false
}
