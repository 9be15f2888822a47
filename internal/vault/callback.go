package vault

import (
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Callback is a keeper's report on a pending request.
type Callback struct {
	// ID is the keeper-assigned delivery id used for de-duplication.
	ID           string
	Key          common.Hash
	Keeper       common.Address
	Success      bool
	OutputAmount *uint256.Int
	ExtraData    []byte
	Reason       string
}

// HandleCallback applies a keeper callback. A rejected callback changes
// nothing. An output below the minimum counts as a failed venue attempt, and
// settlement failures after a successful conversion leave the output in
// custody. Neither is returned: the request becomes FailedRetryable.
func (r *AsyncRegistry) HandleCallback(ctx context.Context, cb Callback) error {
	if !r.isKeeper(cb.Keeper) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedKeeper, cb.Keeper.Hex())
	}
	req, ok := r.requests[cb.Key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, cb.Key.Hex())
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrRequestNotPending, cb.Key.Hex(), req.Status)
	}
	if len(cb.ExtraData) != req.ExtraDataLen || crypto.Keccak256Hash(cb.ExtraData) != req.ExtraDataHash {
		return fmt.Errorf("%w: %s", ErrExtraDataMismatch, cb.Key.Hex())
	}

	if !cb.Success {
		r.returnInput(req)
		reason := cb.Reason
		if reason == "" {
			reason = "venue reported failure"
		}
		r.markFailed(ctx, req, reason, true)
		return nil
	}

	output := cb.OutputAmount
	if output == nil {
		output = new(uint256.Int)
	}
	if output.Lt(req.MinOutputAmount) {
		below := &OutputBelowMinError{Key: req.Key, Output: new(uint256.Int).Set(output), MinOutput: new(uint256.Int).Set(req.MinOutputAmount)}
		r.returnInput(req)
		r.markFailed(ctx, req, below.Error(), true)
		return nil
	}

	r.deliver(req, output)
	_ = r.finish(ctx, req)
	return nil
}

// deliver records the venue's output as held by the custodian. A deposit's
// minimum was already credited as isolation tokens when the request was
// created, so only the surplus arrives here.
func (r *AsyncRegistry) deliver(req *Request, output *uint256.Int) {
	req.OutputAmount = new(uint256.Int).Set(output)
	delivered := new(uint256.Int).Set(output)
	if req.Kind == KindDeposit {
		delivered.Sub(output, req.MinOutputAmount)
	}
	if !delivered.IsZero() {
		r.ledger.Tokens().Mint(req.OutputToken, req.Custodian, delivered)
	}
	req.Custody = Custody{Token: req.OutputToken, Amount: delivered}
}

// finish settles a delivered request and removes it, or parks it as
// executed (liquidations) or retryable (settlement failure). The settlement
// error is returned after the request is parked.
func (r *AsyncRegistry) finish(ctx context.Context, req *Request) error {
	if err := r.settle(ctx, req); err != nil {
		err = fmt.Errorf("settlement: %w", err)
		r.markFailed(ctx, req, err.Error(), false)
		return err
	}

	settled := req.Status != StatusExecuted
	r.events.Emit(&event.RequestExecuted{
		Key:           req.Key.Hex(),
		Kind:          req.Kind.String(),
		Vault:         req.Vault.Hex(),
		AccountNumber: req.AccountNumber,
		OutputMarket:  uint64(req.OutputMarket),
		OutputAmount:  req.OutputAmount.Dec(),
		Settled:       settled,
		Timestamp:     r.ledger.Now(),
	})
	if settled {
		r.remove(req)
		r.forget(ctx, req.Key)
	} else {
		r.persist(ctx, req)
	}
	r.logRequest(r.logger.Info(), req).
		Str("output", req.OutputAmount.Dec()).
		Bool("settled", settled).
		Msg("async request executed")
	return nil
}

func (r *AsyncRegistry) settle(ctx context.Context, req *Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	if req.Kind == KindWithdrawal {
		if err := r.requireCovered(req); err != nil {
			return err
		}
	}

	pos := []ledger.Position{req.Position()}
	switch {
	case req.Kind == KindWithdrawal && req.IsLiquidation:
		req.Status = StatusExecuted
		return nil

	case req.Kind == KindWithdrawal:
		_, err := r.ledger.Operate(ctx, r.address, pos, []ledger.Action{
			{
				Type:          ledger.ActionWithdraw,
				PrimaryMarket: req.InputMarket,
				Amount:        ledger.Exact(req.InputAmount),
				Address:       req.Custodian,
			},
			{
				Type:          ledger.ActionDeposit,
				PrimaryMarket: req.OutputMarket,
				Amount:        ledger.Exact(req.OutputAmount),
				Address:       req.Custodian,
			},
		}, ledger.BalanceCheckNone)
		if err != nil {
			return err
		}
		req.Custody = Custody{}
		return r.ledger.Tokens().Burn(req.InputToken, req.Custodian, req.InputAmount)

	default:
		if req.Custody.IsEmpty() {
			return nil
		}
		_, err := r.ledger.Operate(ctx, r.address, pos, []ledger.Action{{
			Type:          ledger.ActionDeposit,
			PrimaryMarket: req.OutputMarket,
			Amount:        ledger.Exact(req.Custody.Amount),
			Address:       req.Custodian,
		}}, ledger.BalanceCheckNone)
		if err != nil {
			return err
		}
		req.Custody = Custody{}
		return nil
	}
}

// markFailed moves req to FailedRetryable. attempt counts a venue attempt
// that came back failed.
func (r *AsyncRegistry) markFailed(ctx context.Context, req *Request, reason string, attempt bool) {
	req.Status = StatusFailedRetryable
	req.IsRetryable = true
	req.LastError = reason
	if attempt {
		req.Attempts++
	}
	r.persist(ctx, req)
	r.events.Emit(&event.RequestFailed{
		Key:       req.Key.Hex(),
		Vault:     req.Vault.Hex(),
		Reason:    reason,
		Attempts:  req.Attempts,
		Custody:   req.Custody.String(),
		Timestamp: r.ledger.Now(),
	})
	r.logRequest(r.logger.Warn(), req).
		Str("reason", reason).
		Str("custody", req.Custody.String()).
		Msg("async request failed")
}
