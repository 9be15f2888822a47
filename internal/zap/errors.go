package zap

import (
	"IsoLedger/internal/ledger"
	"errors"
	"fmt"
	"time"
)

var (
	ErrReentrancy        = errors.New("zap: reentrant call")
	ErrEmptyPath         = errors.New("zap: empty market path")
	ErrMarketNotFound    = errors.New("zap: market not in path")
	ErrPathLength        = errors.New("zap: market path must be one longer than the hop list")
	ErrMarketMismatch    = errors.New("zap: hop market does not match path")
	ErrDeadlineExpired   = errors.New("zap: deadline expired")
	ErrZeroInput         = errors.New("zap: input amount must be nonzero")
	ErrSentinelForbidden = errors.New("zap: full-balance input not allowed before an async unwrap")
	ErrMissingMaker      = errors.New("zap: internal liquidity hop has no maker account")
	ErrVaultFrozen       = errors.New("zap: vault is frozen")
	ErrUnauthorized      = errors.New("zap: caller may not operate position")
	ErrMinOutputMismatch = errors.New("zap: final hop minimum is below the zap minimum")
	ErrActionsLength     = errors.New("zap: adapter returned an unexpected number of actions")
)

type PathLengthError struct {
	Markets int
	Hops    int
}

func (e *PathLengthError) Error() string {
	return fmt.Sprintf("market path has %d entries for %d hops", e.Markets, e.Hops)
}

func (e *PathLengthError) Unwrap() error { return ErrPathLength }

type MarketMismatchError struct {
	Index    int
	Expected ledger.MarketID
	Got      ledger.MarketID
}

func (e *MarketMismatchError) Error() string {
	return fmt.Sprintf("hop %d outputs market %d, path expects %d", e.Index, e.Got, e.Expected)
}

func (e *MarketMismatchError) Unwrap() error { return ErrMarketMismatch }

type DeadlineExpiredError struct {
	Deadline time.Time
	Now      time.Time
}

func (e *DeadlineExpiredError) Error() string {
	return fmt.Sprintf("deadline %s passed at %s", e.Deadline.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}

func (e *DeadlineExpiredError) Unwrap() error { return ErrDeadlineExpired }
