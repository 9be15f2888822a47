package server

import (
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/liquidation"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/query"
	"IsoLedger/internal/vault"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
)

// Commands is the write surface of core.Engine. Callers identify themselves
// in the request body; authentication happens in front of this service.
type Commands interface {
	CreateVault(ctx context.Context, owner common.Address, market ledger.MarketID) (common.Address, error)
	InitiateWithdrawal(ctx context.Context, caller common.Address, p vault.WithdrawalParams) (*vault.Request, error)
	PrepareForLiquidation(ctx context.Context, caller common.Address, p vault.WithdrawalParams) (*vault.Request, error)
	Cancel(ctx context.Context, caller common.Address, key common.Hash) error
	Retry(ctx context.Context, caller common.Address, key common.Hash) error
	Liquidate(ctx context.Context, caller common.Address, req liquidation.Request) (*liquidation.Outcome, error)
	QuoteLiquidation(caller common.Address, req liquidation.Request) (*liquidation.Reward, error)
}

const maxCommandBytes = 16 << 10

var validate = validator.New()

type createVaultBody struct {
	Owner  string `json:"owner" validate:"required,eth_addr"`
	Market uint64 `json:"market"`
}

type withdrawalBody struct {
	Caller        string `json:"caller" validate:"required,eth_addr"`
	Vault         string `json:"vault" validate:"required,eth_addr"`
	AccountNumber uint64 `json:"account_number"`
	// InputAmount is a decimal integer or "max" for the full balance.
	InputAmount    string `json:"input_amount" validate:"required"`
	OutputMarket   uint64 `json:"output_market"`
	ExtraData      string `json:"extra_data" validate:"required,hexadecimal"`
	ForLiquidation bool   `json:"for_liquidation"`
}

type callerBody struct {
	Caller string `json:"caller" validate:"required,eth_addr"`
}

type positionBody struct {
	Owner  string `json:"owner" validate:"required,eth_addr"`
	Number uint64 `json:"number"`
}

type liquidationBody struct {
	Caller            string       `json:"caller" validate:"required,eth_addr"`
	Solid             positionBody `json:"solid"`
	Liquid            positionBody `json:"liquid"`
	HeldMarket        uint64       `json:"held_market"`
	OwedMarket        uint64       `json:"owed_market"`
	Expiry            uint64       `json:"expiry"`
	RepayAmount       string       `json:"repay_amount"`
	MinRewardOutput   string       `json:"min_reward_output"`
	WithdrawAllReward bool         `json:"withdraw_all_reward"`
}

type vaultCreated struct {
	Vault  string `json:"vault"`
	Owner  string `json:"owner"`
	Market uint64 `json:"market"`
}

type rewardResponse struct {
	HeldPrice         string `json:"held_price"`
	OwedPrice         string `json:"owed_price"`
	OwedPriceAdjusted string `json:"owed_price_adjusted"`
	Spread            string `json:"spread"`
	Debt              string `json:"debt"`
	OwedRepaid        string `json:"owed_repaid"`
	HeldSeized        string `json:"held_seized"`
	Capped            bool   `json:"capped"`
}

type liquidationResponse struct {
	BatchID      string         `json:"batch_id,omitempty"`
	Reward       rewardResponse `json:"reward"`
	Output       string         `json:"output,omitempty"`
	RewardMarket uint64         `json:"reward_market"`
}

func (h *handlers) commandRoutes() []route {
	return []route{
		{"POST", "/v1/vaults", "create_vault", h.createVault},
		{"POST", "/v1/withdrawals", "initiate_withdrawal", h.initiateWithdrawal},
		{"POST", "/v1/requests/{key}/retry", "retry_request", h.retryRequest},
		{"POST", "/v1/requests/{key}/cancel", "cancel_request", h.cancelRequest},
		{"POST", "/v1/liquidations", "liquidate", h.liquidate},
		{"POST", "/v1/liquidations/quote", "quote_liquidation", h.quoteLiquidation},
	}
}

func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes+1))
	if err != nil {
		return fmt.Errorf("%w: body: %v", query.ErrInvalidArgument, err)
	}
	if len(data) > maxCommandBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", query.ErrInvalidArgument, maxCommandBytes)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
	}
	return nil
}

// rejected marks a domain rejection from the engine.
func rejected(err error) error {
	return fmt.Errorf("%w: %w", errRejected, err)
}

func (h *handlers) createVault(r *http.Request, _ map[string]string) (any, error) {
	var body createVaultBody
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	owner := common.HexToAddress(body.Owner)
	v, err := h.deps.Commands.CreateVault(r.Context(), owner, ledger.MarketID(body.Market))
	if err != nil {
		return nil, rejected(err)
	}
	return vaultCreated{Vault: v.Hex(), Owner: owner.Hex(), Market: body.Market}, nil
}

func (h *handlers) initiateWithdrawal(r *http.Request, _ map[string]string) (any, error) {
	var body withdrawalBody
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	amount, err := parseInputAmount(body.InputAmount)
	if err != nil {
		return nil, err
	}
	extra, err := hexutil.Decode(body.ExtraData)
	if err != nil {
		return nil, fmt.Errorf("%w: extra_data: %v", query.ErrInvalidArgument, err)
	}
	p := vault.WithdrawalParams{
		Vault:         common.HexToAddress(body.Vault),
		AccountNumber: body.AccountNumber,
		InputAmount:   amount,
		OutputMarket:  ledger.MarketID(body.OutputMarket),
		ExtraData:     extra,
	}
	caller := common.HexToAddress(body.Caller)

	var req *vault.Request
	if body.ForLiquidation {
		req, err = h.deps.Commands.PrepareForLiquidation(r.Context(), caller, p)
	} else {
		req, err = h.deps.Commands.InitiateWithdrawal(r.Context(), caller, p)
	}
	if err != nil {
		return nil, rejected(err)
	}
	return h.deps.Query.GetRequest(r.Context(), req.Key)
}

func (h *handlers) retryRequest(r *http.Request, params map[string]string) (any, error) {
	return h.keyCommand(r, params, h.deps.Commands.Retry)
}

func (h *handlers) cancelRequest(r *http.Request, params map[string]string) (any, error) {
	return h.keyCommand(r, params, h.deps.Commands.Cancel)
}

func (h *handlers) keyCommand(r *http.Request, params map[string]string, run func(context.Context, common.Address, common.Hash) error) (any, error) {
	key, err := query.ParseKey(params["key"])
	if err != nil {
		return nil, err
	}
	var body callerBody
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	if err := run(r.Context(), common.HexToAddress(body.Caller), key); err != nil {
		return nil, rejected(err)
	}
	// A cancelled request is no longer live; its history entry may lag.
	resp, err := h.deps.Query.GetRequest(r.Context(), key)
	if err != nil || resp.Historical {
		return map[string]string{"key": key.Hex(), "status": "cancelled"}, nil
	}
	return resp, nil
}

func (h *handlers) liquidate(r *http.Request, _ map[string]string) (any, error) {
	caller, req, err := liquidationFromBody(r)
	if err != nil {
		return nil, err
	}
	out, err := h.deps.Commands.Liquidate(r.Context(), caller, req)
	if err != nil {
		return nil, rejected(err)
	}
	resp := liquidationResponse{Reward: rewardFrom(out.Reward), RewardMarket: uint64(out.RewardMarket)}
	if out.Receipt != nil {
		resp.BatchID = out.Receipt.BatchID.String()
	}
	if out.Output != nil {
		resp.Output = out.Output.Dec()
	}
	return resp, nil
}

func (h *handlers) quoteLiquidation(r *http.Request, _ map[string]string) (any, error) {
	caller, req, err := liquidationFromBody(r)
	if err != nil {
		return nil, err
	}
	reward, err := h.deps.Commands.QuoteLiquidation(caller, req)
	if err != nil {
		return nil, rejected(err)
	}
	return rewardFrom(reward), nil
}

func liquidationFromBody(r *http.Request) (common.Address, liquidation.Request, error) {
	var body liquidationBody
	if err := decodeBody(r, &body); err != nil {
		return common.Address{}, liquidation.Request{}, err
	}
	req := liquidation.Request{
		Solid:             ledger.Position{Owner: common.HexToAddress(body.Solid.Owner), Number: body.Solid.Number},
		Liquid:            ledger.Position{Owner: common.HexToAddress(body.Liquid.Owner), Number: body.Liquid.Number},
		HeldMarket:        ledger.MarketID(body.HeldMarket),
		OwedMarket:        ledger.MarketID(body.OwedMarket),
		Expiry:            body.Expiry,
		WithdrawAllReward: body.WithdrawAllReward,
	}
	var err error
	if body.RepayAmount != "" {
		if req.RepayAmount, err = parseInputAmount(body.RepayAmount); err != nil {
			return common.Address{}, liquidation.Request{}, err
		}
	}
	if body.MinRewardOutput != "" {
		if req.MinRewardOutput, err = query.ParseAmount(body.MinRewardOutput); err != nil {
			return common.Address{}, liquidation.Request{}, err
		}
	}
	return common.HexToAddress(body.Caller), req, nil
}

func parseInputAmount(s string) (*uint256.Int, error) {
	if s == "max" {
		return new(uint256.Int).Set(fpmath.MaxUint256), nil
	}
	return query.ParseAmount(s)
}

func rewardFrom(r *liquidation.Reward) rewardResponse {
	if r == nil {
		return rewardResponse{}
	}
	return rewardResponse{
		HeldPrice:         decOrEmpty(r.HeldPrice),
		OwedPrice:         decOrEmpty(r.OwedPrice),
		OwedPriceAdjusted: decOrEmpty(r.OwedPriceAdjusted),
		Spread:            decOrEmpty(r.Spread),
		Debt:              decOrEmpty(r.Debt),
		OwedRepaid:        decOrEmpty(r.OwedRepaid),
		HeldSeized:        decOrEmpty(r.HeldSeized),
		Capped:            r.Capped,
	}
}

func decOrEmpty(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
