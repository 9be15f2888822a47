package ingestion

import (
	"IsoLedger/internal/vault"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
)

var (
	ErrMessageTooLarge   = errors.New("ingestion: message too large")
	ErrMalformedCallback = errors.New("ingestion: malformed callback")
)

// Limits bound what a single keeper message may make the engine touch.
type Limits struct {
	MaxMessageBytes   int
	MaxExtraDataBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxMessageBytes: 4096, MaxExtraDataBytes: 256}
}

// --- JSON wire format ---
// Field names use snake_case to match keeper producers.

type callbackJSON struct {
	CallbackID   string `json:"callback_id" validate:"required,max=128"`
	Key          string `json:"key" validate:"required,len=66,hexadecimal"`
	Keeper       string `json:"keeper" validate:"required,eth_addr"`
	Success      bool   `json:"success"`
	OutputAmount string `json:"output_amount,omitempty" validate:"required_if=Success true"`
	ExtraData    string `json:"extra_data,omitempty"`
	Reason       string `json:"reason,omitempty" validate:"max=512"`
}

var validate = validator.New()

// ParseCallback decodes and bounds a keeper callback message.
func ParseCallback(data []byte, limits Limits) (vault.Callback, error) {
	if limits.MaxMessageBytes > 0 && len(data) > limits.MaxMessageBytes {
		return vault.Callback{}, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), limits.MaxMessageBytes)
	}

	var j callbackJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return vault.Callback{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if err := validate.Struct(j); err != nil {
		return vault.Callback{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	cb := vault.Callback{
		ID:      j.CallbackID,
		Key:     common.HexToHash(j.Key),
		Keeper:  common.HexToAddress(j.Keeper),
		Success: j.Success,
		Reason:  j.Reason,
	}
	if j.ExtraData != "" {
		extra, err := hexutil.Decode(j.ExtraData)
		if err != nil {
			return vault.Callback{}, fmt.Errorf("%w: extra_data: %v", ErrMalformedCallback, err)
		}
		if limits.MaxExtraDataBytes > 0 && len(extra) > limits.MaxExtraDataBytes {
			return vault.Callback{}, fmt.Errorf("%w: extra_data %d > %d bytes", ErrMessageTooLarge, len(extra), limits.MaxExtraDataBytes)
		}
		cb.ExtraData = extra
	}
	if j.OutputAmount != "" {
		amount, err := uint256.FromDecimal(j.OutputAmount)
		if err != nil {
			return vault.Callback{}, fmt.Errorf("%w: output_amount: %v", ErrMalformedCallback, err)
		}
		cb.OutputAmount = amount
	}
	return cb, nil
}

// EncodeCallback is the inverse of ParseCallback, used by keeper tooling
// and tests.
func EncodeCallback(cb vault.Callback) ([]byte, error) {
	j := callbackJSON{
		CallbackID: cb.ID,
		Key:        cb.Key.Hex(),
		Keeper:     cb.Keeper.Hex(),
		Success:    cb.Success,
		Reason:     cb.Reason,
	}
	if len(cb.ExtraData) > 0 {
		j.ExtraData = hexutil.Encode(cb.ExtraData)
	}
	if cb.OutputAmount != nil {
		j.OutputAmount = cb.OutputAmount.Dec()
	}
	return json.Marshal(j)
}
