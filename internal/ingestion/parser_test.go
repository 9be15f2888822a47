package ingestion_test

import (
	"IsoLedger/internal/ingestion"
	"IsoLedger/internal/testutil"
	"IsoLedger/internal/vault"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCallback() vault.Callback {
	return vault.Callback{
		ID:           "cb-1",
		Key:          common.HexToHash("0x5eed"),
		Keeper:       testutil.Keeper,
		Success:      true,
		OutputAmount: testutil.Units(39),
		ExtraData:    []byte{0x01, 0x02},
	}
}

func TestParseCallbackRoundTrip(t *testing.T) {
	data, err := ingestion.EncodeCallback(sampleCallback())
	require.NoError(t, err)

	cb, err := ingestion.ParseCallback(data, ingestion.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, "cb-1", cb.ID)
	assert.Equal(t, common.HexToHash("0x5eed"), cb.Key)
	assert.Equal(t, testutil.Keeper, cb.Keeper)
	assert.True(t, cb.Success)
	assert.Equal(t, "39000000000000000000", cb.OutputAmount.Dec())
	assert.Equal(t, []byte{0x01, 0x02}, cb.ExtraData)
}

func TestParseCallbackFailureReport(t *testing.T) {
	failed := sampleCallback()
	failed.Success = false
	failed.OutputAmount = nil
	failed.ExtraData = nil
	failed.Reason = "slippage"
	data, err := ingestion.EncodeCallback(failed)
	require.NoError(t, err)

	cb, err := ingestion.ParseCallback(data, ingestion.DefaultLimits())
	require.NoError(t, err)
	assert.False(t, cb.Success)
	assert.Nil(t, cb.OutputAmount)
	assert.Nil(t, cb.ExtraData)
	assert.Equal(t, "slippage", cb.Reason)
}

func TestParseCallbackRejects(t *testing.T) {
	key := common.HexToHash("0x5eed").Hex()
	keeper := testutil.Keeper.Hex()

	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", `{`, ingestion.ErrMalformedCallback},
		{"missing id", `{"key":"` + key + `","keeper":"` + keeper + `"}`, ingestion.ErrMalformedCallback},
		{"short key", `{"callback_id":"a","key":"0x01","keeper":"` + keeper + `"}`, ingestion.ErrMalformedCallback},
		{"bad keeper", `{"callback_id":"a","key":"` + key + `","keeper":"bob"}`, ingestion.ErrMalformedCallback},
		{"success without output", `{"callback_id":"a","key":"` + key + `","keeper":"` + keeper + `","success":true}`, ingestion.ErrMalformedCallback},
		{"bad amount", `{"callback_id":"a","key":"` + key + `","keeper":"` + keeper + `","success":true,"output_amount":"1e18"}`, ingestion.ErrMalformedCallback},
		{"bad extra data", `{"callback_id":"a","key":"` + key + `","keeper":"` + keeper + `","extra_data":"zz"}`, ingestion.ErrMalformedCallback},
		{"oversized extra data", `{"callback_id":"a","key":"` + key + `","keeper":"` + keeper + `","extra_data":"0x` + strings.Repeat("ab", 300) + `"}`, ingestion.ErrMessageTooLarge},
		{"oversized message", `{"reason":"` + strings.Repeat("x", 5000) + `"}`, ingestion.ErrMessageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseCallback([]byte(tt.data), ingestion.DefaultLimits())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
