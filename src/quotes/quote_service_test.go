package quotes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotpay/backend/src/models"
)

func TestBuildQuoteOnrampKes(t *testing.T) {
	svc := NewService(130, 5*time.Minute)

	quote, err := svc.BuildQuote(Request{FlowType: models.FlowOnramp, Amount: 1000, Currency: "KES"})
	require.NoError(t, err)

	assert.Equal(t, "KES", quote.Currency)
	assert.Equal(t, 1000.0, quote.AmountKes)
	assert.Equal(t, 7.69, quote.AmountUsd)
	assert.Equal(t, 13.0, quote.FeeAmountKes)
	assert.Equal(t, 0.0, quote.NetworkFeeKes, "onramp carries no network fee")
	assert.Equal(t, 1013.0, quote.TotalDebitKes)
	assert.Equal(t, 1000.0, quote.ExpectedReceiveKes)
	assert.Equal(t, 130.0, quote.RateKesPerUsd)
	assert.NotEmpty(t, quote.QuoteID)
	assert.WithinDuration(t, quote.SnapshotAt.Add(5*time.Minute), quote.ExpiresAt, time.Second)
}

func TestBuildQuoteOfframpUsd(t *testing.T) {
	svc := NewService(130, 5*time.Minute)

	quote, err := svc.BuildQuote(Request{FlowType: models.FlowOfframp, Amount: 10, Currency: "usd", KesPerUsd: 155})
	require.NoError(t, err)

	assert.Equal(t, "USD", quote.Currency)
	assert.Equal(t, 1550.0, quote.AmountKes)
	assert.Equal(t, 10.0, quote.AmountUsd)
	assert.Equal(t, 27.9, quote.FeeAmountKes)
	assert.Equal(t, 3.0, quote.NetworkFeeKes)
	assert.Equal(t, 1580.9, quote.TotalDebitKes)
	assert.Equal(t, 155.0, quote.RateKesPerUsd, "request rate overrides the configured rate")
}

func TestBuildQuoteFeeFloor(t *testing.T) {
	svc := NewService(130, time.Minute)

	quote, err := svc.BuildQuote(Request{FlowType: models.FlowPaybill, Amount: 100, Currency: "KES"})
	require.NoError(t, err)

	assert.Equal(t, 5.0, quote.FeeAmountKes, "percentage fee below the floor snaps to 5 KES")
	assert.Equal(t, 108.0, quote.TotalDebitKes)
}

func TestBuildQuotePerFlowFees(t *testing.T) {
	svc := NewService(130, time.Minute)

	cases := []struct {
		flow models.FlowType
		fee  float64
	}{
		{models.FlowOnramp, 1300.0},
		{models.FlowOfframp, 1800.0},
		{models.FlowPaybill, 1200.0},
		{models.FlowBuygoods, 1200.0},
	}
	for _, tc := range cases {
		quote, err := svc.BuildQuote(Request{FlowType: tc.flow, Amount: 100000, Currency: "KES"})
		require.NoError(t, err)
		assert.Equal(t, tc.fee, quote.FeeAmountKes, "flow %s", tc.flow)
	}
}

func TestBuildQuoteRejectsBadInput(t *testing.T) {
	svc := NewService(130, time.Minute)

	_, err := svc.BuildQuote(Request{FlowType: "swap", Amount: 100, Currency: "KES"})
	assert.Error(t, err)

	_, err = svc.BuildQuote(Request{FlowType: models.FlowOnramp, Amount: 0, Currency: "KES"})
	assert.Error(t, err)

	_, err = svc.BuildQuote(Request{FlowType: models.FlowOnramp, Amount: -5, Currency: "KES"})
	assert.Error(t, err)

	_, err = svc.BuildQuote(Request{FlowType: models.FlowOnramp, Amount: 100, Currency: "EUR"})
	assert.Error(t, err)
}

func TestBuildQuoteRequiresConfiguredRate(t *testing.T) {
	svc := NewService(0, time.Minute)

	_, err := svc.BuildQuote(Request{FlowType: models.FlowOnramp, Amount: 100, Currency: "KES"})
	assert.Error(t, err)
}
