package quotes

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/models"
	"github.com/dotpay/backend/src/security/validation"
)

const (
	feeFloorKes      = 5.0
	networkFeeKes    = 3.0
	defaultFeeBps    = 150
	onrampFeeBps     = 130
	offrampFeeBps    = 180
	paybillFeeBps    = 120
	buygoodsFeeBps   = 120
	bpsDenominator   = 10000
	CurrencyKes      = "KES"
	CurrencyUsd      = "USD"
)

// Request is the pricing input for one quote.
type Request struct {
	FlowType      models.FlowType
	Amount        float64
	Currency      string
	KesPerUsd     float64 // optional override; config rate when <= 0
}

// Service prices requests into time-bounded quotes.
type Service struct {
	defaultRate float64
	ttl         time.Duration
}

func NewService(kesPerUsd float64, ttl time.Duration) *Service {
	return &Service{defaultRate: kesPerUsd, ttl: ttl}
}

func feeBps(flow models.FlowType) int64 {
	switch flow {
	case models.FlowOnramp:
		return onrampFeeBps
	case models.FlowOfframp:
		return offrampFeeBps
	case models.FlowPaybill:
		return paybillFeeBps
	case models.FlowBuygoods:
		return buygoodsFeeBps
	default:
		return defaultFeeBps
	}
}

// BuildQuote normalizes the currency, applies the per-flow fee schedule, and
// stamps the TTL window. All KES fields round to 2 decimals; USD to 2 for
// display symmetry with the rate inversion invariant.
func (s *Service) BuildQuote(req Request) (*models.Quote, error) {
	if !models.ValidFlowType(string(req.FlowType)) {
		return nil, apperrors.Validation("unknown flow type %q", req.FlowType)
	}
	if err := validation.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	rate := s.defaultRate
	if req.KesPerUsd > 0 {
		rate = req.KesPerUsd
	}
	if rate <= 0 {
		return nil, apperrors.Config("KES/USD rate is not configured")
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	amount := decimal.NewFromFloat(req.Amount)
	rateDec := decimal.NewFromFloat(rate)

	var amountKes, amountUsd decimal.Decimal
	switch currency {
	case CurrencyKes:
		amountKes = amount.Round(2)
		amountUsd = amount.Div(rateDec).Round(2)
	case CurrencyUsd:
		amountUsd = amount.Round(2)
		amountKes = amount.Mul(rateDec).Round(2)
	default:
		return nil, apperrors.Validation("unknown currency %q", req.Currency)
	}

	fee := amountKes.Mul(decimal.NewFromInt(feeBps(req.FlowType))).
		Div(decimal.NewFromInt(bpsDenominator)).Round(2)
	floor := decimal.NewFromFloat(feeFloorKes)
	if fee.LessThan(floor) {
		fee = floor
	}

	network := decimal.NewFromFloat(networkFeeKes)
	if req.FlowType == models.FlowOnramp {
		network = decimal.Zero
	}

	total := amountKes.Add(fee).Add(network).Round(2)

	now := time.Now().UTC()
	quote := &models.Quote{
		QuoteID:            uuid.New().String(),
		Currency:           currency,
		AmountRequested:    req.Amount,
		AmountKes:          amountKes.InexactFloat64(),
		AmountUsd:          amountUsd.InexactFloat64(),
		RateKesPerUsd:      rate,
		FeeAmountKes:       fee.InexactFloat64(),
		NetworkFeeKes:      network.InexactFloat64(),
		TotalDebitKes:      total.InexactFloat64(),
		ExpectedReceiveKes: amountKes.InexactFloat64(),
		SnapshotAt:         now,
		ExpiresAt:          now.Add(s.ttl),
	}
	return quote, nil
}
