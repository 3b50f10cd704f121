package services

import (
	"context"
	"math/big"
	"time"

	"github.com/dotpay/backend/src/chain"
	"github.com/dotpay/backend/src/daraja"
)

// DarajaGateway is the provider surface the services drive. *daraja.Client
// satisfies it; tests substitute a recording fake.
type DarajaGateway interface {
	BuildSTKPush(msisdn string, amountKes float64, accountRef, desc, callbackURL string) daraja.STKPushRequest
	BuildB2C(msisdn string, amountKes float64, remarks, occasion, resultURL, timeoutURL string) daraja.B2CRequest
	BuildB2B(receiver string, buygoods bool, amountKes float64, accountRef, requester, remarks, resultURL, timeoutURL string) daraja.B2BRequest
	BuildStatusQuery(providerTxID, originatorConversationID, resultURL, timeoutURL string) daraja.StatusQueryRequest
	SubmitSTKPush(ctx context.Context, req daraja.STKPushRequest) (*daraja.SubmitResult, error)
	SubmitB2C(ctx context.Context, req daraja.B2CRequest) (*daraja.SubmitResult, error)
	SubmitB2B(ctx context.Context, req daraja.B2BRequest) (*daraja.SubmitResult, error)
	SubmitStatusQuery(ctx context.Context, req daraja.StatusQueryRequest) (*daraja.SubmitResult, error)
}

// FundingVerifier checks user-supplied funding transactions on-chain.
// *chain.Verifier satisfies it.
type FundingVerifier interface {
	Verify(ctx context.Context, txHash, expectedFrom string, requestChainID int64, expectedUnits *big.Int) (*chain.FundingResult, error)
}

// TreasuryWallet signs outbound stablecoin transfers. *chain.Treasury
// satisfies it; nil means the treasury is not configured.
type TreasuryWallet interface {
	Transfer(ctx context.Context, recipient string, units *big.Int) (string, error)
	Address() string
	Decimals() int
}

// PinSource resolves the stored PIN hash for a user address. PIN storage
// lives outside this service; an empty hash with a nil error means the user
// has no PIN on file and only the format check applies.
type PinSource interface {
	PinHash(ctx context.Context, userAddress string) (string, error)
}

// Settings is the runtime policy shared by the payment services.
type Settings struct {
	Enabled         bool
	Environment     string // sandbox | production
	ResultBaseURL   string
	TimeoutBaseURL  string
	MaxTxnKes       float64
	MaxDailyKes     float64
	SignatureMaxAge time.Duration
	AutoRefund      bool
	RequireFunding  bool
	ChainID         int64
	TokenAddress    string
	TreasuryAddress string
	TokenDecimals   int
	ReconcileMaxAge time.Duration
}

// timeoutBase falls back to the result base URL when no dedicated timeout
// host is configured.
func (s Settings) timeoutBase() string {
	if s.TimeoutBaseURL != "" {
		return s.TimeoutBaseURL
	}
	return s.ResultBaseURL
}
