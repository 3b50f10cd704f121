package models

import (
	"time"
)

// FlowType identifies which of the four payment flows a transaction runs.
type FlowType string

const (
	FlowOnramp   FlowType = "onramp"
	FlowOfframp  FlowType = "offramp"
	FlowPaybill  FlowType = "paybill"
	FlowBuygoods FlowType = "buygoods"
)

// ValidFlowType reports whether s names a known flow.
func ValidFlowType(s string) bool {
	switch FlowType(s) {
	case FlowOnramp, FlowOfframp, FlowPaybill, FlowBuygoods:
		return true
	}
	return false
}

// Funded reports whether the flow requires on-chain funding before payout.
func (f FlowType) Funded() bool {
	return f != FlowOnramp
}

// Status is the transaction lifecycle state.
type Status string

const (
	StatusCreated             Status = "created"
	StatusQuoted              Status = "quoted"
	StatusAwaitingUserAuth    Status = "awaiting_user_authorization"
	StatusAwaitingOnchainFund Status = "awaiting_onchain_funding"
	StatusMpesaSubmitted      Status = "mpesa_submitted"
	StatusMpesaProcessing     Status = "mpesa_processing"
	StatusSucceeded           Status = "succeeded"
	StatusFailed              Status = "failed"
	StatusRefundPending       Status = "refund_pending"
	StatusRefunded            Status = "refunded"
)

// VerificationStatus tracks on-chain funding verification.
type VerificationStatus string

const (
	VerificationNotRequired VerificationStatus = "not_required"
	VerificationPending     VerificationStatus = "pending"
	VerificationVerified    VerificationStatus = "verified"
	VerificationFailed      VerificationStatus = "failed"
)

// RefundStatus tracks the compensating-refund sub-lifecycle.
type RefundStatus string

const (
	RefundNone      RefundStatus = "none"
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

// Quote is a time-bounded priced snapshot embedded in a transaction.
type Quote struct {
	QuoteID            string    `json:"quoteId"`
	Currency           string    `json:"currency"`
	AmountRequested    float64   `json:"amountRequested"`
	AmountKes          float64   `json:"amountKes"`
	AmountUsd          float64   `json:"amountUsd"`
	RateKesPerUsd      float64   `json:"rateKesPerUsd"`
	FeeAmountKes       float64   `json:"feeAmountKes"`
	NetworkFeeKes      float64   `json:"networkFeeKes"`
	TotalDebitKes      float64   `json:"totalDebitKes"`
	ExpectedReceiveKes float64   `json:"expectedReceiveKes"`
	ExpiresAt          time.Time `json:"expiresAt"`
	SnapshotAt         time.Time `json:"snapshotAt"`
}

// Expired reports whether the quote is past its expiry at the given instant.
func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Targets carries the flow-specific payout destination.
type Targets struct {
	Phone            string `json:"phone,omitempty"`
	Paybill          string `json:"paybill,omitempty"`
	Till             string `json:"till,omitempty"`
	AccountReference string `json:"accountReference,omitempty"`
}

// Authorization records the user's PIN/wallet approval of a debit.
type Authorization struct {
	PinProvided   bool   `json:"pinProvided"`
	Signature     string `json:"signature,omitempty"`
	SignerAddress string `json:"signerAddress,omitempty"`
	SignedAt      string `json:"signedAt,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
}

// Onchain carries funding-verification and credit-settlement details.
// Unit amounts are decimal strings so values above 2^53 survive JSON.
type Onchain struct {
	Required            bool               `json:"required"`
	TxHash              string             `json:"txHash,omitempty"`
	ChainID             int64              `json:"chainId,omitempty"`
	TokenAddress        string             `json:"tokenAddress,omitempty"`
	TreasuryAddress     string             `json:"treasuryAddress,omitempty"`
	ExpectedAmountUsd   float64            `json:"expectedAmountUsd"`
	ExpectedAmountUnits string             `json:"expectedAmountUnits,omitempty"`
	FundedAmountUsd     float64            `json:"fundedAmountUsd"`
	FundedAmountUnits   string             `json:"fundedAmountUnits,omitempty"`
	FromAddress         string             `json:"fromAddress,omitempty"`
	ToAddress           string             `json:"toAddress,omitempty"`
	LogIndex            uint               `json:"logIndex"`
	BlockNumber         uint64             `json:"blockNumber,omitempty"`
	VerificationStatus  VerificationStatus `json:"verificationStatus"`
	VerificationError   string             `json:"verificationError,omitempty"`
}

// Daraja collects the provider-side identifiers and raw payloads.
type Daraja struct {
	MerchantRequestID        string         `json:"merchantRequestId,omitempty"`
	CheckoutRequestID        string         `json:"checkoutRequestId,omitempty"`
	ConversationID           string         `json:"conversationId,omitempty"`
	OriginatorConversationID string         `json:"originatorConversationId,omitempty"`
	ResponseCode             string         `json:"responseCode,omitempty"`
	ResponseDescription      string         `json:"responseDescription,omitempty"`
	ResultCode               string         `json:"resultCode,omitempty"`
	ResultCodeParsed         *int           `json:"resultCodeParsed,omitempty"`
	ResultDescription        string         `json:"resultDescription,omitempty"`
	ReceiptNumber            string         `json:"receiptNumber,omitempty"`
	RawRequest               map[string]any `json:"rawRequest,omitempty"`
	RawResponse              map[string]any `json:"rawResponse,omitempty"`
	RawCallback              map[string]any `json:"rawCallback,omitempty"`
	CallbackReceivedAt       *time.Time     `json:"callbackReceivedAt,omitempty"`
}

// Refund tracks the compensating on-chain transfer back to the funder.
type Refund struct {
	Status      RefundStatus `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	TxHash      string       `json:"txHash,omitempty"`
	InitiatedAt *time.Time   `json:"initiatedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// HistoryEntry is one applied state transition.
type HistoryEntry struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// Metadata captures request provenance plus freeform extras.
type Metadata struct {
	Source    string         `json:"source,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Transaction is the central entity of the payment engine.
type Transaction struct {
	TransactionID  string         `json:"transactionId"`
	FlowType       FlowType       `json:"flowType"`
	Status         Status         `json:"status"`
	UserAddress    string         `json:"userAddress"`
	BusinessID     string         `json:"businessId,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Quote          *Quote         `json:"quote,omitempty"`
	Targets        Targets        `json:"targets"`
	Authorization  Authorization  `json:"authorization"`
	Onchain        Onchain        `json:"onchain"`
	Daraja         Daraja         `json:"daraja"`
	Refund         Refund         `json:"refund"`
	History        []HistoryEntry `json:"history"`
	Metadata       Metadata       `json:"metadata"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Terminal reports whether the transaction can no longer leave its status.
func (t *Transaction) Terminal() bool {
	return t.Status == StatusSucceeded || t.Status == StatusRefunded
}

// TargetDescriptor renders the canonical target string used in the
// authorization message. Must stay byte-identical with what clients sign.
func (t *Transaction) TargetDescriptor() string {
	switch t.FlowType {
	case FlowOfframp:
		return "phone:" + t.Targets.Phone
	case FlowPaybill:
		return "paybill:" + t.Targets.Paybill + ":" + t.Targets.AccountReference
	case FlowBuygoods:
		acct := t.Targets.AccountReference
		if acct == "" {
			acct = "DotPay"
		}
		return "buygoods:" + t.Targets.Till + ":" + acct
	default:
		return "onramp"
	}
}
