package security

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dotpay/backend/src/apperrors"
)

const (
	futureSkew   = 60 * time.Second
	minNonceLen  = 8
	minSigStrLen = 24
)

// AuthorizationInput is everything the canonical message binds together.
type AuthorizationInput struct {
	TransactionID     string
	FlowType          string
	QuoteID           string
	TotalDebitKes     float64
	ExpectedAmountUsd float64
	Target            string
	Nonce             string
	SignedAt          string
}

// BuildAuthorizationMessage renders the canonical newline-joined message the
// wallet signs. The format must stay byte-identical across client and server.
func BuildAuthorizationMessage(in AuthorizationInput) string {
	lines := []string{
		"DotPay Authorization",
		"Transaction: " + in.TransactionID,
		"Flow: " + in.FlowType,
		"Quote: " + in.QuoteID,
		fmt.Sprintf("AmountKES: %.2f", in.TotalDebitKes),
		fmt.Sprintf("AmountUSDC: %.6f", in.ExpectedAmountUsd),
		"Target: " + in.Target,
		"Nonce: " + in.Nonce,
		"SignedAt: " + in.SignedAt,
	}
	return strings.Join(lines, "\n")
}

// RecoverSigner recovers the EIP-191 personal-sign signer of message and
// returns the lowercase hex address.
func RecoverSigner(message, signature string) (string, error) {
	sig, err := hexutil.Decode(ensureHexPrefix(signature))
	if err != nil {
		return "", apperrors.Auth("signature is not valid hex: %v", err)
	}
	if len(sig) != 65 {
		return "", apperrors.Auth("signature must be 65 bytes, got %d", len(sig))
	}
	// Wallets return V as 27/28; go-ethereum expects 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	hash := crypto.Keccak256([]byte(prefixed))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", apperrors.Auth("failed to recover signer: %v", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifyAuthorization checks nonce and signature shape, signedAt freshness,
// and that the recovered signer matches the expected user address.
func VerifyAuthorization(in AuthorizationInput, signature, expectedAddress string, maxAge time.Duration) (string, error) {
	if len(in.Nonce) < minNonceLen {
		return "", apperrors.Auth("nonce must be at least %d characters", minNonceLen)
	}
	if len(signature) < minSigStrLen {
		return "", apperrors.Auth("signature is too short")
	}

	signedAt, err := parseSignedAt(in.SignedAt)
	if err != nil {
		return "", err
	}
	now := time.Now()
	if signedAt.After(now.Add(futureSkew)) {
		return "", apperrors.Auth("signature timestamp is in the future")
	}
	if now.Sub(signedAt) > maxAge {
		return "", apperrors.Auth("signature has expired")
	}

	message := BuildAuthorizationMessage(in)
	signer, err := RecoverSigner(message, signature)
	if err != nil {
		return "", err
	}
	if signer != strings.ToLower(expectedAddress) {
		return "", apperrors.Auth("signature does not match the authenticated wallet")
	}
	return signer, nil
}

func parseSignedAt(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	// Clients also send unix millisecond timestamps.
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err == nil && ms > 0 {
		if ms > 1e12 {
			return time.UnixMilli(ms), nil
		}
		return time.Unix(ms, 0), nil
	}
	return time.Time{}, apperrors.Auth("signedAt %q is not a recognized timestamp", raw)
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// ValidHexAddress reports whether s is a 20-byte lowercase-normalizable hex address.
func ValidHexAddress(s string) bool {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ValidTxHash reports whether s is a 32-byte hex transaction hash.
func ValidTxHash(s string) bool {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
