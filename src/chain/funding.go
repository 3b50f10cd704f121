package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/security"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMClient is the subset of the RPC surface the verifier needs.
// *ethclient.Client satisfies it.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// FundingResult is the verified on-chain funding evidence.
type FundingResult struct {
	TxHash      string
	ChainID     int64
	Token       string
	Treasury    string
	From        string
	To          string
	FundedUnits *big.Int
	FundedUsd   float64
	LogIndex    uint
	BlockNumber uint64
}

// Verifier confirms that a user-supplied transaction funded the treasury.
type Verifier struct {
	client           EVMClient
	chainID          int64
	token            common.Address
	treasury         common.Address
	tokenDecimals    int
	minConfirmations uint64
}

func NewVerifier(client EVMClient, chainID int64, token, treasury string, tokenDecimals int, minConfirmations uint64) *Verifier {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	return &Verifier{
		client:           client,
		chainID:          chainID,
		token:            common.HexToAddress(token),
		treasury:         common.HexToAddress(treasury),
		tokenDecimals:    clampDecimals(tokenDecimals),
		minConfirmations: minConfirmations,
	}
}

func clampDecimals(d int) int {
	if d < 0 {
		return 0
	}
	if d > 18 {
		return 18
	}
	return d
}

// ExpectedUnits computes the integer token units the funder must transfer.
// Both KES total and rate are scaled to 6-decimal fixed point before an
// integer ceiling division, so no float touches the chain check.
func ExpectedUnits(totalDebitKes, rateKesPerUsd float64, tokenDecimals int) (*big.Int, error) {
	if totalDebitKes <= 0 || rateKesPerUsd <= 0 {
		return nil, apperrors.Validation("funding amounts must be positive")
	}
	tokenDecimals = clampDecimals(tokenDecimals)

	kesScaled := decimal.NewFromFloat(totalDebitKes).Shift(6).Round(0).BigInt()
	rateScaled := decimal.NewFromFloat(rateKesPerUsd).Shift(6).Round(0).BigInt()
	if rateScaled.Sign() <= 0 {
		return nil, apperrors.Validation("rate scales to zero")
	}

	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals)), nil)
	numerator := new(big.Int).Mul(kesScaled, pow)

	// Ceiling division: round toward +inf to protect the treasury floor.
	units, rem := new(big.Int).QuoRem(numerator, rateScaled, new(big.Int))
	if rem.Sign() > 0 {
		units.Add(units, big.NewInt(1))
	}
	if units.Sign() <= 0 {
		return nil, apperrors.Validation("expected funding amount rounds to zero")
	}
	return units, nil
}

// UnitsToUsd converts integer token units to a display USD amount.
func UnitsToUsd(units *big.Int, tokenDecimals int) float64 {
	if units == nil {
		return 0
	}
	return decimal.NewFromBigInt(units, 0).Shift(int32(-clampDecimals(tokenDecimals))).InexactFloat64()
}

// Verify runs the full funding check for a user-supplied tx hash.
func (v *Verifier) Verify(ctx context.Context, txHash, expectedFrom string, requestChainID int64, expectedUnits *big.Int) (*FundingResult, error) {
	if !security.ValidTxHash(txHash) {
		return nil, apperrors.Validation("onchainTxHash must be a 32-byte hex hash")
	}
	if !security.ValidHexAddress(expectedFrom) {
		return nil, apperrors.Validation("funder address must be a 20-byte hex address")
	}
	from := common.HexToAddress(expectedFrom)

	reportedChainID, err := v.client.ChainID(ctx)
	if err != nil {
		return nil, apperrors.External("failed to query chain id: %v", err)
	}
	if reportedChainID.Int64() != v.chainID {
		return nil, apperrors.State("chain mismatch: provider reports %d, configured %d", reportedChainID.Int64(), v.chainID)
	}
	if requestChainID != 0 && requestChainID != v.chainID {
		return nil, apperrors.State("chain mismatch: request specifies %d, configured %d", requestChainID, v.chainID)
	}

	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, apperrors.External("funding transaction not found: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, apperrors.State("funding transaction reverted")
	}

	head, err := v.client.BlockNumber(ctx)
	if err != nil {
		return nil, apperrors.External("failed to query block number: %v", err)
	}
	confirmations := uint64(0)
	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		confirmations = head - receipt.BlockNumber.Uint64() + 1
	}
	if confirmations < v.minConfirmations {
		return nil, apperrors.State("funding transaction has %d confirmations, need %d", confirmations, v.minConfirmations)
	}

	funded := new(big.Int)
	lowestLogIndex := uint(0)
	matched := false
	for _, lg := range receipt.Logs {
		if lg.Address != v.token {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		logFrom := common.BytesToAddress(lg.Topics[1].Bytes())
		logTo := common.BytesToAddress(lg.Topics[2].Bytes())
		if logFrom != from || logTo != v.treasury {
			continue
		}
		value := new(big.Int).SetBytes(lg.Data)
		funded.Add(funded, value)
		if !matched || lg.Index < lowestLogIndex {
			lowestLogIndex = lg.Index
		}
		matched = true
	}

	if !matched {
		return nil, apperrors.State("no qualifying transfer to the treasury found in transaction logs")
	}
	if funded.Cmp(expectedUnits) < 0 {
		return nil, apperrors.State("funded amount %s is below required %s", funded.String(), expectedUnits.String())
	}

	blockNumber := uint64(0)
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}
	return &FundingResult{
		TxHash:      strings.ToLower(txHash),
		ChainID:     v.chainID,
		Token:       strings.ToLower(v.token.Hex()),
		Treasury:    strings.ToLower(v.treasury.Hex()),
		From:        strings.ToLower(from.Hex()),
		To:          strings.ToLower(v.treasury.Hex()),
		FundedUnits: funded,
		FundedUsd:   UnitsToUsd(funded, v.tokenDecimals),
		LogIndex:    lowestLogIndex,
		BlockNumber: blockNumber,
	}, nil
}
