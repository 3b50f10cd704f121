package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/logger"
)

// transferMethodID is the 4-byte selector of ERC-20 transfer(address,uint256).
var transferMethodID = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

const (
	transferGasLimit   = 100_000
	receiptPollBackoff = 3 * time.Second
	receiptPollMax     = 40
)

// Treasury signs and submits stablecoin transfers out of the platform wallet
// (refunds and onramp credits).
type Treasury struct {
	client            *ethclient.Client
	key               *ecdsa.PrivateKey
	from              common.Address
	token             common.Address
	chainID           *big.Int
	tokenDecimals     int
	waitConfirmations uint64
}

// TreasuryConfig carries the startup wiring for the treasury wallet.
type TreasuryConfig struct {
	RPCURL            string
	PrivateKeyHex     string
	TokenAddress      string
	ChainID           int64
	TokenDecimals     int
	WaitConfirmations uint64
}

// NewTreasury dials the RPC and loads the signing key. Returns nil (and no
// error) when the config is incomplete so callers can fall back to simulated
// refunds in sandbox.
func NewTreasury(cfg TreasuryConfig) (*Treasury, error) {
	if cfg.RPCURL == "" || cfg.PrivateKeyHex == "" || cfg.TokenAddress == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, apperrors.Config("treasury private key is invalid: %v", err)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, apperrors.Config("failed to dial treasury RPC: %v", err)
	}
	wait := cfg.WaitConfirmations
	if wait == 0 {
		wait = 1
	}
	return &Treasury{
		client:            client,
		key:               key,
		from:              crypto.PubkeyToAddress(key.PublicKey),
		token:             common.HexToAddress(cfg.TokenAddress),
		chainID:           big.NewInt(cfg.ChainID),
		tokenDecimals:     clampDecimals(cfg.TokenDecimals),
		waitConfirmations: wait,
	}, nil
}

// Address returns the treasury wallet address, lowercase hex.
func (t *Treasury) Address() string {
	return strings.ToLower(t.from.Hex())
}

// Decimals returns the configured token decimals.
func (t *Treasury) Decimals() int {
	return t.tokenDecimals
}

// UsdToUnits converts a display USD amount to integer token units.
func UsdToUnits(amountUsd float64, tokenDecimals int) (*big.Int, error) {
	if amountUsd <= 0 {
		return nil, apperrors.Validation("transfer amount must be positive")
	}
	units := decimal.NewFromFloat(amountUsd).Shift(int32(clampDecimals(tokenDecimals))).Round(0).BigInt()
	if units.Sign() <= 0 {
		return nil, apperrors.Validation("transfer amount rounds to zero units")
	}
	return units, nil
}

// Transfer executes token.transfer(recipient, units), waits for the
// configured confirmations, and returns the transaction hash.
func (t *Treasury) Transfer(ctx context.Context, recipient string, units *big.Int) (string, error) {
	to := common.HexToAddress(recipient)

	nonce, err := t.client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return "", apperrors.External("failed to fetch treasury nonce: %v", err)
	}
	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", apperrors.External("failed to fetch gas price: %v", err)
	}

	data := make([]byte, 0, 4+32+32)
	data = append(data, transferMethodID...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(units.Bytes(), 32)...)

	tx := types.NewTransaction(nonce, t.token, big.NewInt(0), transferGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign treasury transfer: %w", err)
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return "", apperrors.External("failed to broadcast treasury transfer: %v", err)
	}

	hash := signed.Hash()
	logger.L.Info("Treasury transfer broadcast", "txHash", hash.Hex(), "recipient", recipient, "units", units.String())

	if err := t.waitMined(ctx, hash); err != nil {
		return strings.ToLower(hash.Hex()), err
	}
	return strings.ToLower(hash.Hex()), nil
}

func (t *Treasury) waitMined(ctx context.Context, hash common.Hash) error {
	for i := 0; i < receiptPollMax; i++ {
		receipt, err := t.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return apperrors.External("treasury transfer reverted on-chain")
			}
			head, err := t.client.BlockNumber(ctx)
			if err == nil && receipt.BlockNumber != nil &&
				head-receipt.BlockNumber.Uint64()+1 >= t.waitConfirmations {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return apperrors.External("treasury transfer wait canceled: %v", ctx.Err())
		case <-time.After(receiptPollBackoff):
		}
	}
	return apperrors.External("treasury transfer not confirmed in time")
}
