package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/models"
)

// ListFilter narrows List queries. Zero values mean "any".
type ListFilter struct {
	UserAddress string
	Status      string
	FlowType    string
	Limit       int
	Offset      int
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// TransactionStore is the persistence surface the services depend on.
type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) error
	Update(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, transactionID string) (*models.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, userAddress string, flowType models.FlowType, key string) (*models.Transaction, error)
	FindByQuoteID(ctx context.Context, quoteID string) (*models.Transaction, error)
	FindByProviderRef(ctx context.Context, ref string) (*models.Transaction, error)
	FindByTxHash(ctx context.Context, txHash string) (*models.Transaction, error)
	SumDebitKesSince(ctx context.Context, userAddress string, since time.Time) (float64, error)
	ListStale(ctx context.Context, statuses []models.Status, updatedBefore time.Time, limit int) ([]*models.Transaction, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Transaction, error)
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("transaction not found")

// SQLiteTransactionStore persists transactions in a single table with the
// nested documents stored as JSON columns. Provider identifiers and the
// funding hash are mirrored into dedicated columns so the webhook and
// reconciler lookups stay indexed.
type SQLiteTransactionStore struct {
	db *sql.DB
}

func NewSQLiteTransactionStore(db *sql.DB) *SQLiteTransactionStore {
	return &SQLiteTransactionStore{db: db}
}

const transactionColumns = `transaction_id, flow_type, status, user_address, business_id, idempotency_key,
	quote_json, targets_json, authorization_json, onchain_json, daraja_json, refund_json, history_json, metadata_json,
	onchain_tx_hash, checkout_request_id, originator_conversation_id, conversation_id, quote_id, total_debit_kes,
	created_at, updated_at`

func (s *SQLiteTransactionStore) Create(ctx context.Context, tx *models.Transaction) error {
	cols, err := encodeTransaction(tx)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.TransactionID, string(tx.FlowType), string(tx.Status), tx.UserAddress, tx.BusinessID, tx.IdempotencyKey,
		cols.quote, cols.targets, cols.authorization, cols.onchain, cols.daraja, cols.refund, cols.history, cols.metadata,
		cols.txHash, cols.checkoutRequestID, cols.originatorConversationID, cols.conversationID, cols.quoteID, cols.totalDebitKes,
		tx.CreatedAt.UTC().Format(time.RFC3339Nano), tx.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.State("transaction conflicts with an existing record: %v", err)
		}
		return fmt.Errorf("failed to insert transaction %s: %w", tx.TransactionID, err)
	}
	return nil
}

func (s *SQLiteTransactionStore) Update(ctx context.Context, tx *models.Transaction) error {
	cols, err := encodeTransaction(tx)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE transactions SET
		status = ?, business_id = ?, idempotency_key = ?,
		quote_json = ?, targets_json = ?, authorization_json = ?, onchain_json = ?,
		daraja_json = ?, refund_json = ?, history_json = ?, metadata_json = ?,
		onchain_tx_hash = ?, checkout_request_id = ?, originator_conversation_id = ?, conversation_id = ?,
		quote_id = ?, total_debit_kes = ?, updated_at = ?
		WHERE transaction_id = ?`,
		string(tx.Status), tx.BusinessID, tx.IdempotencyKey,
		cols.quote, cols.targets, cols.authorization, cols.onchain,
		cols.daraja, cols.refund, cols.history, cols.metadata,
		cols.txHash, cols.checkoutRequestID, cols.originatorConversationID, cols.conversationID,
		cols.quoteID, cols.totalDebitKes, tx.UpdatedAt.UTC().Format(time.RFC3339Nano),
		tx.TransactionID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.State("transaction update conflicts with an existing record: %v", err)
		}
		return fmt.Errorf("failed to update transaction %s: %w", tx.TransactionID, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteTransactionStore) GetByID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = ?`, transactionID)
	return scanTransaction(row)
}

func (s *SQLiteTransactionStore) FindByIdempotencyKey(ctx context.Context, userAddress string, flowType models.FlowType, key string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE user_address = ? AND flow_type = ? AND idempotency_key = ?`,
		strings.ToLower(userAddress), string(flowType), key)
	return scanTransaction(row)
}

func (s *SQLiteTransactionStore) FindByQuoteID(ctx context.Context, quoteID string) (*models.Transaction, error) {
	if quoteID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE quote_id = ?`, quoteID)
	return scanTransaction(row)
}

// FindByProviderRef resolves a transaction from any of the provider-issued
// conversation identifiers carried by callbacks.
func (s *SQLiteTransactionStore) FindByProviderRef(ctx context.Context, ref string) (*models.Transaction, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE checkout_request_id = ? OR originator_conversation_id = ? OR conversation_id = ?
		ORDER BY created_at DESC LIMIT 1`, ref, ref, ref)
	return scanTransaction(row)
}

func (s *SQLiteTransactionStore) FindByTxHash(ctx context.Context, txHash string) (*models.Transaction, error) {
	if txHash == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE onchain_tx_hash = ?`, strings.ToLower(txHash))
	return scanTransaction(row)
}

// SumDebitKesSince totals the quoted debit of a user's transactions created at
// or after the cutoff, excluding ones that failed or were refunded.
func (s *SQLiteTransactionStore) SumDebitKesSince(ctx context.Context, userAddress string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(total_debit_kes) FROM transactions
		WHERE user_address = ? AND created_at >= ? AND status NOT IN (?, ?)`,
		strings.ToLower(userAddress), since.UTC().Format(time.RFC3339Nano),
		string(models.StatusFailed), string(models.StatusRefunded)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum daily debit for %s: %w", userAddress, err)
	}
	return total.Float64, nil
}

// ListStale returns transactions stuck in the given statuses whose last update
// predates the cutoff, oldest first.
func (s *SQLiteTransactionStore) ListStale(ctx context.Context, statuses []models.Status, updatedBefore time.Time, limit int) ([]*models.Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = maxListLimit
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+2)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, updatedBefore.UTC().Format(time.RFC3339Nano), limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE status IN (`+strings.Join(placeholders, ", ")+`) AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *SQLiteTransactionStore) List(ctx context.Context, filter ListFilter) ([]*models.Transaction, error) {
	var where []string
	var args []any
	if filter.UserAddress != "" {
		where = append(where, "user_address = ?")
		args = append(args, strings.ToLower(filter.UserAddress))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.FlowType != "" {
		where = append(where, "flow_type = ?")
		args = append(args, filter.FlowType)
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

type encodedColumns struct {
	quote                    sql.NullString
	targets                  string
	authorization            string
	onchain                  string
	daraja                   string
	refund                   string
	history                  string
	metadata                 string
	txHash                   string
	checkoutRequestID        string
	originatorConversationID string
	conversationID           string
	quoteID                  string
	totalDebitKes            float64
}

func encodeTransaction(tx *models.Transaction) (*encodedColumns, error) {
	cols := &encodedColumns{
		txHash:                   strings.ToLower(tx.Onchain.TxHash),
		checkoutRequestID:        tx.Daraja.CheckoutRequestID,
		originatorConversationID: tx.Daraja.OriginatorConversationID,
		conversationID:           tx.Daraja.ConversationID,
	}
	if tx.Quote != nil {
		raw, err := json.Marshal(tx.Quote)
		if err != nil {
			return nil, fmt.Errorf("failed to encode quote: %w", err)
		}
		cols.quote = sql.NullString{String: string(raw), Valid: true}
		cols.quoteID = tx.Quote.QuoteID
		cols.totalDebitKes = tx.Quote.TotalDebitKes
	}
	var err error
	if cols.targets, err = encodeJSON(tx.Targets); err != nil {
		return nil, err
	}
	if cols.authorization, err = encodeJSON(tx.Authorization); err != nil {
		return nil, err
	}
	if cols.onchain, err = encodeJSON(tx.Onchain); err != nil {
		return nil, err
	}
	if cols.daraja, err = encodeJSON(tx.Daraja); err != nil {
		return nil, err
	}
	if cols.refund, err = encodeJSON(tx.Refund); err != nil {
		return nil, err
	}
	if cols.history, err = encodeJSON(tx.History); err != nil {
		return nil, err
	}
	if cols.metadata, err = encodeJSON(tx.Metadata); err != nil {
		return nil, err
	}
	return cols, nil
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction document: %w", err)
	}
	return string(raw), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		tx                 models.Transaction
		flowType, status   string
		quoteJSON          sql.NullString
		targetsJSON        string
		authJSON           string
		onchainJSON        string
		darajaJSON         string
		refundJSON         string
		historyJSON        string
		metadataJSON       string
		txHash             string
		checkoutID         string
		origConvID         string
		convID             string
		quoteID            string
		totalDebit         float64
		createdAt, updated string
	)
	err := row.Scan(&tx.TransactionID, &flowType, &status, &tx.UserAddress, &tx.BusinessID, &tx.IdempotencyKey,
		&quoteJSON, &targetsJSON, &authJSON, &onchainJSON, &darajaJSON, &refundJSON, &historyJSON, &metadataJSON,
		&txHash, &checkoutID, &origConvID, &convID, &quoteID, &totalDebit,
		&createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction row: %w", err)
	}
	tx.FlowType = models.FlowType(flowType)
	tx.Status = models.Status(status)
	if quoteJSON.Valid && quoteJSON.String != "" {
		tx.Quote = &models.Quote{}
		if err := json.Unmarshal([]byte(quoteJSON.String), tx.Quote); err != nil {
			return nil, fmt.Errorf("failed to decode quote for %s: %w", tx.TransactionID, err)
		}
	}
	for _, doc := range []struct {
		raw  string
		dest any
	}{
		{targetsJSON, &tx.Targets},
		{authJSON, &tx.Authorization},
		{onchainJSON, &tx.Onchain},
		{darajaJSON, &tx.Daraja},
		{refundJSON, &tx.Refund},
		{historyJSON, &tx.History},
		{metadataJSON, &tx.Metadata},
	} {
		if doc.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(doc.raw), doc.dest); err != nil {
			return nil, fmt.Errorf("failed to decode transaction document for %s: %w", tx.TransactionID, err)
		}
	}
	if tx.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s: %w", tx.TransactionID, err)
	}
	if tx.UpdatedAt, err = parseStoredTime(updated); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s: %w", tx.TransactionID, err)
	}
	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transaction row iteration failed: %w", err)
	}
	return out, nil
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
