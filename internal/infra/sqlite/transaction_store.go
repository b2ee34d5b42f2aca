package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"github.com/shopspring/decimal"
)

// ============================================================
// Extracted transactions (implements port.TransactionSource)
// ============================================================

const transactionColumns = `id, user_id, file_id, file_name, date, description, normalized_merchant,
	amount, category, subcategory, confidence, created_at`

// sqlite's default variable limit is far above this; chunking keeps
// statements small.
const inClauseChunk = 500

// ListTransactionsByFile returns a file's transactions ordered by date.
func (s *Store) ListTransactionsByFile(ctx context.Context, userID, fileID string) ([]domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Store.ListTransactionsByFile")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? AND file_id = ?
		ORDER BY date, id`, userID, fileID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// GetTransactions returns the given transactions ordered by date. Unknown ids
// are left out.
func (s *Store) GetTransactions(ctx context.Context, ids []string) ([]domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Store.GetTransactions")
	defer span.End()

	out := []domain.Transaction{}
	for start := 0; start < len(ids); start += inClauseChunk {
		end := min(start+inClauseChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+transactionColumns+` FROM transactions
			WHERE id IN (?`+strings.Repeat(", ?", len(chunk)-1)+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("get transactions: %w", err)
		}
		txs, err := scanTransactions(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, txs...)
	}

	sortByDate(out)
	return out, nil
}

// InsertTransactions stores extracted transactions. The extraction pipeline
// owns this table; the method exists for seeding and tests.
func (s *Store) InsertTransactions(ctx context.Context, txs []domain.Transaction) error {
	ctx, span := tracer.Start(ctx, "Store.InsertTransactions")
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO transactions (id, user_id, file_id, file_name, date, description,
				normalized_merchant, amount, category, subcategory, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		ts := formatTime(now())
		for _, t := range txs {
			var conf sql.NullInt64
			if t.Confidence != nil {
				conf = sql.NullInt64{Int64: int64(*t.Confidence), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, t.ID, t.UserID, t.FileID, t.FileName, t.Date, t.Description,
				t.NormalizedMerchant, t.Amount.String(), t.Category, t.Subcategory, conf, ts); err != nil {
				return fmt.Errorf("insert transaction %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func scanTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	out := []domain.Transaction{}
	for rows.Next() {
		var (
			t         domain.Transaction
			amount    string
			conf      sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.FileID, &t.FileName, &t.Date, &t.Description,
			&t.NormalizedMerchant, &amount, &t.Category, &t.Subcategory, &conf, &createdAt); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %s amount %q: %w", t.ID, amount, err)
		}
		t.Amount = d
		if conf.Valid {
			c := int(conf.Int64)
			t.Confidence = &c
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// sortByDate orders by date string, then id.
func sortByDate(txs []domain.Transaction) {
	slices.SortStableFunc(txs, func(a, b domain.Transaction) int {
		if c := strings.Compare(a.Date, b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
