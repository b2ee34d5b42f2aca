package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"github.com/google/uuid"
)

// ============================================================
// Mappings (implements port.MappingStore)
// ============================================================

const categoryMappingColumns = `id, connection_id, category, subcategory, account_id, account_name,
	account_type, confidence, auto_mapped, rationale, created_at, updated_at`

const merchantMappingColumns = `id, connection_id, merchant, vendor_id, vendor_name, customer_id,
	customer_name, confidence, auto_created, auto_mapped, rationale, created_at, updated_at`

// UpsertCategoryMapping writes the mapping for (connection, category,
// subcategory), replacing any previous target.
func (s *Store) UpsertCategoryMapping(ctx context.Context, m *domain.CategoryMapping) (*domain.CategoryMapping, error) {
	ctx, span := tracer.Start(ctx, "Store.UpsertCategoryMapping")
	defer span.End()

	ts := formatTime(now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO category_mappings (id, connection_id, category, subcategory, account_id, account_name,
			account_type, confidence, auto_mapped, rationale, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, category, subcategory) DO UPDATE SET
			account_id = excluded.account_id,
			account_name = excluded.account_name,
			account_type = excluded.account_type,
			confidence = excluded.confidence,
			auto_mapped = excluded.auto_mapped,
			rationale = excluded.rationale,
			updated_at = excluded.updated_at`,
		uuid.NewString(), m.ConnectionID, m.Category, m.Subcategory, m.AccountID, m.AccountName,
		m.AccountType, m.Confidence, boolInt(m.AutoMapped), m.Rationale, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert category mapping: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+categoryMappingColumns+` FROM category_mappings
		WHERE connection_id = ? AND category = ? AND subcategory = ?`,
		m.ConnectionID, m.Category, m.Subcategory)
	return scanCategoryMapping(row)
}

// ListCategoryMappings returns a connection's category mappings.
func (s *Store) ListCategoryMappings(ctx context.Context, connectionID string) ([]domain.CategoryMapping, error) {
	ctx, span := tracer.Start(ctx, "Store.ListCategoryMappings")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+categoryMappingColumns+` FROM category_mappings
		WHERE connection_id = ? ORDER BY category, subcategory`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list category mappings: %w", err)
	}
	defer rows.Close()

	out := []domain.CategoryMapping{}
	for rows.Next() {
		m, err := scanCategoryMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpsertMerchantMapping writes the mapping for (connection, merchant). Empty
// vendor or customer fields keep whatever was stored before.
func (s *Store) UpsertMerchantMapping(ctx context.Context, m *domain.MerchantMapping) (*domain.MerchantMapping, error) {
	ctx, span := tracer.Start(ctx, "Store.UpsertMerchantMapping")
	defer span.End()

	ts := formatTime(now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchant_mappings (id, connection_id, merchant, vendor_id, vendor_name, customer_id,
			customer_name, confidence, auto_created, auto_mapped, rationale, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, merchant) DO UPDATE SET
			vendor_id = CASE WHEN excluded.vendor_id <> '' THEN excluded.vendor_id ELSE merchant_mappings.vendor_id END,
			vendor_name = CASE WHEN excluded.vendor_id <> '' THEN excluded.vendor_name ELSE merchant_mappings.vendor_name END,
			customer_id = CASE WHEN excluded.customer_id <> '' THEN excluded.customer_id ELSE merchant_mappings.customer_id END,
			customer_name = CASE WHEN excluded.customer_id <> '' THEN excluded.customer_name ELSE merchant_mappings.customer_name END,
			confidence = excluded.confidence,
			auto_created = MAX(merchant_mappings.auto_created, excluded.auto_created),
			auto_mapped = excluded.auto_mapped,
			rationale = excluded.rationale,
			updated_at = excluded.updated_at`,
		uuid.NewString(), m.ConnectionID, m.Merchant, m.VendorID, m.VendorName, m.CustomerID,
		m.CustomerName, m.Confidence, boolInt(m.AutoCreated), boolInt(m.AutoMapped), m.Rationale, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert merchant mapping: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+merchantMappingColumns+` FROM merchant_mappings WHERE connection_id = ? AND merchant = ?`,
		m.ConnectionID, m.Merchant)
	return scanMerchantMapping(row)
}

// ListMerchantMappings returns a connection's merchant mappings.
func (s *Store) ListMerchantMappings(ctx context.Context, connectionID string) ([]domain.MerchantMapping, error) {
	ctx, span := tracer.Start(ctx, "Store.ListMerchantMappings")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+merchantMappingColumns+` FROM merchant_mappings
		WHERE connection_id = ? ORDER BY merchant`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list merchant mappings: %w", err)
	}
	defer rows.Close()

	out := []domain.MerchantMapping{}
	for rows.Next() {
		m, err := scanMerchantMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanCategoryMapping(row scanner) (*domain.CategoryMapping, error) {
	var (
		m                  domain.CategoryMapping
		autoMapped         int
		created, updatedAt string
	)
	err := row.Scan(&m.ID, &m.ConnectionID, &m.Category, &m.Subcategory, &m.AccountID, &m.AccountName,
		&m.AccountType, &m.Confidence, &autoMapped, &m.Rationale, &created, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Resource: "category mapping", ID: m.Category}
	}
	if err != nil {
		return nil, err
	}
	m.AutoMapped = autoMapped == 1
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func scanMerchantMapping(row scanner) (*domain.MerchantMapping, error) {
	var (
		m                       domain.MerchantMapping
		autoCreated, autoMapped int
		created, updatedAt      string
	)
	err := row.Scan(&m.ID, &m.ConnectionID, &m.Merchant, &m.VendorID, &m.VendorName, &m.CustomerID,
		&m.CustomerName, &m.Confidence, &autoCreated, &autoMapped, &m.Rationale, &created, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Resource: "merchant mapping", ID: m.Merchant}
	}
	if err != nil {
		return nil, err
	}
	m.AutoCreated = autoCreated == 1
	m.AutoMapped = autoMapped == 1
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}
