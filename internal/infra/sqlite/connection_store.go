package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Connections (implements port.ConnectionStore)
// ============================================================

const connectionColumns = `id, user_id, realm_id, access_token, refresh_token, token_type,
	expires_at, refresh_expires_at, is_active, last_synced_at, created_at, updated_at`

// UpsertConnection inserts or re-activates the (user, realm) row and
// deactivates the user's other connections.
func (s *Store) UpsertConnection(ctx context.Context, conn *domain.Connection) (*domain.Connection, error) {
	ctx, span := tracer.Start(ctx, "Store.UpsertConnection")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", conn.UserID), attribute.String("realm.id", conn.RealmID))

	access, err := s.sealer.Seal(conn.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sealer.Seal(conn.RefreshToken)
	if err != nil {
		return nil, err
	}

	ts := now()
	id := conn.ID
	if id == "" {
		id = uuid.NewString()
	}
	tokenType := conn.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}

	var out *domain.Connection
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO connections (id, user_id, realm_id, access_token, refresh_token, token_type,
				expires_at, refresh_expires_at, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (user_id, realm_id) DO UPDATE SET
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				token_type = excluded.token_type,
				expires_at = excluded.expires_at,
				refresh_expires_at = excluded.refresh_expires_at,
				is_active = 1,
				updated_at = excluded.updated_at`,
			id, conn.UserID, conn.RealmID, access, refresh, tokenType,
			formatTime(conn.ExpiresAt), formatTimePtr(&conn.RefreshExpiresAt),
			formatTime(ts), formatTime(ts),
		)
		if err != nil {
			return fmt.Errorf("upsert connection: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE connections SET is_active = 0, updated_at = ?
			WHERE user_id = ? AND realm_id <> ? AND is_active = 1`,
			formatTime(ts), conn.UserID, conn.RealmID,
		); err != nil {
			return fmt.Errorf("deactivate other connections: %w", err)
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+connectionColumns+` FROM connections WHERE user_id = ? AND realm_id = ?`,
			conn.UserID, conn.RealmID)
		out, err = s.scanConnection(row)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("connection stored",
		zap.String("connection_id", out.ID),
		zap.String("user_id", out.UserID),
		zap.String("realm_id", out.RealmID),
	)
	return out, nil
}

// GetActiveConnection returns the user's most recently updated active
// connection, or nil when there is none.
func (s *Store) GetActiveConnection(ctx context.Context, userID string) (*domain.Connection, error) {
	ctx, span := tracer.Start(ctx, "Store.GetActiveConnection")
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		WHERE user_id = ? AND is_active = 1
		ORDER BY updated_at DESC LIMIT 1`, userID)
	conn, err := s.scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conn, err
}

// GetConnection loads a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*domain.Connection, error) {
	ctx, span := tracer.Start(ctx, "Store.GetConnection")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	conn, err := s.scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "connection", ID: id}
	}
	return conn, err
}

// UpdateTokens rewrites the token pair in place after a refresh.
func (s *Store) UpdateTokens(ctx context.Context, id string, tokens *domain.TokenSet) error {
	ctx, span := tracer.Start(ctx, "Store.UpdateTokens")
	defer span.End()

	access, err := s.sealer.Seal(tokens.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.sealer.Seal(tokens.RefreshToken)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET access_token = ?, refresh_token = ?, token_type = COALESCE(NULLIF(?, ''), token_type),
			expires_at = ?, refresh_expires_at = COALESCE(?, refresh_expires_at), updated_at = ?
		WHERE id = ?`,
		access, refresh, tokens.TokenType,
		formatTime(tokens.ExpiresAt), formatTimePtr(&tokens.RefreshExpiresAt), formatTime(now()), id,
	)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return expectOne(res, "connection", id)
}

// DeactivateConnection marks a connection unusable. The row is kept.
func (s *Store) DeactivateConnection(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Store.DeactivateConnection")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET is_active = 0, updated_at = ? WHERE id = ?`, formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	return expectOne(res, "connection", id)
}

// TouchLastSynced records when a job last finished for the connection.
func (s *Store) TouchLastSynced(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_synced_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("touch last synced: %w", err)
	}
	return nil
}

func (s *Store) scanConnection(row scanner) (*domain.Connection, error) {
	var (
		c                            domain.Connection
		access, refresh              string
		expiresAt, createdAt, update string
		refreshExpires, lastSynced   sql.NullString
		active                       int
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.RealmID, &access, &refresh, &c.TokenType,
		&expiresAt, &refreshExpires, &active, &lastSynced, &createdAt, &update); err != nil {
		return nil, err
	}

	var err error
	if c.AccessToken, err = s.sealer.Open(access); err != nil {
		return nil, fmt.Errorf("connection %s access token: %w", c.ID, err)
	}
	if c.RefreshToken, err = s.sealer.Open(refresh); err != nil {
		return nil, fmt.Errorf("connection %s refresh token: %w", c.ID, err)
	}

	c.ExpiresAt = parseTime(expiresAt)
	if t := parseTimePtr(refreshExpires); t != nil {
		c.RefreshExpiresAt = *t
	}
	c.IsActive = active == 1
	c.LastSyncedAt = parseTimePtr(lastSynced)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(update)
	return &c, nil
}

func expectOne(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &domain.ErrNotFound{Resource: resource, ID: id}
	}
	return nil
}
