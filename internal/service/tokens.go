package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/infra/observability"
	"github.com/boddenberg/ledger-sync-go/internal/port"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var tokenTracer = otel.Tracer("service/tokens")

const (
	// refreshWindow: a token expiring sooner than this is refreshed before use.
	refreshWindow  = 10 * time.Minute
	// refreshTimeout bounds a shared refresh, which outlives the caller that
	// started it.
	refreshTimeout = 30 * time.Second
	stateTTL       = 10 * time.Minute
	stateType      = "oauth_state"
)

// ConnectionProvider hands out connections whose access token is valid.
type ConnectionProvider interface {
	GetValidConnection(ctx context.Context, userID string) (*domain.Connection, error)
}

// TokenManager owns the OAuth2 lifecycle of accounting platform connections.
type TokenManager struct {
	store       port.ConnectionStore
	oauth       port.OAuthProvider
	stateSecret []byte
	metrics     *observability.Metrics
	logger      *zap.Logger
	flight      singleflight.Group
	now         func() time.Time
}

// NewTokenManager creates a token manager. stateSecret signs the OAuth state.
func NewTokenManager(store port.ConnectionStore, oauth port.OAuthProvider, stateSecret string, metrics *observability.Metrics, logger *zap.Logger) *TokenManager {
	return &TokenManager{
		store:       store,
		oauth:       oauth,
		stateSecret: []byte(stateSecret),
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock replaces the time source.
func (m *TokenManager) SetClock(now func() time.Time) {
	m.now = now
}

// ============================================================
// Authorization: GET /authorize, POST /callback
// ============================================================

type stateClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// BeginAuthorization returns the consent URL and the state that must come back
// with the callback.
func (m *TokenManager) BeginAuthorization(ctx context.Context, userID string) (*domain.AuthorizationStart, error) {
	_, span := tokenTracer.Start(ctx, "TokenManager.BeginAuthorization")
	defer span.End()

	if userID == "" {
		return nil, &domain.ErrValidation{Field: "user_id", Message: "required"}
	}

	now := m.now()
	claims := stateClaims{
		Type: stateType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.stateSecret)
	if err != nil {
		return nil, fmt.Errorf("sign state: %w", err)
	}

	return &domain.AuthorizationStart{URL: m.oauth.AuthCodeURL(state), State: state}, nil
}

// VerifyState checks that state was issued by us for userID within the last
// ten minutes.
func (m *TokenManager) VerifyState(state, userID string) error {
	token, err := jwt.ParseWithClaims(state, &stateClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.stateSecret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithIssuedAt())
	if err != nil {
		return &domain.ErrUnauthorized{Message: "invalid or expired authorization state"}
	}

	claims, ok := token.Claims.(*stateClaims)
	if !ok || !token.Valid || claims.Type != stateType {
		return &domain.ErrUnauthorized{Message: "invalid authorization state"}
	}
	if claims.Subject != userID {
		return &domain.ErrUnauthorized{Message: "authorization state belongs to another user"}
	}
	if claims.IssuedAt == nil || m.now().Sub(claims.IssuedAt.Time) > stateTTL {
		return &domain.ErrUnauthorized{Message: "authorization state expired"}
	}
	return nil
}

// CompleteAuthorization verifies the state, exchanges the code and stores the
// connection as the user's active one.
func (m *TokenManager) CompleteAuthorization(ctx context.Context, userID string, cb *domain.AuthorizationCallback) (*domain.Connection, error) {
	ctx, span := tokenTracer.Start(ctx, "TokenManager.CompleteAuthorization")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("realm.id", cb.RealmID))

	if cb.Code == "" {
		return nil, &domain.ErrValidation{Field: "code", Message: "required"}
	}
	if cb.RealmID == "" {
		return nil, &domain.ErrValidation{Field: "realm_id", Message: "required"}
	}
	if err := m.VerifyState(cb.State, userID); err != nil {
		m.logger.Warn("oauth callback rejected", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	tokens, err := m.oauth.Exchange(ctx, cb.Code)
	if err != nil {
		m.metrics.IncrExternalError("quickbooks/oauth")
		return nil, &domain.ErrExternalService{Service: "quickbooks/oauth", Err: err}
	}

	conn, err := m.store.UpsertConnection(ctx, &domain.Connection{
		UserID:           userID,
		RealmID:          cb.RealmID,
		AccessToken:      tokens.AccessToken,
		RefreshToken:     tokens.RefreshToken,
		TokenType:        tokens.TokenType,
		ExpiresAt:        tokens.ExpiresAt,
		RefreshExpiresAt: tokens.RefreshExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("store connection: %w", err)
	}

	m.logger.Info("quickbooks connected",
		zap.String("user_id", userID),
		zap.String("realm_id", conn.RealmID),
		zap.String("connection_id", conn.ID),
	)
	return conn, nil
}

// ============================================================
// Token freshness
// ============================================================

// GetValidConnection returns the user's active connection with an access
// token valid for at least the refresh window. Concurrent refreshes of the
// same connection collapse into one call to the provider.
func (m *TokenManager) GetValidConnection(ctx context.Context, userID string) (*domain.Connection, error) {
	ctx, span := tokenTracer.Start(ctx, "TokenManager.GetValidConnection")
	defer span.End()

	conn, err := m.store.GetActiveConnection(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		return nil, &domain.ErrAuth{UserID: userID, Reason: domain.AuthReasonNotConnected}
	}
	if !conn.ExpiresWithin(m.now(), refreshWindow) {
		return conn, nil
	}

	// The refresh is shared, so it must not die with whichever caller started
	// it. Each caller only stops waiting when its own context ends.
	ch := m.flight.DoChan(conn.ID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(fctx, conn.ID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// Each caller gets its own copy.
		fresh := *res.Val.(*domain.Connection)
		return &fresh, nil
	}
}

func (m *TokenManager) refresh(ctx context.Context, connectionID string) (*domain.Connection, error) {
	ctx, span := tokenTracer.Start(ctx, "TokenManager.refresh")
	defer span.End()

	// Re-read: another flight may have refreshed it already.
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("reload connection: %w", err)
	}
	if !conn.IsActive {
		return nil, &domain.ErrAuth{UserID: conn.UserID, Reason: domain.AuthReasonNotConnected}
	}
	now := m.now()
	if !conn.ExpiresWithin(now, refreshWindow) {
		return conn, nil
	}

	if !conn.RefreshExpiresAt.IsZero() && conn.RefreshExpiresAt.Before(now) {
		return nil, m.expire(ctx, conn, errors.New("refresh token expired"))
	}

	tokens, err := m.oauth.Refresh(ctx, conn.RefreshToken)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, m.expire(ctx, conn, err)
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = conn.RefreshToken
	}
	if err := m.store.UpdateTokens(ctx, conn.ID, tokens); err != nil {
		return nil, fmt.Errorf("store refreshed tokens: %w", err)
	}
	m.metrics.IncrTokenRefresh("success")

	conn.AccessToken = tokens.AccessToken
	conn.RefreshToken = tokens.RefreshToken
	conn.ExpiresAt = tokens.ExpiresAt
	if tokens.TokenType != "" {
		conn.TokenType = tokens.TokenType
	}
	if !tokens.RefreshExpiresAt.IsZero() {
		conn.RefreshExpiresAt = tokens.RefreshExpiresAt
	}

	m.logger.Info("access token refreshed",
		zap.String("connection_id", conn.ID),
		zap.Time("expires_at", conn.ExpiresAt),
	)
	return conn, nil
}

// expire deactivates a connection whose tokens can no longer be refreshed.
func (m *TokenManager) expire(ctx context.Context, conn *domain.Connection, cause error) error {
	m.metrics.IncrTokenRefresh("failure")
	m.logger.Warn("token refresh failed, deactivating connection",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID),
		zap.Error(cause),
	)
	if err := m.store.DeactivateConnection(ctx, conn.ID); err != nil {
		m.logger.Error("failed to deactivate connection", zap.String("connection_id", conn.ID), zap.Error(err))
	}
	return &domain.ErrAuth{UserID: conn.UserID, Reason: domain.AuthReasonExpired, Err: cause}
}

// ============================================================
// Disconnect, status, bookkeeping
// ============================================================

// Disconnect revokes the refresh token (best effort) and deactivates the
// connection. Disconnecting with no active connection is a no-op.
func (m *TokenManager) Disconnect(ctx context.Context, userID string) error {
	ctx, span := tokenTracer.Start(ctx, "TokenManager.Disconnect")
	defer span.End()

	conn, err := m.store.GetActiveConnection(ctx, userID)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		return nil
	}

	if err := m.oauth.Revoke(ctx, conn.RefreshToken); err != nil {
		m.logger.Warn("token revoke failed", zap.String("connection_id", conn.ID), zap.Error(err))
	}
	if err := m.store.DeactivateConnection(ctx, conn.ID); err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}

	m.logger.Info("quickbooks disconnected", zap.String("user_id", userID), zap.String("connection_id", conn.ID))
	return nil
}

// ConnectionStatus reports whether the user has an active connection. It
// never refreshes.
func (m *TokenManager) ConnectionStatus(ctx context.Context, userID string) (*domain.ConnectionStatus, error) {
	conn, err := m.store.GetActiveConnection(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		return &domain.ConnectionStatus{Connected: false}, nil
	}
	expires := conn.ExpiresAt
	return &domain.ConnectionStatus{
		Connected:    true,
		ConnectionID: conn.ID,
		RealmID:      conn.RealmID,
		ExpiresAt:    &expires,
		LastSyncedAt: conn.LastSyncedAt,
	}, nil
}

// MarkSynced records that a job finished against the connection.
func (m *TokenManager) MarkSynced(ctx context.Context, connectionID string, at time.Time) error {
	return m.store.TouchLastSynced(ctx, connectionID, at)
}
