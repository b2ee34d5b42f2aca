package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/infra/observability"
	"github.com/boddenberg/ledger-sync-go/internal/infra/resilience"
	"github.com/boddenberg/ledger-sync-go/internal/port"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var gatewayTracer = otel.Tracer("service/gateway")

// Gateway is the only path to the accounting platform. Every call waits for a
// rate-limit slot, then fetches a fresh connection, then runs inside the
// circuit breaker. Throttling answers are retried; nothing else is.
type Gateway struct {
	api      port.AccountingAPI
	conns    ConnectionProvider
	limiter  *resilience.SlidingWindow
	cb       *gobreaker.CircuitBreaker
	retry    resilience.Config
	accounts port.Cache[[]domain.RemoteAccount]
	entities port.Cache[[]domain.RemoteEntity]
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewGateway creates the gateway. retry bounds how often a throttled call is
// re-attempted.
func NewGateway(
	api port.AccountingAPI,
	conns ConnectionProvider,
	limiter *resilience.SlidingWindow,
	cb *gobreaker.CircuitBreaker,
	retry resilience.Config,
	accounts port.Cache[[]domain.RemoteAccount],
	entities port.Cache[[]domain.RemoteEntity],
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		api:      api,
		conns:    conns,
		limiter:  limiter,
		cb:       cb,
		retry:    retry,
		accounts: accounts,
		entities: entities,
		metrics:  metrics,
		logger:   logger,
	}
}

// IsRemoteSuccess tells the circuit breaker which errors say nothing about
// the platform's health: rejected records, auth problems and cancellations.
func IsRemoteSuccess(err error) bool {
	if err == nil {
		return true
	}
	var (
		fault   *domain.ErrRemoteFault
		authErr *domain.ErrAuth
		valErr  *domain.ErrValidation
	)
	switch {
	case errors.As(err, &fault):
		return fault.Status < 500
	case errors.As(err, &authErr), errors.As(err, &valErr):
		return true
	case errors.Is(err, context.Canceled):
		return true
	}
	return false
}

// call is the single entry point for remote operations.
func (g *Gateway) call(ctx context.Context, userID, op string, fn func(ctx context.Context, conn *domain.Connection) error) error {
	ctx, span := gatewayTracer.Start(ctx, "Gateway."+op)
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	start := time.Now()
	_, err := g.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, g.retry, func() error {
			if err := g.limiter.Wait(ctx); err != nil {
				return resilience.Permanent(err)
			}
			// Never reuse a connection across attempts: a refresh may have
			// rotated the tokens in between.
			conn, err := g.conns.GetValidConnection(ctx, userID)
			if err != nil {
				return resilience.Permanent(err)
			}

			err = fn(ctx, conn)
			var throttled *domain.ErrRateLimited
			if errors.As(err, &throttled) {
				g.logger.Warn("remote throttled request, backing off",
					zap.String("operation", op),
					zap.String("user_id", userID),
				)
				return err
			}
			return resilience.Permanent(err)
		})
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.RecordRemoteCall(op, status, time.Since(start))

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.metrics.IncrExternalError("quickbooks")
		return &domain.ErrCircuitOpen{Service: "quickbooks"}
	}
	if err != nil && !IsRemoteSuccess(err) {
		g.metrics.IncrExternalError("quickbooks")
	}
	return err
}

// ============================================================
// Reads (cached per company)
// ============================================================

func cacheKey(kind, realmID string) string {
	return kind + ":" + realmID
}

// ListAccounts returns the company's active accounts.
func (g *Gateway) ListAccounts(ctx context.Context, userID string) ([]domain.RemoteAccount, error) {
	conn, err := g.conns.GetValidConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	key := cacheKey("accounts", conn.RealmID)
	if cached, ok := g.accounts.Get(key); ok {
		g.metrics.IncrCacheHit("accounts")
		return cached, nil
	}
	g.metrics.IncrCacheMiss("accounts")

	var accounts []domain.RemoteAccount
	err = g.call(ctx, userID, "query_accounts", func(ctx context.Context, conn *domain.Connection) error {
		var err error
		accounts, err = g.api.QueryAccounts(ctx, conn)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.accounts.Set(key, accounts)
	return accounts, nil
}

// ListVendors returns the company's active vendors.
func (g *Gateway) ListVendors(ctx context.Context, userID string) ([]domain.RemoteEntity, error) {
	return g.listEntities(ctx, userID, domain.EntityVendor, g.api.QueryVendors)
}

// ListCustomers returns the company's active customers.
func (g *Gateway) ListCustomers(ctx context.Context, userID string) ([]domain.RemoteEntity, error) {
	return g.listEntities(ctx, userID, domain.EntityCustomer, g.api.QueryCustomers)
}

// ListEntities fetches vendors and customers concurrently.
func (g *Gateway) ListEntities(ctx context.Context, userID string) (vendors, customers []domain.RemoteEntity, err error) {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		vendors, err = g.ListVendors(egCtx, userID)
		return err
	})
	eg.Go(func() error {
		var err error
		customers, err = g.ListCustomers(egCtx, userID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return vendors, customers, nil
}

func (g *Gateway) listEntities(
	ctx context.Context,
	userID, kind string,
	query func(context.Context, *domain.Connection) ([]domain.RemoteEntity, error),
) ([]domain.RemoteEntity, error) {
	conn, err := g.conns.GetValidConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	key := cacheKey(kind, conn.RealmID)
	if cached, ok := g.entities.Get(key); ok {
		g.metrics.IncrCacheHit(kind + "s")
		return cached, nil
	}
	g.metrics.IncrCacheMiss(kind + "s")

	var list []domain.RemoteEntity
	err = g.call(ctx, userID, "query_"+kind+"s", func(ctx context.Context, conn *domain.Connection) error {
		var err error
		list, err = query(ctx, conn)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.entities.Set(key, list)
	return list, nil
}

// ============================================================
// Writes
// ============================================================

// CreateVendor creates a vendor and drops the cached vendor list.
func (g *Gateway) CreateVendor(ctx context.Context, userID, name string) (*domain.RemoteEntity, error) {
	return g.createEntity(ctx, userID, domain.EntityVendor, name, g.api.CreateVendor)
}

// CreateCustomer creates a customer and drops the cached customer list.
func (g *Gateway) CreateCustomer(ctx context.Context, userID, name string) (*domain.RemoteEntity, error) {
	return g.createEntity(ctx, userID, domain.EntityCustomer, name, g.api.CreateCustomer)
}

func (g *Gateway) createEntity(
	ctx context.Context,
	userID, kind, name string,
	create func(context.Context, *domain.Connection, string) (*domain.RemoteEntity, error),
) (*domain.RemoteEntity, error) {
	var entity *domain.RemoteEntity
	err := g.call(ctx, userID, "create_"+kind, func(ctx context.Context, conn *domain.Connection) error {
		var err error
		entity, err = create(ctx, conn, name)
		if err == nil {
			g.entities.Delete(cacheKey(kind, conn.RealmID))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("remote entity created",
		zap.String("kind", kind),
		zap.String("entity_id", entity.ID),
		zap.String("user_id", userID),
	)
	return entity, nil
}

// Post creates the posting's document. requestID makes retries idempotent on
// the platform side.
func (g *Gateway) Post(ctx context.Context, userID, requestID string, p *domain.Posting) (*domain.RemoteTransaction, error) {
	var (
		out *domain.RemoteTransaction
		op  string
		fn  func(ctx context.Context, conn *domain.Connection) (*domain.RemoteTransaction, error)
	)
	switch {
	case p.Type == domain.PostingPurchase && p.Purchase != nil:
		op = "create_purchase"
		fn = func(ctx context.Context, conn *domain.Connection) (*domain.RemoteTransaction, error) {
			return g.api.CreatePurchase(ctx, conn, requestID, p.Purchase)
		}
	case p.Type == domain.PostingDeposit && p.Deposit != nil:
		op = "create_deposit"
		fn = func(ctx context.Context, conn *domain.Connection) (*domain.RemoteTransaction, error) {
			return g.api.CreateDeposit(ctx, conn, requestID, p.Deposit)
		}
	default:
		return nil, fmt.Errorf("posting of type %q has no payload", p.Type)
	}

	err := g.call(ctx, userID, op, func(ctx context.Context, conn *domain.Connection) error {
		var err error
		out, err = fn(ctx, conn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// linker is implemented by clients that know the platform's web URLs.
type linker interface {
	Link(kind domain.PostingType, id string) string
}

// RemoteLink returns a deep link to a created document, or "".
func (g *Gateway) RemoteLink(kind domain.PostingType, id string) string {
	if l, ok := g.api.(linker); ok {
		return l.Link(kind, id)
	}
	return ""
}

// Waits reports how many rate-limit wait cycles have happened.
func (g *Gateway) Waits() int64 {
	return g.limiter.Waits()
}
