package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/infra/observability"
	"github.com/boddenberg/ledger-sync-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var mappingTracer = otel.Tracer("service/mappings")

// MappingResolver owns the category and merchant mapping tables. Oracle
// answers pass through a strict boundary before anything is stored.
type MappingResolver struct {
	store         port.MappingStore
	gateway       *Gateway
	oracle        port.MappingOracle
	conns         ConnectionProvider
	txs           port.TransactionSource
	oracleTimeout time.Duration
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// NewMappingResolver creates a resolver. oracleTimeout bounds every oracle
// call; zero means no extra deadline.
func NewMappingResolver(
	store port.MappingStore,
	gateway *Gateway,
	oracle port.MappingOracle,
	conns ConnectionProvider,
	txs port.TransactionSource,
	oracleTimeout time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *MappingResolver {
	return &MappingResolver{
		store:         store,
		gateway:       gateway,
		oracle:        oracle,
		conns:         conns,
		txs:           txs,
		oracleTimeout: oracleTimeout,
		metrics:       metrics,
		logger:        logger,
	}
}

// ============================================================
// Snapshot
// ============================================================

// MappingSnapshot is a point-in-time copy of a connection's mappings. It is
// not safe for concurrent use.
type MappingSnapshot struct {
	categories map[domain.CategoryKey]domain.CategoryMapping
	merchants  map[string]domain.MerchantMapping
}

// NewMappingSnapshot builds a snapshot from mapping rows.
func NewMappingSnapshot(categories []domain.CategoryMapping, merchants []domain.MerchantMapping) *MappingSnapshot {
	s := &MappingSnapshot{
		categories: make(map[domain.CategoryKey]domain.CategoryMapping, len(categories)),
		merchants:  make(map[string]domain.MerchantMapping, len(merchants)),
	}
	for _, m := range categories {
		s.categories[domain.CategoryKey{Category: m.Category, Subcategory: m.Subcategory}] = m
	}
	for _, m := range merchants {
		s.merchants[domain.NormalizeMerchant(m.Merchant)] = m
	}
	return s
}

// Category looks up (category, subcategory), then the whole-category mapping.
func (s *MappingSnapshot) Category(category, subcategory string) (domain.CategoryMapping, bool) {
	if category == "" {
		return domain.CategoryMapping{}, false
	}
	if m, ok := s.categories[domain.CategoryKey{Category: category, Subcategory: subcategory}]; ok {
		return m, true
	}
	if subcategory != "" {
		m, ok := s.categories[domain.CategoryKey{Category: category}]
		return m, ok
	}
	return domain.CategoryMapping{}, false
}

// Merchant looks up a merchant by its normalized name.
func (s *MappingSnapshot) Merchant(name string) (domain.MerchantMapping, bool) {
	key := domain.NormalizeMerchant(name)
	if key == "" {
		return domain.MerchantMapping{}, false
	}
	m, ok := s.merchants[key]
	return m, ok
}

// Remember adds or merges a merchant mapping created during a run.
func (s *MappingSnapshot) Remember(m domain.MerchantMapping) {
	key := domain.NormalizeMerchant(m.Merchant)
	if prev, ok := s.merchants[key]; ok {
		if m.VendorID == "" {
			m.VendorID, m.VendorName = prev.VendorID, prev.VendorName
		}
		if m.CustomerID == "" {
			m.CustomerID, m.CustomerName = prev.CustomerID, prev.CustomerName
		}
	}
	s.merchants[key] = m
}

// Snapshot loads every mapping of the connection.
func (r *MappingResolver) Snapshot(ctx context.Context, connectionID string) (*MappingSnapshot, error) {
	ctx, span := mappingTracer.Start(ctx, "MappingResolver.Snapshot")
	defer span.End()

	categories, err := r.store.ListCategoryMappings(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load category mappings: %w", err)
	}
	merchants, err := r.store.ListMerchantMappings(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load merchant mappings: %w", err)
	}
	return NewMappingSnapshot(categories, merchants), nil
}

// ============================================================
// Oracle boundary
// ============================================================

func (r *MappingResolver) oracleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.oracleTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.oracleTimeout)
}

// SuggestCategoryMappings asks the oracle for account suggestions. Only
// active expense and income accounts are offered. The result holds at most
// one suggestion per requested key, in request order; any oracle failure
// yields an empty result.
func (r *MappingResolver) SuggestCategoryMappings(ctx context.Context, keys []domain.CategoryKey, accounts []domain.RemoteAccount) []domain.CategorySuggestion {
	ctx, span := mappingTracer.Start(ctx, "MappingResolver.SuggestCategoryMappings")
	defer span.End()
	span.SetAttributes(attribute.Int("categories.count", len(keys)))

	out := []domain.CategorySuggestion{}
	if len(keys) == 0 {
		return out
	}

	candidates := make([]domain.RemoteAccount, 0, len(accounts))
	byID := make(map[string]domain.RemoteAccount, len(accounts))
	for _, acc := range accounts {
		if acc.Active && domain.MappableAccountTypes[acc.AccountType] {
			candidates = append(candidates, acc)
			byID[acc.ID] = acc
		}
	}

	octx, cancel := r.oracleContext(ctx)
	defer cancel()
	raw, err := r.oracle.SuggestCategoryMappings(octx, &domain.CategoryMappingRequest{Categories: keys, Accounts: candidates})
	if err != nil {
		r.metrics.IncrOracle("category", "error")
		r.logger.Warn("category oracle failed, continuing without suggestions", zap.Error(err))
		return out
	}

	wanted := make(map[domain.CategoryKey]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	best := make(map[domain.CategoryKey]domain.CategorySuggestion, len(keys))
	for _, s := range raw {
		key := domain.CategoryKey{Category: strings.TrimSpace(s.Category), Subcategory: strings.TrimSpace(s.Subcategory)}
		if !wanted[key] {
			continue
		}
		s.Category, s.Subcategory = key.Category, key.Subcategory
		s.Confidence = clampConfidence(s.Confidence)
		if s.CreateNew {
			s.AccountID, s.AccountType = "", ""
			if s.AccountName == "" {
				s.AccountName = domain.CategoryLabel(key.Category, key.Subcategory)
			}
		} else {
			acc, ok := byID[s.AccountID]
			if !ok {
				continue
			}
			s.AccountName, s.AccountType = acc.Name, acc.AccountType
		}
		if prev, seen := best[key]; seen && !betterCategory(s, prev) {
			continue
		}
		best[key] = s
	}

	for _, k := range keys {
		if s, ok := best[k]; ok {
			out = append(out, s)
		}
	}
	r.countOracle("category", len(out))
	return out
}

// SuggestMerchantMappings asks the oracle for vendor/customer suggestions.
// Merchant names in the result are normalized.
func (r *MappingResolver) SuggestMerchantMappings(ctx context.Context, merchants []string, vendors, customers []domain.RemoteEntity) []domain.MerchantSuggestion {
	ctx, span := mappingTracer.Start(ctx, "MappingResolver.SuggestMerchantMappings")
	defer span.End()
	span.SetAttributes(attribute.Int("merchants.count", len(merchants)))

	out := []domain.MerchantSuggestion{}
	if len(merchants) == 0 {
		return out
	}

	entities := make(map[string]domain.RemoteEntity, len(vendors)+len(customers))
	activeVendors := activeEntities(vendors, domain.EntityVendor, entities)
	activeCustomers := activeEntities(customers, domain.EntityCustomer, entities)

	octx, cancel := r.oracleContext(ctx)
	defer cancel()
	raw, err := r.oracle.SuggestMerchantMappings(octx, &domain.MerchantMappingRequest{
		Merchants: merchants,
		Vendors:   activeVendors,
		Customers: activeCustomers,
	})
	if err != nil {
		r.metrics.IncrOracle("merchant", "error")
		r.logger.Warn("merchant oracle failed, continuing without suggestions", zap.Error(err))
		return out
	}

	wanted := make(map[string]bool, len(merchants))
	for _, m := range merchants {
		wanted[domain.NormalizeMerchant(m)] = true
	}
	best := make(map[string]domain.MerchantSuggestion, len(merchants))
	for _, s := range raw {
		key := domain.NormalizeMerchant(s.Merchant)
		if !wanted[key] {
			continue
		}
		s.Merchant = key
		s.Confidence = clampConfidence(s.Confidence)
		if s.CreateNew {
			s.EntityID = ""
			if s.EntityType != domain.EntityCustomer {
				s.EntityType = domain.EntityVendor
			}
			if s.EntityName == "" {
				s.EntityName = key
			}
		} else {
			e, ok := entities[entityKey(s.EntityType, s.EntityID)]
			if !ok {
				// The type may be missing or wrong; the id alone decides.
				e, ok = entities[entityKey(domain.EntityVendor, s.EntityID)]
				if !ok {
					e, ok = entities[entityKey(domain.EntityCustomer, s.EntityID)]
				}
			}
			if !ok {
				continue
			}
			s.EntityName, s.EntityType = e.DisplayName, e.Kind
		}
		if prev, seen := best[key]; seen && !betterMerchant(s, prev) {
			continue
		}
		best[key] = s
	}

	seen := make(map[string]bool, len(merchants))
	for _, m := range merchants {
		key := domain.NormalizeMerchant(m)
		if s, ok := best[key]; ok && !seen[key] {
			seen[key] = true
			out = append(out, s)
		}
	}
	r.countOracle("merchant", len(out))
	return out
}

func (r *MappingResolver) countOracle(kind string, n int) {
	if n == 0 {
		r.metrics.IncrOracle(kind, "empty")
		return
	}
	r.metrics.IncrOracle(kind, "ok")
}

func activeEntities(list []domain.RemoteEntity, kind string, index map[string]domain.RemoteEntity) []domain.RemoteEntity {
	out := make([]domain.RemoteEntity, 0, len(list))
	for _, e := range list {
		if !e.Active {
			continue
		}
		e.Kind = kind
		out = append(out, e)
		index[entityKey(kind, e.ID)] = e
	}
	return out
}

func entityKey(kind, id string) string {
	return kind + "/" + id
}

func clampConfidence(c int) int {
	return min(100, max(0, c))
}

// betterCategory prefers a real target over "create new", then confidence.
func betterCategory(a, b domain.CategorySuggestion) bool {
	if a.CreateNew != b.CreateNew {
		return !a.CreateNew
	}
	return a.Confidence > b.Confidence
}

func betterMerchant(a, b domain.MerchantSuggestion) bool {
	if a.CreateNew != b.CreateNew {
		return !a.CreateNew
	}
	return a.Confidence > b.Confidence
}

// ============================================================
// Generation: POST /v1/mappings/*/generate
// ============================================================

// GenerateCategoryMappings suggests accounts for the requested categories
// (plus the file's unmapped ones) and stores every answer with a target.
func (r *MappingResolver) GenerateCategoryMappings(ctx context.Context, userID string, req *domain.GenerateMappingsRequest) (*domain.GeneratedCategoryMappings, error) {
	ctx, span := mappingTracer.Start(ctx, "MappingResolver.GenerateCategoryMappings")
	defer span.End()

	conn, err := r.conns.GetValidConnection(ctx, userID)
	if err != nil {
		return nil, err
	}

	keys := make([]domain.CategoryKey, 0, len(req.Categories))
	seen := make(map[domain.CategoryKey]bool)
	add := func(k domain.CategoryKey) {
		k.Category, k.Subcategory = strings.TrimSpace(k.Category), strings.TrimSpace(k.Subcategory)
		if k.Category != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, k := range req.Categories {
		if strings.TrimSpace(k.Category) == "" {
			return nil, &domain.ErrValidation{Field: "categories", Message: "category is required"}
		}
		add(k)
	}
	if req.FileID != "" {
		txs, snap, err := r.fileWithSnapshot(ctx, userID, conn.ID, req.FileID)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if _, ok := snap.Category(tx.Category, tx.Subcategory); !ok {
				add(domain.CategoryKey{Category: tx.Category, Subcategory: tx.Subcategory})
			}
		}
	}

	result := &domain.GeneratedCategoryMappings{
		Suggestions: []domain.CategorySuggestion{},
		Stored:      []domain.CategoryMapping{},
	}
	if len(keys) == 0 {
		return result, nil
	}

	accounts, err := r.gateway.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.Suggestions = r.SuggestCategoryMappings(ctx, keys, accounts)

	for _, s := range result.Suggestions {
		if s.AccountID == "" {
			continue
		}
		m, err := r.store.UpsertCategoryMapping(ctx, &domain.CategoryMapping{
			ConnectionID: conn.ID,
			Category:     s.Category,
			Subcategory:  s.Subcategory,
			AccountID:    s.AccountID,
			AccountName:  s.AccountName,
			AccountType:  s.AccountType,
			Confidence:   s.Confidence,
			AutoMapped:   true,
			Rationale:    s.Rationale,
		})
		if err != nil {
			return nil, fmt.Errorf("store category mapping: %w", err)
		}
		result.Stored = append(result.Stored, *m)
	}

	r.logger.Info("category mappings generated",
		zap.String("user_id", userID),
		zap.Int("requested", len(keys)),
		zap.Int("suggested", len(result.Suggestions)),
		zap.Int("stored", len(result.Stored)),
	)
	return result, nil
}

// GenerateMerchantMappings suggests vendors/customers for the requested
// merchants (plus the file's unmapped ones) and stores every answer with a
// target.
func (r *MappingResolver) GenerateMerchantMappings(ctx context.Context, userID string, req *domain.GenerateMappingsRequest) (*domain.GeneratedMerchantMappings, error) {
	ctx, span := mappingTracer.Start(ctx, "MappingResolver.GenerateMerchantMappings")
	defer span.End()

	conn, err := r.conns.GetValidConnection(ctx, userID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(req.Merchants))
	seen := make(map[string]bool)
	add := func(name string) {
		key := domain.NormalizeMerchant(name)
		if key != "" && !seen[key] {
			seen[key] = true
			names = append(names, key)
		}
	}
	for _, m := range req.Merchants {
		add(m)
	}
	if req.FileID != "" {
		txs, snap, err := r.fileWithSnapshot(ctx, userID, conn.ID, req.FileID)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if _, ok := snap.Merchant(tx.MerchantName()); !ok {
				add(tx.MerchantName())
			}
		}
	}

	result := &domain.GeneratedMerchantMappings{
		Suggestions: []domain.MerchantSuggestion{},
		Stored:      []domain.MerchantMapping{},
	}
	if len(names) == 0 {
		return result, nil
	}

	vendors, customers, err := r.gateway.ListEntities(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.Suggestions = r.SuggestMerchantMappings(ctx, names, vendors, customers)

	for _, s := range result.Suggestions {
		if s.EntityID == "" {
			continue
		}
		m := &domain.MerchantMapping{
			ConnectionID: conn.ID,
			Merchant:     s.Merchant,
			Confidence:   s.Confidence,
			AutoMapped:   true,
			Rationale:    s.Rationale,
		}
		if s.EntityType == domain.EntityCustomer {
			m.CustomerID, m.CustomerName = s.EntityID, s.EntityName
		} else {
			m.VendorID, m.VendorName = s.EntityID, s.EntityName
		}
		stored, err := r.store.UpsertMerchantMapping(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("store merchant mapping: %w", err)
		}
		result.Stored = append(result.Stored, *stored)
	}

	r.logger.Info("merchant mappings generated",
		zap.String("user_id", userID),
		zap.Int("requested", len(names)),
		zap.Int("suggested", len(result.Suggestions)),
		zap.Int("stored", len(result.Stored)),
	)
	return result, nil
}

func (r *MappingResolver) fileWithSnapshot(ctx context.Context, userID, connectionID, fileID string) ([]domain.Transaction, *MappingSnapshot, error) {
	txs, err := r.txs.ListTransactionsByFile(ctx, userID, fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("load transactions: %w", err)
	}
	snap, err := r.Snapshot(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}
	return txs, snap, nil
}

// ============================================================
// Manual overrides and listing: GET|PUT /v1/mappings/*
// ============================================================

// SetCategoryMapping stores a user-chosen account for a category.
func (r *MappingResolver) SetCategoryMapping(ctx context.Context, userID string, req *domain.SetCategoryMappingRequest) (*domain.CategoryMapping, error) {
	ctx, span := mappingTracer.Start(ctx, "MappingResolver.SetCategoryMapping")
	defer span.End()

	category := strings.TrimSpace(req.Category)
	if category == "" {
		return nil, &domain.ErrValidation{Field: "category", Message: "required"}
	}
	if req.AccountID == "" {
		return nil, &domain.ErrValidation{Field: "account_id", Message: "required"}
	}

	conn, err := r.conns.GetValidConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	accounts, err := r.gateway.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	var target *domain.RemoteAccount
	for i := range accounts {
		if accounts[i].ID == req.AccountID {
			target = &accounts[i]
			break
		}
	}
	if target == nil || !target.Active {
		return nil, &domain.ErrValidation{Field: "account_id", Message: "unknown or inactive account"}
	}
	if !domain.MappableAccountTypes[target.AccountType] {
		return nil, &domain.ErrValidation{Field: "account_id", Message: "account type " + target.AccountType + " cannot receive transactions"}
	}

	m, err := r.store.UpsertCategoryMapping(ctx, &domain.CategoryMapping{
		ConnectionID: conn.ID,
		Category:     category,
		Subcategory:  strings.TrimSpace(req.Subcategory),
		AccountID:    target.ID,
		AccountName:  target.Name,
		AccountType:  target.AccountType,
		Confidence:   100,
		AutoMapped:   false,
		Rationale:    "set manually",
	})
	if err != nil {
		return nil, fmt.Errorf("store category mapping: %w", err)
	}
	return m, nil
}

// SetMerchantMapping stores a user-chosen vendor and/or customer.
func (r *MappingResolver) SetMerchantMapping(ctx context.Context, userID string, req *domain.SetMerchantMappingRequest) (*domain.MerchantMapping, error) {
	ctx, span := mappingTracer.Start(ctx, "MappingResolver.SetMerchantMapping")
	defer span.End()

	merchant := domain.NormalizeMerchant(req.Merchant)
	if merchant == "" {
		return nil, &domain.ErrValidation{Field: "merchant", Message: "required"}
	}
	if req.VendorID == "" && req.CustomerID == "" {
		return nil, &domain.ErrValidation{Field: "vendor_id", Message: "vendor_id or customer_id is required"}
	}

	conn, err := r.conns.GetValidConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	vendors, customers, err := r.gateway.ListEntities(ctx, userID)
	if err != nil {
		return nil, err
	}

	m := &domain.MerchantMapping{
		ConnectionID: conn.ID,
		Merchant:     merchant,
		Confidence:   100,
		AutoMapped:   false,
		Rationale:    "set manually",
	}
	if req.VendorID != "" {
		e := findEntity(vendors, req.VendorID)
		if e == nil {
			return nil, &domain.ErrValidation{Field: "vendor_id", Message: "unknown vendor"}
		}
		m.VendorID, m.VendorName = e.ID, e.DisplayName
	}
	if req.CustomerID != "" {
		e := findEntity(customers, req.CustomerID)
		if e == nil {
			return nil, &domain.ErrValidation{Field: "customer_id", Message: "unknown customer"}
		}
		m.CustomerID, m.CustomerName = e.ID, e.DisplayName
	}

	stored, err := r.store.UpsertMerchantMapping(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("store merchant mapping: %w", err)
	}
	return stored, nil
}

func findEntity(list []domain.RemoteEntity, id string) *domain.RemoteEntity {
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}

// ListCategoryMappings returns the user's category mappings.
func (r *MappingResolver) ListCategoryMappings(ctx context.Context, userID string) ([]domain.CategoryMapping, error) {
	conn, err := r.conns.GetValidConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.store.ListCategoryMappings(ctx, conn.ID)
}

// ListMerchantMappings returns the user's merchant mappings.
func (r *MappingResolver) ListMerchantMappings(ctx context.Context, userID string) ([]domain.MerchantMapping, error) {
	conn, err := r.conns.GetValidConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.store.ListMerchantMappings(ctx, conn.ID)
}

// RecordAutoCreatedMerchant stores the mapping for an entity created during
// a sync run.
func (r *MappingResolver) RecordAutoCreatedMerchant(ctx context.Context, connectionID, merchant string, entity *domain.RemoteEntity) (*domain.MerchantMapping, error) {
	m := &domain.MerchantMapping{
		ConnectionID: connectionID,
		Merchant:     domain.NormalizeMerchant(merchant),
		Confidence:   100,
		AutoCreated:  true,
		AutoMapped:   true,
		Rationale:    "created during sync",
	}
	if entity.Kind == domain.EntityCustomer {
		m.CustomerID, m.CustomerName = entity.ID, entity.DisplayName
	} else {
		m.VendorID, m.VendorName = entity.ID, entity.DisplayName
	}
	stored, err := r.store.UpsertMerchantMapping(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("store auto-created merchant mapping: %w", err)
	}
	return stored, nil
}

// ============================================================
// Pre-flight validation: GET /v1/files/{fileId}/mapping-coverage
// ============================================================

// ValidateMappings reports how well the user's mappings cover txs. It never
// writes.
func (r *MappingResolver) ValidateMappings(ctx context.Context, userID string, txs []domain.Transaction, minConfidence int) (*domain.MappingReport, error) {
	ctx, span := mappingTracer.Start(ctx, "MappingResolver.ValidateMappings")
	defer span.End()

	conn, err := r.conns.GetValidConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap, err := r.Snapshot(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	return CoverageReport(snap, txs, minConfidence), nil
}

// ValidateFileMappings runs ValidateMappings over a file's transactions.
func (r *MappingResolver) ValidateFileMappings(ctx context.Context, userID, fileID string, minConfidence int) (*domain.MappingReport, error) {
	if fileID == "" {
		return nil, &domain.ErrValidation{Field: "file_id", Message: "required"}
	}
	txs, err := r.txs.ListTransactionsByFile(ctx, userID, fileID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	return r.ValidateMappings(ctx, userID, txs, minConfidence)
}

// CoverageReport computes the mapping report for txs against snap. A
// transaction counts as valid when its category resolves, whatever the
// confidence; low-confidence mappings are listed separately.
func CoverageReport(snap *MappingSnapshot, txs []domain.Transaction, minConfidence int) *domain.MappingReport {
	report := &domain.MappingReport{
		Total:              len(txs),
		UnmappedCategories: []string{},
		UnmappedMerchants:  []string{},
		LowConfidence:      []string{},
	}

	seenCategory := make(map[string]bool)
	seenMerchant := make(map[string]bool)
	seenLow := make(map[string]bool)
	for i := range txs {
		tx := &txs[i]

		label := domain.CategoryLabel(tx.Category, tx.Subcategory)
		if tx.Category == "" {
			label = domain.UncategorizedLabel
		}
		if m, ok := snap.Category(tx.Category, tx.Subcategory); ok {
			report.Valid++
			if m.Confidence < minConfidence && !seenLow[label] {
				seenLow[label] = true
				report.LowConfidence = append(report.LowConfidence, label)
			}
		} else if !seenCategory[label] {
			seenCategory[label] = true
			report.UnmappedCategories = append(report.UnmappedCategories, label)
		}

		name := domain.NormalizeMerchant(tx.MerchantName())
		if name == "" {
			continue
		}
		if _, ok := snap.Merchant(name); !ok && !seenMerchant[name] {
			seenMerchant[name] = true
			report.UnmappedMerchants = append(report.UnmappedMerchants, name)
		}
	}

	if report.Total > 0 {
		report.CoveragePercent = float64(report.Valid) / float64(report.Total) * 100
	}
	report.Ready = len(report.UnmappedCategories) == 0
	return report
}
