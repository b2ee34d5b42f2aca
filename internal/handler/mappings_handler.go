package handler

import (
	"net/http"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Mapping handlers
// ============================================================

func listCategoryMappingsHandler(svc *service.MappingResolver, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /mappings/categories")
		defer span.End()
		mappings, err := svc.ListCategoryMappings(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.CategoryMapping]{Data: mappings, Total: len(mappings)})
	}
}

func setCategoryMappingHandler(svc *service.MappingResolver, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /mappings/categories")
		defer span.End()

		var req domain.SetCategoryMappingRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		mapping, err := svc.SetCategoryMapping(ctx, UserIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, mapping)
	}
}

func generateCategoryMappingsHandler(svc *service.MappingResolver, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /mappings/categories/generate")
		defer span.End()

		var req domain.GenerateMappingsRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		result, err := svc.GenerateCategoryMappings(ctx, UserIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func listMerchantMappingsHandler(svc *service.MappingResolver, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /mappings/merchants")
		defer span.End()
		mappings, err := svc.ListMerchantMappings(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.MerchantMapping]{Data: mappings, Total: len(mappings)})
	}
}

func setMerchantMappingHandler(svc *service.MappingResolver, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /mappings/merchants")
		defer span.End()

		var req domain.SetMerchantMappingRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		mapping, err := svc.SetMerchantMapping(ctx, UserIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, mapping)
	}
}

func generateMerchantMappingsHandler(svc *service.MappingResolver, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /mappings/merchants/generate")
		defer span.End()

		var req domain.GenerateMappingsRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		result, err := svc.GenerateMerchantMappings(ctx, UserIDFromContext(ctx), &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func mappingCoverageHandler(svc *service.MappingResolver, defaultMinConfidence int, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /files/{fileId}/mapping-coverage")
		defer span.End()

		minConfidence := queryInt(r, "min_confidence", defaultMinConfidence)
		if minConfidence < 0 || minConfidence > 100 {
			writeError(w, http.StatusBadRequest, "min_confidence must be between 0 and 100")
			return
		}
		report, err := svc.ValidateFileMappings(ctx, UserIDFromContext(ctx), chi.URLParam(r, "fileId"), minConfidence)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
