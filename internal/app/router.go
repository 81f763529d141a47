package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-erp/meridian-erp/internal/ap"
	"github.com/meridian-erp/meridian-erp/internal/procurement"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger      *slog.Logger
	Config      *Config
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Stock       *stock.Service
	Procurement *procurement.Service
	Payables    *ap.Service
}

// NewRouter constructs the chi.Router. The suite is consumed as a library;
// HTTP exposes health plus a few read-only lookups for operations.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if params.Pool != nil {
			if err := params.Pool.Ping(ctx); err != nil {
				params.Logger.Warn("readiness postgres ping", slog.Any("error", err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "postgres unavailable"})
				return
			}
		}
		if params.Redis != nil {
			if err := params.Redis.Ping(ctx).Err(); err != nil {
				params.Logger.Warn("readiness redis ping", slog.Any("error", err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "redis unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/movements/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := idParam(req)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
				return
			}
			movement, lines, err := params.Stock.GetMovement(req.Context(), id)
			if err != nil {
				writeError(w, params.Logger, err, stock.ErrNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"movement": movement, "lines": lines})
		})

		r.Get("/kardex", func(w http.ResponseWriter, req *http.Request) {
			filter := stock.KardexFilter{
				Key: stock.Key{
					ProductID:  queryInt(req, "product_id"),
					LocationID: queryInt(req, "location_id"),
					AreaID:     queryInt(req, "area_id"),
					Lot:        req.URL.Query().Get("lot"),
				},
				Limit: int(queryInt(req, "limit")),
			}
			entries, err := params.Stock.GetKardex(req.Context(), filter)
			if err != nil {
				writeError(w, params.Logger, err, stock.ErrNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
		})

		r.Get("/orders/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := idParam(req)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
				return
			}
			order, lines, err := params.Procurement.GetOrder(req.Context(), id)
			if err != nil {
				writeError(w, params.Logger, err, procurement.ErrNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"order": order, "lines": lines})
		})

		r.Get("/receipts/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := idParam(req)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
				return
			}
			receipt, lines, err := params.Procurement.GetReceipt(req.Context(), id)
			if err != nil {
				writeError(w, params.Logger, err, procurement.ErrNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"receipt": receipt, "lines": lines})
		})

		r.Get("/payables/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := idParam(req)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
				return
			}
			payable, err := params.Payables.GetPayable(req.Context(), id)
			if err != nil {
				writeError(w, params.Logger, err, ap.ErrNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"payable": payable, "balance": payable.Balance()})
		})

		r.Get("/ap/aging", func(w http.ResponseWriter, req *http.Request) {
			buckets, err := params.Payables.Aging(req.Context(), queryInt(req, "supplier_id"), time.Time{})
			if err != nil {
				writeError(w, params.Logger, err, ap.ErrNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
		})
	})

	return r
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func queryInt(r *http.Request, key string) int64 {
	value, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err, notFound error) {
	if errors.Is(err, notFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	logger.Error("request failed", slog.Any("error", err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
