package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/internal/logger"
	"github.com/sciffer/sandboxgate/pkg/database"
	"github.com/sciffer/sandboxgate/pkg/models"
)

// MetricsHandler serves stored metric history
type MetricsHandler struct {
	db     *database.DB
	logger *logger.Logger
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(db *database.DB, log *logger.Logger) *MetricsHandler {
	return &MetricsHandler{
		db:     db,
		logger: log,
	}
}

// GetMetricHistory handles GET /api/v1/metrics/history?type=&limit=
func (h *MetricsHandler) GetMetricHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	metricType := query.Get("type")
	if metricType == "" {
		metricType = "sandboxes_active"
	}

	limit := 100
	if s := query.Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	metricList, err := h.db.ListMetrics(r.Context(), metricType, limit)
	if err != nil {
		h.logger.Error("failed to get metrics", zap.Error(err))
		h.respondJSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to get metrics",
			Message: "failed to get metrics",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if metricList == nil {
		metricList = []database.Metric{}
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": metricList,
		"type":    metricType,
	})
}

func (h *MetricsHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}
