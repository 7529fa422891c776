// Package api serves the run ledger as JSON next to the metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/pgzipbackup/pkg/metadata"
)

// DownloadExpiry is how long a download link stays valid
const DownloadExpiry = 15 * time.Minute

// Presigner hands out temporary download links for stored archives
type Presigner interface {
	PresignArchive(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// RunsHandler handles run ledger API endpoints
type RunsHandler struct {
	ledger    *metadata.Store
	presigner Presigner
	log       logrus.FieldLogger
}

// NewRunsHandler creates a new runs handler. presigner may be nil when
// archives are not kept in S3.
func NewRunsHandler(ledger *metadata.Store, presigner Presigner) *RunsHandler {
	return &RunsHandler{ledger: ledger, presigner: presigner, log: logrus.StandardLogger()}
}

// RegisterRoutes registers the run API routes on the provided mux
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/runs", h.handleRuns)
	mux.HandleFunc("/api/runs/stats", h.handleStats)
	mux.HandleFunc("/api/runs/download", h.handleDownload)
}

// RunsResponse is a page of runs
type RunsResponse struct {
	Data       []metadata.RunMeta `json:"data"`
	Total      int                `json:"total"`
	Page       int                `json:"page"`
	PageSize   int                `json:"pageSize"`
	TotalPages int                `json:"totalPages"`
}

// handleRuns handles filtered, paginated run queries
func (h *RunsHandler) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if id := query.Get("id"); id != "" {
		run, ok := h.ledger.GetRunByID(id)
		if !ok {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		h.sendJSON(w, run, http.StatusOK)
		return
	}

	runs := filterRuns(h.ledger.GetRunsFiltered(query.Get("operation"), query.Get("activeOnly") == "true"), query)

	page := parseInt(query.Get("page"), 1)
	pageSize := parseInt(query.Get("pageSize"), 50)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	resp := RunsResponse{
		Data:       []metadata.RunMeta{},
		Total:      len(runs),
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (len(runs) + pageSize - 1) / pageSize,
	}
	if start := (page - 1) * pageSize; start < len(runs) {
		resp.Data = runs[start:min(start+pageSize, len(runs))]
	}
	h.sendJSON(w, resp, http.StatusOK)
}

// filterRuns applies the database, status, search and date filters of query
func filterRuns(runs []metadata.RunMeta, query map[string][]string) []metadata.RunMeta {
	get := func(key string) string {
		if v := query[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	var startDate, endDate time.Time
	if t, err := time.Parse(time.DateOnly, get("startDate")); err == nil {
		startDate = t
	}
	if t, err := time.Parse(time.DateOnly, get("endDate")); err == nil {
		// include the whole end date
		endDate = t.AddDate(0, 0, 1)
	}
	database, status, search := get("database"), get("status"), get("search")

	filtered := make([]metadata.RunMeta, 0, len(runs))
	for _, run := range runs {
		if database != "" && run.Database != database {
			continue
		}
		if status != "" && string(run.Status) != status {
			continue
		}
		if !startDate.IsZero() && run.CreatedAt.Before(startDate) {
			continue
		}
		if !endDate.IsZero() && !run.CreatedAt.Before(endDate) {
			continue
		}
		if search != "" && !matchesSearch(run, search) {
			continue
		}
		filtered = append(filtered, run)
	}
	return filtered
}

func matchesSearch(run metadata.RunMeta, search string) bool {
	if strings.Contains(run.ID, search) || strings.Contains(run.Database, search) || strings.Contains(run.File, search) {
		return true
	}
	for _, s := range run.Schemas {
		if strings.Contains(s, search) {
			return true
		}
	}
	return false
}

// Stats summarizes the ledger
type Stats struct {
	Runs          int            `json:"runs"`
	ByStatus      map[string]int `json:"byStatus"`
	ByOperation   map[string]int `json:"byOperation"`
	TotalSize     int64          `json:"totalSize"`
	TotalSizeText string         `json:"totalSizeText"`
	LastSuccess   *time.Time     `json:"lastSuccess,omitempty"`
}

// handleStats returns counts per status and operation
func (h *RunsHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runs := h.ledger.GetRuns()
	stats := Stats{
		Runs:        len(runs),
		ByStatus:    map[string]int{},
		ByOperation: map[string]int{},
		TotalSize:   h.ledger.TotalSize(),
	}
	stats.TotalSizeText = humanize.Bytes(uint64(stats.TotalSize))
	for _, run := range runs {
		stats.ByStatus[string(run.Status)]++
		stats.ByOperation[run.Operation]++
		// runs are newest first
		if run.Status == metadata.StatusSuccess && stats.LastSuccess == nil {
			completed := run.CompletedAt
			stats.LastSuccess = &completed
		}
	}
	h.sendJSON(w, stats, http.StatusOK)
}

// handleDownload redirects to a temporary S3 link for the archive of a run
func (h *RunsHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.presigner == nil {
		http.Error(w, "Downloads are not available: S3 storage is not enabled", http.StatusServiceUnavailable)
		return
	}

	id := r.URL.Query().Get("id")
	run, ok := h.ledger.GetRunByID(id)
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if run.S3Key == "" || run.Status == metadata.StatusDeleted {
		http.Error(w, "Run has no archive in S3", http.StatusNotFound)
		return
	}

	url, err := h.presigner.PresignArchive(r.Context(), run.S3Key, DownloadExpiry)
	if err != nil {
		h.log.WithError(err).WithField("run_id", id).Error("Failed to presign archive download")
		http.Error(w, "Failed to create download link", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (h *RunsHandler) sendJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

func parseInt(s string, defaultValue int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return defaultValue
}
