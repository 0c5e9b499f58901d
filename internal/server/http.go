package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"TrancheVault/internal/command"
	"TrancheVault/internal/ingestion"
	"TrancheVault/internal/observability"
	"TrancheVault/internal/persistence"
	"TrancheVault/internal/projection"
	"TrancheVault/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// HTTPServer serves the JSON API: command submission on the write side,
// projection-backed queries on the read side. Commands are accepted
// asynchronously; a 202 means the command is queued for the core, not that
// it was applied.
type HTTPServer struct {
	httpServer *http.Server
	addr       string
	deps       *Deps
}

// Deps holds everything the API handlers need.
type Deps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	CommandChan   chan<- command.Command
	ReportHistory *projection.ReportHistory
	SnapshotMgr   *persistence.SnapshotManager
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
	StartTime     time.Time
}

func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	s := &HTTPServer{addr: addr, deps: deps}

	mux := http.NewServeMux()

	// Write side
	mux.HandleFunc("POST /v1/commands/deposit", s.handleCommand("Deposit"))
	mux.HandleFunc("POST /v1/commands/mint", s.handleCommand("MintShares"))
	mux.HandleFunc("POST /v1/commands/withdraw", s.handleCommand("Withdraw"))
	mux.HandleFunc("POST /v1/commands/redeem", s.handleCommand("Redeem"))
	mux.HandleFunc("POST /v1/commands/transfer", s.handleCommand("Transfer"))
	mux.HandleFunc("POST /v1/commands/cooldown/start", s.handleCommand("StartCooldown"))
	mux.HandleFunc("POST /v1/commands/cooldown/cancel", s.handleCommand("CancelCooldown"))

	// Read side
	mux.HandleFunc("GET /v1/balances/{account}", s.handleGetBalance)
	mux.HandleFunc("GET /v1/gates/{account}", s.handleGetGates)
	mux.HandleFunc("GET /v1/limits/{account}", s.handleGetLimits)
	mux.HandleFunc("GET /v1/journals/{account}", s.handleGetJournals)
	mux.HandleFunc("GET /v1/vault", s.handleGetVault)
	mux.HandleFunc("GET /v1/params", s.handleGetParams)
	mux.HandleFunc("GET /v1/reports", s.handleGetReports)
	mux.HandleFunc("GET /v1/reports/recent", s.handleGetRecentReports)

	// Admin
	mux.HandleFunc("POST /v1/admin/rebuild-projections", s.handleRebuildProjections)
	mux.HandleFunc("GET /v1/admin/integrity", s.handleVerifyIntegrity)
	mux.HandleFunc("GET /v1/admin/log", s.handleLogInfo)

	// Probes
	if deps.HealthChecker != nil {
		mux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- write handlers ---

// handleCommand parses the request body with the same wire-format parser the
// NATS path uses, so both ingestion surfaces accept identical payloads.
func (s *HTTPServer) handleCommand(commandType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		raw := ingestion.RawCommand{
			Subject:   "http",
			Data:      data,
			Timestamp: time.Now(),
		}

		cmd, err := ingestion.ParseRawCommand(raw, commandType)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		start := time.Now()
		select {
		case s.deps.CommandChan <- cmd:
			if s.deps.Metrics != nil {
				s.deps.Metrics.IngestToApply.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
			}
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"accepted":        true,
				"idempotency_key": cmd.IdempotencyKey(),
			})
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, r.Context().Err())
		}
	}
}

// --- read handlers ---

func (s *HTTPServer) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account: %w", err))
		return
	}

	resp, err := s.deps.QueryService.GetBalance(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetGates(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account: %w", err))
		return
	}

	resp, err := s.deps.QueryService.GetGates(r.Context(), account, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account: %w", err))
		return
	}

	resp, err := s.deps.QueryService.GetLimits(r.Context(), account, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetJournals(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account: %w", err))
		return
	}

	limit := queryInt(r, "limit", 100)
	if limit > 500 {
		limit = 500
	}
	afterSeq := queryCursor(r, "after_sequence")

	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), account, limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (s *HTTPServer) handleGetVault(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.QueryService.GetVaultSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetParams(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.QueryService.GetParams(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetReports(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	afterSeq := queryCursor(r, "after_sequence")

	history, err := s.deps.QueryService.GetReportHistory(r.Context(), limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": history})
}

func (s *HTTPServer) handleGetRecentReports(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReportHistory == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"reports": []projection.ReportEntry{}})
		return
	}
	limit := queryInt(r, "limit", 50)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": s.deps.ReportHistory.Recent(limit),
	})
}

// --- admin handlers ---

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_sequence":  latestSeq,
		"uptime_seconds": int64(time.Since(s.deps.StartTime).Seconds()),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response failed")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return def
	}
	return i
}

func queryCursor(r *http.Request, key string) *int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil || i <= 0 {
		return nil
	}
	return &i
}
