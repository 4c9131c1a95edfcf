// Package api implements the Read API: the router's HTTP surface for
// selecting an endpoint, executing a call, and inspecting chain/url
// health (SPEC_FULL.md §5.7).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chalabi2/rpc-router/internal/jsonrpc"
	"github.com/chalabi2/rpc-router/internal/model"
	"github.com/chalabi2/rpc-router/internal/rpcerr"
	"github.com/chalabi2/rpc-router/internal/store"
)

const sessionHeader = "x-session-id"

// Selector is the read-path capability used by GET /api/rpc/endpoint.
type Selector interface {
	GetHealthyRPCURL(ctx context.Context, chainID int64, maxFailCount int) (string, error)
}

// Executor is the write-path capability used by POST /api/rpc/execute.
type Executor interface {
	Execute(ctx context.Context, chainID int64, body []byte, sessionID string) (map[string]interface{}, model.Session, error)
}

// Server wires the router's HTTP surface.
type Server struct {
	store        store.Store
	selector     Selector
	executor     Executor
	logger       *zap.Logger
	maxFailCount int
}

// New constructs a Server and its chi router.
func New(s store.Store, sel Selector, exec Executor, logger *zap.Logger, opts model.Options) http.Handler {
	srv := &Server{store: s, selector: sel, executor: exec, logger: logger, maxFailCount: opts.MaxFailCount}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(srv.logRequest)

	r.Get("/health", srv.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/rpc", func(r chi.Router) {
		r.Get("/endpoint/{chainId}", srv.handleEndpoint)
		r.Post("/execute/{chainId}", srv.handleExecute)
		r.Get("/urls", srv.handleURLsAll)
		r.Get("/urls/{chainId}", srv.handleURLsForChain)
	})

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("http request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	chainID, err := parseChainID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	url, err := s.selector.GetHealthyRPCURL(r.Context(), chainID, s.maxFailCount)
	if err != nil {
		writeSelectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(map[string]string{"url": url}))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	chainID, err := parseChainID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := jsonrpc.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", rpcerr.ErrInvalidRequest, err))
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	reply, sess, err := s.executor.Execute(r.Context(), chainID, body, sessionID)
	if err != nil {
		writeSelectorError(w, err)
		return
	}

	w.Header().Set(sessionHeader, sess.ID)
	writeJSON(w, http.StatusOK, reply)
}

// ChainStats is a read-only projection of one chain's pool health, per
// spec.md §4.7.
type ChainStats struct {
	TotalSessions       int     `json:"totalSessions"`
	ActiveUrls          int     `json:"activeUrls"`
	HealthyUrls         int     `json:"healthyUrls"`
	AverageResponseTime float64 `json:"averageResponseTime"`
}

// URLDetail is a read-only projection of one upstream's health record.
type URLDetail struct {
	URL          string `json:"url"`
	Healthy      bool   `json:"healthy"`
	FailCount    int    `json:"failCount"`
	ResponseTime int64  `json:"responseTimeMs"`
	LastCheck    string `json:"lastCheck"`
}

func (s *Server) handleURLsAll(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("chainId"); raw != "" {
		chainID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("chainId must be an integer"))
			return
		}
		s.writeChainURLs(w, r, chainID)
		return
	}

	chains, err := s.loadAllChains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	health, err := s.store.HGetAll(r.Context(), "health")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sessionCounts, err := s.sessionCountsByChain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	sort.Slice(chains, func(i, j int) bool { return chains[i].ChainID < chains[j].ChainID })
	type chainSummary struct {
		ChainID int64      `json:"chainId"`
		Name    string     `json:"name"`
		Stats   ChainStats `json:"stats"`
	}
	summaries := make([]chainSummary, 0, len(chains))
	for _, c := range chains {
		summaries = append(summaries, chainSummary{
			ChainID: c.ChainID,
			Name:    c.Name,
			Stats:   s.chainStatsFor(c, health, sessionCounts[c.ChainID]),
		})
	}
	writeJSON(w, http.StatusOK, envelope(map[string]interface{}{"chains": summaries}))
}

func (s *Server) handleURLsForChain(w http.ResponseWriter, r *http.Request) {
	chainID, err := parseChainID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeChainURLs(w, r, chainID)
}

func (s *Server) writeChainURLs(w http.ResponseWriter, r *http.Request, chainID int64) {
	cfg, err := s.loadChain(r.Context(), chainID)
	if err != nil {
		writeSelectorError(w, err)
		return
	}
	healthFields, err := s.store.HGetAll(r.Context(), "health")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sessionCounts, err := s.sessionCountsByChain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now().Format(time.RFC3339)
	details := make([]URLDetail, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		raw, ok := healthFields[u]
		if !ok {
			details = append(details, URLDetail{URL: u, LastCheck: now})
			continue
		}
		var rec model.HealthRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		details = append(details, URLDetail{
			URL:          rec.URL,
			Healthy:      rec.Healthy,
			FailCount:    rec.FailCount,
			ResponseTime: rec.ResponseTime,
			LastCheck:    rec.LastCheck.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"chainId": cfg.ChainID,
		"name":    cfg.Name,
		"stats":   s.chainStatsFor(cfg, healthFields, sessionCounts[cfg.ChainID]),
		"urls":    details,
	}))
}

// chainStatsFor implements spec.md §4.7's chain-stats projection:
// activeUrls counts configured URLs with any health record; healthyUrls
// applies the §4.4 eligibility predicate; averageResponseTime is the mean
// responseTime over URLs with a record, 0 if none.
func (s *Server) chainStatsFor(cfg model.ChainConfig, health map[string]string, totalSessions int) ChainStats {
	stats := ChainStats{TotalSessions: totalSessions}
	var responseTimeSum int64
	var recorded int
	for _, u := range cfg.URLs {
		raw, ok := health[u]
		if !ok {
			continue
		}
		var rec model.HealthRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		stats.ActiveUrls++
		recorded++
		responseTimeSum += rec.ResponseTime
		if rec.Eligible(s.maxFailCount) {
			stats.HealthyUrls++
		}
	}
	if recorded > 0 {
		stats.AverageResponseTime = float64(responseTimeSum) / float64(recorded)
	}
	return stats
}

// sessionCountsByChain enumerates session:* and tallies sessions by
// chainId, for §4.7's totalSessions projection.
func (s *Server) sessionCountsByChain(ctx context.Context) (map[int64]int, error) {
	keys, err := s.store.Keys(ctx, "session:")
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int, len(keys))
	for _, k := range keys {
		raw, ok, err := s.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var sess model.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		counts[sess.ChainID]++
	}
	return counts, nil
}

// envelope wraps a successful response body per spec.md §6's
// {success, data} surface.
func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{"success": true, "data": data}
}

func (s *Server) loadChain(ctx context.Context, chainID int64) (model.ChainConfig, error) {
	raw, ok, err := s.store.Get(ctx, "chain:"+strconv.FormatInt(chainID, 10))
	if err != nil {
		return model.ChainConfig{}, err
	}
	if !ok {
		return model.ChainConfig{}, rpcerr.ErrChainNotFound
	}
	var cfg model.ChainConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return model.ChainConfig{}, err
	}
	return cfg, nil
}

func (s *Server) loadAllChains(ctx context.Context) ([]model.ChainConfig, error) {
	keys, err := s.store.Keys(ctx, "chain:")
	if err != nil {
		return nil, err
	}
	out := make([]model.ChainConfig, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := s.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var cfg model.ChainConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func parseChainID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "chainId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("chainId must be an integer")
	}
	return id, nil
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// writeSelectorError maps the router's error taxonomy to HTTP status per
// spec.md §6/§7: NoHealthyRpc and InvalidSession both surface as 500.
func writeSelectorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rpcerr.ErrChainNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, rpcerr.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, rpcerr.ErrNoHealthyRpc):
		writeError(w, http.StatusInternalServerError, err)
	case errors.Is(err, rpcerr.ErrInvalidSession):
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
