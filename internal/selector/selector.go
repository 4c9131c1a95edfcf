// Package selector implements the Selector: it picks the best eligible
// upstream for a chain and watches for pool collapse (SPEC_FULL.md §5.4).
package selector

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpc-router/internal/metrics"
	"github.com/chalabi2/rpc-router/internal/model"
	"github.com/chalabi2/rpc-router/internal/rpcerr"
	"github.com/chalabi2/rpc-router/internal/store"
)

const (
	collapseWindow    = 10 * time.Second
	collapseThreshold = 3
)

// Reloader is the capability the Config Loader exposes, held here
// instead of an import of package config to avoid the cycle described
// in spec.md §9.
type Reloader interface {
	ForceReload(ctx context.Context) error
}

// Selector picks the fastest eligible upstream for a chain, tracking
// recent empty-pool events in a small ring buffer guarded by a
// mutex, the same locking shape as the teacher's CircuitBreaker.
type Selector struct {
	store   store.Store
	reload  Reloader
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	collapses []time.Time
}

// New constructs a Selector against s, triggering reload through r when
// the pool collapses repeatedly.
func New(s store.Store, r Reloader, m *metrics.Metrics, logger *zap.Logger) *Selector {
	return &Selector{store: s, reload: r, metrics: m, logger: logger}
}

// GetHealthyRPCURL returns the fastest eligible upstream for chainID, or
// ErrChainNotFound / ErrNoHealthyRpc per spec.md §4.4.
func (sel *Selector) GetHealthyRPCURL(ctx context.Context, chainID int64, maxFailCount int) (string, error) {
	if sel.metrics != nil {
		sel.metrics.SelectionsTotal.Inc()
	}

	cfg, err := sel.loadChain(ctx, chainID)
	if err != nil {
		return "", err
	}

	records, err := sel.loadHealth(ctx, cfg.URLs)
	if err != nil {
		return "", err
	}

	eligible := make([]model.HealthRecord, 0, len(records))
	for _, rec := range records {
		if rec.Eligible(maxFailCount) {
			eligible = append(eligible, rec)
		}
	}

	if len(eligible) == 0 {
		if sel.metrics != nil {
			sel.metrics.SelectionsFailed.Inc()
		}
		sel.onCollapse(ctx)
		return "", rpcerr.ErrNoHealthyRpc
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].ResponseTime < eligible[j].ResponseTime
	})

	return eligible[0].URL, nil
}

func (sel *Selector) loadChain(ctx context.Context, chainID int64) (model.ChainConfig, error) {
	key := chainKey(chainID)
	raw, ok, err := sel.store.Get(ctx, key)
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

// loadHealth returns health records in the same order as urls, so the
// stable sort's tie-break matches input order (spec.md §4.4 invariant).
func (sel *Selector) loadHealth(ctx context.Context, urls []string) ([]model.HealthRecord, error) {
	fields, err := sel.store.HGetAll(ctx, "health")
	if err != nil {
		return nil, err
	}

	out := make([]model.HealthRecord, 0, len(urls))
	for _, url := range urls {
		raw, ok := fields[url]
		if !ok {
			continue
		}
		var rec model.HealthRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// onCollapse records one empty-pool event and, once collapseThreshold
// events land within collapseWindow, clears the window and triggers a
// config reload (spec.md §4.4 self-healing path).
func (sel *Selector) onCollapse(ctx context.Context) {
	sel.mu.Lock()
	now := time.Now()
	sel.collapses = append(sel.collapses, now)

	cutoff := now.Add(-collapseWindow)
	kept := sel.collapses[:0]
	for _, t := range sel.collapses {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	sel.collapses = kept

	shouldReload := len(sel.collapses) >= collapseThreshold
	if shouldReload {
		sel.collapses = nil
	}
	sel.mu.Unlock()

	if !shouldReload || sel.reload == nil {
		return
	}

	if sel.metrics != nil {
		sel.metrics.CollapseReloads.Inc()
	}
	if err := sel.reload.ForceReload(ctx); err != nil {
		sel.logger.Warn("collapse-triggered config reload failed", zap.Error(err))
	}
}

func chainKey(chainID int64) string {
	return "chain:" + strconv.FormatInt(chainID, 10)
}
