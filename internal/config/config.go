// Package config implements the Config Loader: it watches a JSON config
// file on disk and reconciles the store's chain registry against it
// (SPEC_FULL.md §5.3).
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpc-router/internal/health"
	"github.com/chalabi2/rpc-router/internal/metrics"
	"github.com/chalabi2/rpc-router/internal/model"
	"github.com/chalabi2/rpc-router/internal/rpcerr"
	"github.com/chalabi2/rpc-router/internal/store"
)

const chainKeyPrefix = "chain:"

// fileSchema is the on-disk shape: a flat list of chains.
type fileSchema struct {
	Chains []chainSchema `json:"chains"`
}

type chainSchema struct {
	ChainID *int64   `json:"chainId"`
	Name    *string  `json:"name"`
	URLs    []string `json:"urls"`
}

// Loader polls path for changes and reconciles the store's chain:{id}
// keys against its contents.
type Loader struct {
	path    string
	store   store.Store
	prober  health.Prober
	metrics *metrics.Metrics
	logger  *zap.Logger

	configTTL time.Duration
	healthTTL time.Duration
	interval  time.Duration

	mu           sync.Mutex
	lastModified time.Time

	stop chan struct{}
	done chan struct{}
}

// Reloader is the capability the Selector holds to trigger an
// out-of-schedule reload after a pool collapse, per spec.md §9.
type Reloader interface {
	ForceReload(ctx context.Context) error
}

// New constructs a Loader reading path, writing into s, and seeding
// newly discovered URLs into prober.
func New(path string, s store.Store, prober health.Prober, m *metrics.Metrics, logger *zap.Logger, opts model.Options) *Loader {
	return &Loader{
		path:      path,
		store:     s,
		prober:    prober,
		metrics:   m,
		logger:    logger,
		configTTL: opts.ConfigTTL,
		healthTTL: opts.HealthTTL,
		interval:  opts.ConfigRefreshInterval,
	}
}

// Start launches the periodic poll loop and performs one synchronous
// initial load before returning, so the registry is populated before
// callers start serving traffic.
func (l *Loader) Start(ctx context.Context) error {
	if err := l.ForceReload(ctx); err != nil {
		return err
	}

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(ctx)
	return nil
}

func (l *Loader) Stop() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
}

func (l *Loader) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.reloadIfChanged(ctx); err != nil {
				l.logger.Warn("scheduled config reload failed", zap.Error(err))
			}
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reloadIfChanged reloads only when the file's mtime has advanced past
// the last observed value, per spec.md §4.3 step 1.
func (l *Loader) reloadIfChanged(ctx context.Context) error {
	info, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("stat config file: %w", err)
	}

	l.mu.Lock()
	changed := l.lastModified.IsZero() || info.ModTime().After(l.lastModified)
	l.mu.Unlock()

	if !changed {
		return nil
	}
	return l.ForceReload(ctx)
}

// ForceReload reloads unconditionally, serialized against concurrent
// callers (the scheduler and the Selector's collapse trigger may race).
func (l *Loader) ForceReload(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	info, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("stat config file: %w", err)
	}

	parsed, err := parse(raw)
	if err != nil {
		if l.metrics != nil {
			l.metrics.ConfigReloadsFailed.Inc()
		}
		l.logger.Warn("rejecting invalid config file, keeping prior state", zap.Error(err))
		return err
	}

	newURLs, err := l.reconcile(ctx, parsed)
	if err != nil {
		if l.metrics != nil {
			l.metrics.ConfigReloadsFailed.Inc()
		}
		return fmt.Errorf("reconciling config: %w", err)
	}

	l.lastModified = info.ModTime()
	if l.metrics != nil {
		l.metrics.ConfigReloadsTotal.Inc()
	}

	if l.prober != nil {
		for _, url := range newURLs {
			if _, err := l.prober.CheckHealth(ctx, url); err != nil {
				l.logger.Warn("initial probe of new upstream failed", zap.String("url", url), zap.Error(err))
			}
		}
	}

	return nil
}

// parse validates the raw file against the required schema: a "chains"
// array whose members each have chainId, name, and urls.
func parse(raw []byte) (fileSchema, error) {
	var out fileSchema
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fileSchema{}, fmt.Errorf("%w: %v", rpcerr.ErrInvalidConfig, err)
	}
	chainsRaw, ok := probe["chains"]
	if !ok {
		return fileSchema{}, fmt.Errorf("%w: missing chains key", rpcerr.ErrInvalidConfig)
	}

	var rawChains []json.RawMessage
	if err := json.Unmarshal(chainsRaw, &rawChains); err != nil {
		return fileSchema{}, fmt.Errorf("%w: chains is not an array", rpcerr.ErrInvalidConfig)
	}

	for i, rc := range rawChains {
		var c chainSchema
		if err := json.Unmarshal(rc, &c); err != nil {
			return fileSchema{}, fmt.Errorf("%w: chain %d: %v", rpcerr.ErrInvalidConfig, i, err)
		}
		if c.ChainID == nil {
			return fileSchema{}, fmt.Errorf("%w: chain %d missing chainId", rpcerr.ErrInvalidConfig, i)
		}
		if c.Name == nil || *c.Name == "" {
			return fileSchema{}, fmt.Errorf("%w: chain %d missing name", rpcerr.ErrInvalidConfig, i)
		}
		if c.URLs == nil {
			return fileSchema{}, fmt.Errorf("%w: chain %d missing urls", rpcerr.ErrInvalidConfig, i)
		}
		out.Chains = append(out.Chains, c)
	}

	return out, nil
}

// reconcile applies the diff between the store's current chain:{id}
// records and parsed, inside one atomic pipeline (spec.md §4.3 steps
// 2-3), and returns the set of URLs newly introduced by this reload.
func (l *Loader) reconcile(ctx context.Context, parsed fileSchema) ([]string, error) {
	existingKeys, err := l.store.Keys(ctx, chainKeyPrefix)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]model.ChainConfig, len(existingKeys))
	existingURLs := make(map[string]bool)
	for _, key := range existingKeys {
		raw, ok, err := l.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var cc model.ChainConfig
		if err := json.Unmarshal([]byte(raw), &cc); err != nil {
			continue
		}
		existing[key] = cc
		for _, u := range cc.URLs {
			existingURLs[u] = true
		}
	}

	desired := make(map[string]model.ChainConfig, len(parsed.Chains))
	for _, c := range parsed.Chains {
		cc := model.ChainConfig{ChainID: *c.ChainID, Name: *c.Name, URLs: c.URLs}
		desired[chainKey(cc.ChainID)] = cc
	}

	var toDelete []string
	for key := range existing {
		if _, ok := desired[key]; !ok {
			toDelete = append(toDelete, key)
		}
	}

	newUrls := make(map[string]bool)
	var newURLs []string
	encoded := make(map[string]string, len(desired))
	for key, cc := range desired {
		raw, err := json.Marshal(cc)
		if err != nil {
			return nil, err
		}
		encoded[key] = string(raw)
		for _, u := range cc.URLs {
			newUrls[u] = true
			if !existingURLs[u] {
				newURLs = append(newURLs, u)
			}
		}
	}

	// Per spec.md §4.3 step 3, a URL dropped from every chain loses its
	// health record: prune health[url] for every url no longer referenced
	// by any desired chain.
	healthFields, err := l.store.HGetAll(ctx, "health")
	if err != nil {
		return nil, err
	}
	var staleHealthUrls []string
	for url := range healthFields {
		if !newUrls[url] {
			staleHealthUrls = append(staleHealthUrls, url)
		}
	}

	err = l.store.Pipeline(ctx, func(p store.Pipeliner) {
		if len(toDelete) > 0 {
			p.Delete(toDelete...)
		}
		for key, raw := range encoded {
			p.Set(key, raw, l.configTTL)
		}
		if len(staleHealthUrls) > 0 {
			p.HDel("health", staleHealthUrls...)
		}
		p.Expire("health", l.healthTTL)
	})
	if err != nil {
		return nil, err
	}

	return newURLs, nil
}

func chainKey(chainID int64) string {
	return fmt.Sprintf("%s%d", chainKeyPrefix, chainID)
}

var _ Reloader = (*Loader)(nil)
