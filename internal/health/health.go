// Package health implements the Health Checker: it probes every known
// upstream on a schedule and maintains the "health" hash as a live
// projection of reachability (SPEC_FULL.md §5.2).
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chalabi2/rpc-router/internal/metrics"
	"github.com/chalabi2/rpc-router/internal/model"
	"github.com/chalabi2/rpc-router/internal/store"
)

const hashKey = "health"

// probeRequest is the canonical JSON-RPC call used to reach every
// upstream regardless of chain, mirroring the teacher's
// EVMJSONRPCRequest shape.
type probeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type probeResponse struct {
	Result json.RawMessage `json:"result"`
}

// Checker probes upstreams and writes HealthRecords. One Checker is
// shared by the whole process; the Config Loader and Executor hold it
// only through the Prober interface, as a capability (spec.md §9).
type Checker struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	client  *http.Client

	maxFailCount int
	interval     time.Duration
	healthTTL    time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Prober is the capability the Config Loader and Executor hold: a single
// forced probe of one URL.
type Prober interface {
	CheckHealth(ctx context.Context, url string) (model.HealthRecord, error)
}

const probeTimeout = 5 * time.Second

// New constructs a Checker against s, wired to probe on interval and
// refresh the health hash TTL to healthTTL after every write.
func New(s store.Store, m *metrics.Metrics, logger *zap.Logger, opts model.Options) *Checker {
	return &Checker{
		store:        s,
		metrics:      m,
		logger:       logger,
		client:       &http.Client{Timeout: probeTimeout},
		maxFailCount: opts.MaxFailCount,
		interval:     opts.HealthCheckInterval,
		healthTTL:    opts.HealthTTL,
	}
}

// Start launches the periodic probe scheduler. It is a no-op if the
// checker is already running, per spec.md §4.2.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go c.run(ctx)
}

// Stop cancels the ticker. In-flight probes may complete or be abandoned.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	<-done
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.probeAll(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// probeAll takes one per-tick snapshot of known URLs and probes each
// concurrently; a given tick never launches two probes of the same URL.
func (c *Checker) probeAll(ctx context.Context) {
	urls, err := c.knownURLs(ctx)
	if err != nil {
		c.logger.Warn("failed to list known urls for health probe", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := c.CheckHealth(ctx, u); err != nil {
				c.logger.Debug("probe failed", zap.String("url", u), zap.Error(err))
			}
		}(url)
	}
	wg.Wait()
}

func (c *Checker) knownURLs(ctx context.Context) ([]string, error) {
	fields, err := c.store.HGetAll(ctx, hashKey)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(fields))
	for url := range fields {
		urls = append(urls, url)
	}
	return urls, nil
}

// CheckHealth performs one immediate probe of url and writes the
// resulting record. It is idempotent and safe for concurrent callers —
// used both by the scheduler and by the Executor's forced re-probe path.
func (c *Checker) CheckHealth(ctx context.Context, url string) (model.HealthRecord, error) {
	start := time.Now()
	ok := c.probe(ctx, url)
	elapsed := time.Since(start).Milliseconds()

	if c.metrics != nil {
		c.metrics.ProbesTotal.Inc()
		c.metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	}

	var record model.HealthRecord
	if ok {
		record = model.HealthRecord{
			URL:          url,
			Healthy:      true,
			FailCount:    0,
			ResponseTime: elapsed,
			LastCheck:    time.Now(),
		}
	} else {
		if c.metrics != nil {
			c.metrics.ProbesFailed.Inc()
		}
		prior, err := c.priorFailCount(ctx, url)
		if err != nil {
			c.logger.Warn("failed to read prior health record", zap.String("url", url), zap.Error(err))
		}
		failCount := prior + 1
		record = model.HealthRecord{
			URL:          url,
			Healthy:      false,
			FailCount:    failCount,
			ResponseTime: elapsed,
			LastCheck:    time.Now(),
		}
		if failCount >= c.maxFailCount {
			c.logger.Warn("upstream crossed max fail count",
				zap.String("url", url),
				zap.Int("fail_count", failCount),
				zap.Int("max_fail_count", c.maxFailCount))
		}
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return model.HealthRecord{}, fmt.Errorf("encoding health record: %w", err)
	}
	if err := c.store.HSet(ctx, hashKey, url, string(encoded)); err != nil {
		return model.HealthRecord{}, fmt.Errorf("writing health record: %w", err)
	}
	if c.healthTTL > 0 {
		if err := c.store.Expire(ctx, hashKey, c.healthTTL); err != nil {
			c.logger.Debug("failed to refresh health hash ttl", zap.Error(err))
		}
	}

	return record, nil
}

// priorFailCount returns the previous failCount for url, or 0 (so a
// never-probed URL that fails its first probe is written with
// failCount=1, per spec.md §9 open question (a)).
func (c *Checker) priorFailCount(ctx context.Context, url string) (int, error) {
	raw, ok, err := c.store.HGet(ctx, hashKey, url)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var prior model.HealthRecord
	if err := json.Unmarshal([]byte(raw), &prior); err != nil {
		return 0, err
	}
	return prior.FailCount, nil
}

// probe reaches url with the canonical net_version call, switching
// transport on scheme: ws:// and wss:// upstreams are dialed directly
// over a websocket connection rather than HTTP, since many RPC providers
// only expose a websocket listener on those schemes.
func (c *Checker) probe(ctx context.Context, url string) bool {
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		return c.probeWebSocket(ctx, url)
	}
	return c.probeHTTP(ctx, url)
}

// probeWebSocket dials url and reports success iff the handshake
// completes and one net_version round trip returns a defined result.
func (c *Checker) probeWebSocket(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(probeCtx, url, nil)
	if err != nil {
		return false
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	body, err := json.Marshal(probeRequest{
		JSONRPC: "2.0",
		Method:  "net_version",
		Params:  []interface{}{},
		ID:      1,
	})
	if err != nil {
		return false
	}

	if deadline, ok := probeCtx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return false
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return false
	}

	var parsed probeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return false
	}
	return len(parsed.Result) > 0 && !bytes.Equal(bytes.TrimSpace(parsed.Result), []byte("null"))
}

// probeHTTP sends the canonical net_version call and reports success iff
// the transport returns HTTP 200 and the decoded body has a defined
// result field.
func (c *Checker) probeHTTP(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	body, err := json.Marshal(probeRequest{
		JSONRPC: "2.0",
		Method:  "net_version",
		Params:  []interface{}{},
		ID:      1,
	})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var parsed probeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false
	}
	return len(parsed.Result) > 0 && !bytes.Equal(bytes.TrimSpace(parsed.Result), []byte("null"))
}

var _ Prober = (*Checker)(nil)
