// Package executor implements the Executor: it resolves a session to an
// upstream, forwards the JSON-RPC call, and formats the reply
// (SPEC_FULL.md §5.6).
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpc-router/internal/health"
	"github.com/chalabi2/rpc-router/internal/metrics"
	"github.com/chalabi2/rpc-router/internal/model"
	"github.com/chalabi2/rpc-router/internal/rpcerr"
	"github.com/chalabi2/rpc-router/internal/session"
)

const forwardTimeout = 30 * time.Second

// Picker is the Selector's capability: choose an eligible upstream for
// a chain.
type Picker interface {
	GetHealthyRPCURL(ctx context.Context, chainID int64, maxFailCount int) (string, error)
}

// Executor forwards validated JSON-RPC calls to the upstream bound to a
// session, creating a new session as needed.
type Executor struct {
	sessions     *session.Store
	selector     Picker
	prober       health.Prober
	metrics      *metrics.Metrics
	logger       *zap.Logger
	client       *http.Client
	maxFailCount int
}

// New constructs an Executor.
func New(sessions *session.Store, selector Picker, prober health.Prober, m *metrics.Metrics, logger *zap.Logger, opts model.Options) *Executor {
	return &Executor{
		sessions:     sessions,
		selector:     selector,
		prober:       prober,
		metrics:      m,
		logger:       logger,
		client:       &http.Client{Timeout: forwardTimeout},
		maxFailCount: opts.MaxFailCount,
	}
}

// Execute resolves sessionID (creating a new session as needed), forwards
// body to the bound upstream, and returns the formatted reply together
// with the (possibly new) session.
func (e *Executor) Execute(ctx context.Context, chainID int64, body []byte, sessionID string) (map[string]interface{}, model.Session, error) {
	sess, err := e.resolveSession(ctx, chainID, sessionID)
	if err != nil {
		return nil, model.Session{}, err
	}

	start := time.Now()
	reply, forwardErr := e.forward(ctx, sess.URL, body)
	e.logger.Debug("forwarded request",
		zap.Int64("chain_id", chainID),
		zap.String("url", sess.URL),
		zap.String("session", sess.ID),
		zap.Duration("latency", time.Since(start)))
	if forwardErr != nil {
		if e.metrics != nil {
			e.metrics.ForwardedFailed.Inc()
		}
		if e.prober != nil {
			if _, err := e.prober.CheckHealth(ctx, sess.URL); err != nil {
				e.logger.Warn("forced re-probe after forward failure also failed", zap.String("url", sess.URL), zap.Error(err))
			}
		}
		if reply == nil {
			return nil, sess, fmt.Errorf("%w: %v", rpcerr.ErrNoHealthyRpc, forwardErr)
		}
		// A non-2xx response with a decodable body is still formatted and
		// returned rather than discarded.
		return e.format(reply, sess), sess, nil
	}

	if e.metrics != nil {
		e.metrics.ForwardedTotal.Inc()
	}
	if err := e.sessions.Update(ctx, sess); err != nil {
		e.logger.Warn("failed to update session after successful forward", zap.String("session", sess.ID), zap.Error(err))
	}

	return e.format(reply, sess), sess, nil
}

// resolveSession implements spec.md §4.6's session rules: an unknown or
// absent session id creates a fresh session bound to a freshly selected
// upstream. A known session id whose chainID differs from the request
// triggers a chain switch: the old session is deleted outright and a
// brand new session id is issued, per the Chain-switch law in §8
// (getSession(s) == null afterward, a new id is returned).
func (e *Executor) resolveSession(ctx context.Context, chainID int64, sessionID string) (model.Session, error) {
	if sessionID == "" {
		return e.createSession(ctx, chainID)
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	if errors.Is(err, rpcerr.ErrInvalidSession) {
		return e.createSession(ctx, chainID)
	}
	if err != nil {
		return model.Session{}, err
	}

	if sess.ChainID != chainID {
		if err := e.sessions.Delete(ctx, sess.ID); err != nil {
			e.logger.Warn("failed to delete session during chain switch", zap.String("session", sess.ID), zap.Error(err))
		}
		return e.createSession(ctx, chainID)
	}

	return sess, nil
}

func (e *Executor) createSession(ctx context.Context, chainID int64) (model.Session, error) {
	url, err := e.selector.GetHealthyRPCURL(ctx, chainID, e.maxFailCount)
	if err != nil {
		return model.Session{}, err
	}
	return e.sessions.Create(ctx, chainID, url)
}

// forward POSTs body to url and returns the decoded reply. It returns a
// non-nil reply whenever the body decodes as a JSON object, even for
// non-2xx status codes, so the caller can still format an upstream's
// own error payload.
func (e *Executor) forward(ctx context.Context, url string, body []byte) (map[string]interface{}, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ForwardDuration.Observe(time.Since(start).Seconds())
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	var reply map[string]interface{}
	decodeErr := json.NewDecoder(resp.Body).Decode(&reply)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr != nil {
			return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		return reply, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding upstream reply: %w", decodeErr)
	}
	return reply, nil
}

// format builds the client-facing reply: pass through id/jsonrpc,
// attach the session id, and rewrite a hex-string result to its decimal
// form (spec.md §4.6). A reply missing both result and error, or not an
// object, becomes {"error": "Invalid response format"}.
func (e *Executor) format(reply map[string]interface{}, sess model.Session) map[string]interface{} {
	if reply == nil {
		return map[string]interface{}{"error": "Invalid response format"}
	}

	out := map[string]interface{}{
		"sessionId": sess.ID,
	}
	if v, ok := reply["jsonrpc"]; ok {
		out["jsonrpc"] = v
	}
	if v, ok := reply["id"]; ok {
		out["id"] = v
	}

	if errField, ok := reply["error"]; ok {
		out["error"] = errField
		return out
	}

	result, hasResult := reply["result"]
	if !hasResult {
		return map[string]interface{}{"error": "Invalid response format"}
	}

	if s, ok := result.(string); ok && strings.HasPrefix(s, "0x") {
		if dec, ok := hexToDecimal(s); ok {
			out["result"] = dec
		} else {
			out["result"] = "Error converting result to decimal"
		}
	} else {
		out["result"] = result
	}

	return out
}

// hexToDecimal converts a 0x-prefixed hex string to its base-10 form
// using arbitrary precision, since wei amounts routinely exceed 64 bits.
func hexToDecimal(hex string) (string, bool) {
	trimmed := strings.TrimPrefix(hex, "0x")
	if trimmed == "" {
		trimmed = "0"
	}
	n, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return "", false
	}
	return n.String(), true
}
