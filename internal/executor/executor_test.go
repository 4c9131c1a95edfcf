package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpc-router/internal/health"
	"github.com/chalabi2/rpc-router/internal/metrics"
	"github.com/chalabi2/rpc-router/internal/model"
	"github.com/chalabi2/rpc-router/internal/rpcerr"
	"github.com/chalabi2/rpc-router/internal/session"
	"github.com/chalabi2/rpc-router/internal/store"
)

type stubPicker struct {
	url string
	err error
}

func (p *stubPicker) GetHealthyRPCURL(ctx context.Context, chainID int64, maxFailCount int) (string, error) {
	return p.url, p.err
}

func newExecutor(t *testing.T, upstream string) (*Executor, *session.Store, store.Store) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { _ = s.Close() })
	sessions := session.New(s, metrics.New(), zap.NewNop(), time.Hour)
	checker := health.New(s, metrics.New(), zap.NewNop(), model.DefaultOptions())
	picker := &stubPicker{url: upstream}
	return New(sessions, picker, checker, metrics.New(), zap.NewNop(), model.DefaultOptions()), sessions, s
}

func TestExecute_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x10"})
	}))
	defer srv.Close()

	e, _, _ := newExecutor(t, srv.URL)
	reply, sess, err := e.Execute(context.Background(), 1, []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`), "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply["result"] != "16" {
		t.Errorf("expected hex 0x10 converted to decimal 16, got %v", reply["result"])
	}
	if reply["sessionId"] != sess.ID {
		t.Errorf("expected formatted reply to carry session id")
	}
}

func TestExecute_CreatesSessionWhenNoneSupplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "ok"})
	}))
	defer srv.Close()

	e, _, _ := newExecutor(t, srv.URL)
	_, sess, err := e.Execute(context.Background(), 1, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sess.ID == "" || sess.ChainID != 1 {
		t.Errorf("expected a freshly created session, got %+v", sess)
	}
}

func TestExecute_ChainSwitchIssuesFreshSession(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": "ok"})
	}))
	defer srvA.Close()

	e, sessions, _ := newExecutor(t, srvA.URL)
	_, sess, err := e.Execute(context.Background(), 1, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": "ok"})
	}))
	defer srvB.Close()
	e.selector = &stubPicker{url: srvB.URL}

	_, fresh, err := e.Execute(context.Background(), 2, []byte(`{}`), sess.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fresh.ID == sess.ID {
		t.Error("expected chain switch to issue a new session id, not reuse the old one")
	}
	if fresh.ChainID != 2 || fresh.URL != srvB.URL {
		t.Errorf("expected the new session to be bound to chain 2 / srvB, got %+v", fresh)
	}

	if _, err := sessions.Get(context.Background(), sess.ID); !errors.Is(err, rpcerr.ErrInvalidSession) {
		t.Errorf("expected the old session to be deleted after a chain switch, got %v", err)
	}
}

func TestExecute_ForwardFailureReprobesAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _, s := newExecutor(t, srv.URL)
	_, _, err := e.Execute(context.Background(), 1, []byte(`{}`), "")
	if err == nil {
		t.Fatal("expected forward failure with no decodable body to error")
	}

	fields, herr := s.HGetAll(context.Background(), "health")
	if herr != nil {
		t.Fatalf("HGetAll: %v", herr)
	}
	if _, ok := fields[srv.URL]; !ok {
		t.Error("expected forward failure to trigger a forced re-probe of the upstream")
	}
}

func TestFormat_MissingResultIsInvalid(t *testing.T) {
	e, _, _ := newExecutor(t, "http://unused")
	out := e.format(map[string]interface{}{"jsonrpc": "2.0", "id": 1}, model.Session{ID: "s1"})
	if out["error"] != "Invalid response format" {
		t.Errorf("expected invalid response format error, got %v", out)
	}
}

func TestFormat_BadHexConversion(t *testing.T) {
	e, _, _ := newExecutor(t, "http://unused")
	out := e.format(map[string]interface{}{"result": "0xzz"}, model.Session{ID: "s1"})
	if out["result"] != "Error converting result to decimal" {
		t.Errorf("expected conversion error message, got %v", out["result"])
	}
}

func TestHexToDecimal(t *testing.T) {
	cases := map[string]string{
		"0x10":                   "16",
		"0x0":                    "0",
		"0xffffffffffffffffffff": "1208925819614629174706175",
	}
	for in, want := range cases {
		got, ok := hexToDecimal(in)
		if !ok || got != want {
			t.Errorf("hexToDecimal(%s) = %s, %v; want %s", in, got, ok, want)
		}
	}
}
