package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpc-router/internal/metrics"
	"github.com/chalabi2/rpc-router/internal/model"
	"github.com/chalabi2/rpc-router/internal/store"
)

type stubProber struct {
	probed []string
}

func (s *stubProber) CheckHealth(ctx context.Context, url string) (model.HealthRecord, error) {
	s.probed = append(s.probed, url)
	return model.HealthRecord{URL: url, Healthy: true}, nil
}

func writeConfig(t *testing.T, dir string, chains []chainSchema) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(fileSchema{Chains: chains})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func intPtr(v int64) *int64   { return &v }
func strPtr(v string) *string { return &v }

func TestForceReload_PopulatesChains(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, []chainSchema{
		{ChainID: intPtr(1), Name: strPtr("ethereum"), URLs: []string{"http://a", "http://b"}},
	})

	s := store.NewMemory()
	defer s.Close()
	prober := &stubProber{}
	l := New(path, s, prober, metrics.New(), zap.NewNop(), model.DefaultOptions())

	if err := l.ForceReload(context.Background()); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}

	raw, ok, err := s.Get(context.Background(), "chain:1")
	if err != nil || !ok {
		t.Fatalf("expected chain:1 to be set, ok=%v err=%v", ok, err)
	}
	var cc model.ChainConfig
	if err := json.Unmarshal([]byte(raw), &cc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cc.Name != "ethereum" || len(cc.URLs) != 2 {
		t.Errorf("unexpected chain config: %+v", cc)
	}
	if len(prober.probed) != 2 {
		t.Errorf("expected both new urls to be probed, got %v", prober.probed)
	}
}

func TestForceReload_RemovesDroppedChains(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, []chainSchema{
		{ChainID: intPtr(1), Name: strPtr("ethereum"), URLs: []string{"http://a"}},
		{ChainID: intPtr(2), Name: strPtr("polygon"), URLs: []string{"http://c"}},
	})

	s := store.NewMemory()
	defer s.Close()
	l := New(path, s, &stubProber{}, metrics.New(), zap.NewNop(), model.DefaultOptions())
	if err := l.ForceReload(context.Background()); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}

	writeConfig(t, dir, []chainSchema{
		{ChainID: intPtr(1), Name: strPtr("ethereum"), URLs: []string{"http://a"}},
	})
	if err := l.ForceReload(context.Background()); err != nil {
		t.Fatalf("second ForceReload: %v", err)
	}

	if _, ok, _ := s.Get(context.Background(), "chain:2"); ok {
		t.Error("expected chain:2 to be removed after it dropped from config")
	}
	if _, ok, _ := s.Get(context.Background(), "chain:1"); !ok {
		t.Error("expected chain:1 to remain")
	}
}

func TestForceReload_PrunesStaleHealthRecords(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, []chainSchema{
		{ChainID: intPtr(1), Name: strPtr("ethereum"), URLs: []string{"http://a", "http://b"}},
	})

	s := store.NewMemory()
	defer s.Close()
	l := New(path, s, &stubProber{}, metrics.New(), zap.NewNop(), model.DefaultOptions())
	if err := l.ForceReload(context.Background()); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}

	rec, _ := json.Marshal(model.HealthRecord{URL: "http://b", Healthy: true})
	if err := s.HSet(context.Background(), "health", "http://b", string(rec)); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	writeConfig(t, dir, []chainSchema{
		{ChainID: intPtr(1), Name: strPtr("ethereum"), URLs: []string{"http://a"}},
	})
	if err := l.ForceReload(context.Background()); err != nil {
		t.Fatalf("second ForceReload: %v", err)
	}

	fields, err := s.HGetAll(context.Background(), "health")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if _, ok := fields["http://b"]; ok {
		t.Error("expected health record for a dropped url to be pruned")
	}
}

func TestForceReload_InvalidConfigKeepsPriorState(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, []chainSchema{
		{ChainID: intPtr(1), Name: strPtr("ethereum"), URLs: []string{"http://a"}},
	})

	s := store.NewMemory()
	defer s.Close()
	l := New(path, s, &stubProber{}, metrics.New(), zap.NewNop(), model.DefaultOptions())
	if err := l.ForceReload(context.Background()); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"chains": "not-an-array"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.ForceReload(context.Background()); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}

	if _, ok, _ := s.Get(context.Background(), "chain:1"); !ok {
		t.Error("expected chain:1 to survive a rejected reload")
	}
}

func TestForceReload_MissingRequiredFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"chains": [{"name": "ethereum", "urls": ["http://a"]}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := store.NewMemory()
	defer s.Close()
	l := New(path, s, &stubProber{}, metrics.New(), zap.NewNop(), model.DefaultOptions())
	if err := l.ForceReload(context.Background()); err == nil {
		t.Fatal("expected missing chainId to be rejected")
	}
}

func TestReloadIfChanged_SkipsWhenMtimeUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, []chainSchema{
		{ChainID: intPtr(1), Name: strPtr("ethereum"), URLs: []string{"http://a"}},
	})

	s := store.NewMemory()
	defer s.Close()
	prober := &stubProber{}
	l := New(path, s, prober, metrics.New(), zap.NewNop(), model.DefaultOptions())
	if err := l.ForceReload(context.Background()); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}
	prober.probed = nil

	if err := l.reloadIfChanged(context.Background()); err != nil {
		t.Fatalf("reloadIfChanged: %v", err)
	}
	if len(prober.probed) != 0 {
		t.Error("expected no reload when mtime unchanged")
	}
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, []chainSchema{
		{ChainID: intPtr(1), Name: strPtr("ethereum"), URLs: []string{"http://a"}},
	})
	s := store.NewMemory()
	defer s.Close()

	opts := model.DefaultOptions()
	opts.ConfigRefreshInterval = 10 * time.Millisecond
	l := New(path, s, &stubProber{}, metrics.New(), zap.NewNop(), opts)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	l.Stop()
}
