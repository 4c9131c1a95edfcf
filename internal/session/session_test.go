package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpc-router/internal/metrics"
	"github.com/chalabi2/rpc-router/internal/rpcerr"
	"github.com/chalabi2/rpc-router/internal/store"
)

func TestCreateGet_RoundTrips(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ss := New(s, metrics.New(), zap.NewNop(), time.Hour)

	sess, err := ss.Create(context.Background(), 1, "http://a")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected a generated session id")
	}

	got, err := ss.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.URL != "http://a" || got.ChainID != 1 {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestGet_UnknownIDReturnsInvalidSession(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ss := New(s, metrics.New(), zap.NewNop(), time.Hour)

	_, err := ss.Get(context.Background(), "does-not-exist")
	if !errors.Is(err, rpcerr.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestUpdate_BumpsRequestCount(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ss := New(s, metrics.New(), zap.NewNop(), time.Hour)

	sess, _ := ss.Create(context.Background(), 1, "http://a")
	if err := ss.Update(context.Background(), sess); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := ss.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RequestCount != 1 {
		t.Errorf("expected RequestCount 1, got %d", got.RequestCount)
	}
}

func TestDelete_RemovesSession(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ss := New(s, metrics.New(), zap.NewNop(), time.Hour)

	sess, _ := ss.Create(context.Background(), 1, "http://a")
	if err := ss.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := ss.Get(context.Background(), sess.ID); !errors.Is(err, rpcerr.ErrInvalidSession) {
		t.Errorf("expected deleted session to be unresolvable, got %v", err)
	}
}

func TestSweep_CountsExpirations(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ss := New(s, metrics.New(), zap.NewNop(), 20*time.Millisecond)

	if _, err := ss.Create(context.Background(), 1, "http://a"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	known := make(map[string]bool)
	ss.sweep(context.Background(), known)
	if len(known) != 1 {
		t.Fatalf("expected one known session after first sweep, got %d", len(known))
	}

	time.Sleep(60 * time.Millisecond)
	ss.sweep(context.Background(), known)
	if len(known) != 0 {
		t.Errorf("expected expired session to be pruned from known, got %d", len(known))
	}
}
