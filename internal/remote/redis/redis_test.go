package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sionyx/kioskd/internal/config"
	"github.com/sionyx/kioskd/internal/remote"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := config.RemoteConfig{
		Host:         mr.Addr(), // full "host:port" address
		Port:         0,
		DB:           0,
		KeyPrefix:    "sionyx",
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	client, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open remote store client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestClient_SetGet(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	rec := remote.Record{
		"balance":           "25.5",
		"remaining_seconds": "3600",
		"session_active":    "0",
	}

	if err := client.Set(ctx, "users/u1", rec); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := client.Get(ctx, "users/u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got["balance"] != "25.5" {
		t.Errorf("Expected balance 25.5, got %s", got["balance"])
	}
	if got["remaining_seconds"] != "3600" {
		t.Errorf("Expected remaining_seconds 3600, got %s", got["remaining_seconds"])
	}
}

func TestClient_SetReplacesWholeRecord(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "users/u1", remote.Record{"balance": "10", "stale_field": "x"}); err != nil {
		t.Fatalf("First Set failed: %v", err)
	}

	if err := client.Set(ctx, "users/u1", remote.Record{"balance": "5"}); err != nil {
		t.Fatalf("Second Set failed: %v", err)
	}

	got, err := client.Get(ctx, "users/u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if _, ok := got["stale_field"]; ok {
		t.Error("Expected stale_field to be removed by whole-record replace")
	}
	if got["balance"] != "5" {
		t.Errorf("Expected balance 5, got %s", got["balance"])
	}
}

func TestClient_GetMissing(t *testing.T) {
	client, _ := setupTestClient(t)

	_, err := client.Get(context.Background(), "users/nobody")
	if !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestClient_UpdateMergePatch(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "users/u1", remote.Record{"balance": "10", "session_active": "1"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := client.Update(ctx, "users/u1", remote.Record{"balance": "8", "updated_at": "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := client.Get(ctx, "users/u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got["balance"] != "8" {
		t.Errorf("Expected balance 8, got %s", got["balance"])
	}
	if got["session_active"] != "1" {
		t.Errorf("Expected untouched session_active 1, got %s", got["session_active"])
	}
	if got["updated_at"] != "2026-01-01T00:00:00Z" {
		t.Errorf("Expected updated_at to be added, got %s", got["updated_at"])
	}
}

func TestClient_UpdateCreatesMissingRecord(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	if err := client.Update(ctx, "users/new", remote.Record{"balance": "0"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := client.Get(ctx, "users/new")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got["balance"] != "0" {
		t.Errorf("Expected balance 0, got %s", got["balance"])
	}
}

func TestClient_Delete(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "users/u1", remote.Record{"balance": "1"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := client.Delete(ctx, "users/u1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := client.Get(ctx, "users/u1"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing record is not an error.
	if err := client.Delete(ctx, "users/u1"); err != nil {
		t.Errorf("Delete of missing record failed: %v", err)
	}
}

func TestClient_KeyNamespacing(t *testing.T) {
	client, mr := setupTestClient(t)

	if err := client.Set(context.Background(), "meta/pricing", remote.Record{"bw_price_per_page": "1"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if got := mr.HGet("sionyx:meta:pricing", "bw_price_per_page"); got != "1" {
		t.Errorf("Expected record under sionyx:meta:pricing, got field value %q", got)
	}
}

func TestClient_InvalidPath(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	for _, path := range []string{"", "users//u1", "/users"} {
		if _, err := client.Get(ctx, path); err == nil {
			t.Errorf("Expected error for path %q", path)
		}
	}
}

func TestClient_AuthRejected(t *testing.T) {
	client, mr := setupTestClient(t)

	mr.RequireAuth("secret")

	_, err := client.Get(context.Background(), "users/u1")
	if !errors.Is(err, remote.ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}
}

func TestClient_StoreUnavailable(t *testing.T) {
	client, mr := setupTestClient(t)

	mr.Close()

	_, err := client.Get(context.Background(), "users/u1")
	if !errors.Is(err, remote.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}
