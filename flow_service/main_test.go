package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/boku-engineer/changeflow/config"
	"github.com/boku-engineer/changeflow/internal/models"
	"github.com/boku-engineer/changeflow/internal/storage"
)

func TestNewStorageMemory(t *testing.T) {
	st, cleanup, err := newStorage(config.Config{StorageDriver: config.DriverMemory}, zap.NewNop())
	if err != nil {
		t.Fatalf("newStorage failed: %v", err)
	}
	defer cleanup()
	if _, ok := st.(*storage.InMemoryStorage); !ok {
		t.Fatalf("expected in-memory storage, got %T", st)
	}
}

func TestNewStorageRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	st, cleanup, err := newStorage(config.Config{
		StorageDriver:  config.DriverRedis,
		RedisAddr:      mr.Addr(),
		RedisKeyPrefix: "test:",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("newStorage failed: %v", err)
	}
	defer cleanup()

	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestSeedProtectionSetsConfiguredMainline(t *testing.T) {
	st := storage.NewInMemoryStorage()
	ctx := context.Background()

	if err := seedProtection(ctx, st, "trunk"); err != nil {
		t.Fatalf("seedProtection failed: %v", err)
	}
	protection, err := st.GetBranchProtection(ctx)
	if err != nil {
		t.Fatalf("GetBranchProtection failed: %v", err)
	}
	if protection.Mainline != "trunk" {
		t.Fatalf("Mainline = %q, want trunk", protection.Mainline)
	}
	if len(protection.RequiredChecks) != 1 || protection.RequiredChecks[0] != "test job" {
		t.Fatalf("seeding must keep the default checks: %+v", protection.RequiredChecks)
	}
}

func TestSeedProtectionKeepsOperatorSettings(t *testing.T) {
	st := storage.NewInMemoryStorage()
	ctx := context.Background()

	stored := &models.BranchProtection{
		Mainline:       "develop",
		RequiredChecks: []string{"test job", "lint"},
		EnforceAdmins:  true,
	}
	if err := st.PutBranchProtection(ctx, stored); err != nil {
		t.Fatalf("PutBranchProtection failed: %v", err)
	}

	if err := seedProtection(ctx, st, "trunk"); err != nil {
		t.Fatalf("seedProtection failed: %v", err)
	}
	protection, err := st.GetBranchProtection(ctx)
	if err != nil {
		t.Fatalf("GetBranchProtection failed: %v", err)
	}
	if protection.Mainline != "develop" || len(protection.RequiredChecks) != 2 {
		t.Fatalf("stored protection must win over MAINLINE_BRANCH: %+v", protection)
	}
}

func TestNewStorageUnknownDriver(t *testing.T) {
	if _, _, err := newStorage(config.Config{StorageDriver: "etcd"}, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
