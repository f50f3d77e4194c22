package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"jimas/backend/internal/config"
	"jimas/backend/internal/domain"
)

type userStoreStub struct {
	users []domain.UserAccount
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.users = append(s.users, user)
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	return s.users, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, _ string, _ string) error {
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSeedAdminCreatesFirstAdminWithHash(t *testing.T) {
	users := &userStoreStub{}
	cfg := config.Config{SeedAdminEmail: "Owner@Jimas.local", SeedAdminPassword: "first-admin-pass"}

	if err := seedAdmin(context.Background(), users, cfg, discardLogger()); err != nil {
		t.Fatalf("seed admin failed: %v", err)
	}
	if len(users.users) != 1 {
		t.Fatalf("expected one seeded user, got %d", len(users.users))
	}
	seeded := users.users[0]
	if seeded.Email != "owner@jimas.local" || seeded.Role != domain.RoleAdmin {
		t.Fatalf("unexpected seeded user %+v", seeded)
	}
	if !strings.HasPrefix(seeded.Password, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", seeded.Password)
	}
}

func TestSeedAdminLeavesExistingUsersAlone(t *testing.T) {
	users := &userStoreStub{users: []domain.UserAccount{{Email: "sales@jimas.local", Role: domain.RoleSales}}}
	cfg := config.Config{SeedAdminEmail: "admin@jimas.local", SeedAdminPassword: "first-admin-pass"}

	if err := seedAdmin(context.Background(), users, cfg, discardLogger()); err != nil {
		t.Fatalf("seed admin failed: %v", err)
	}
	if len(users.users) != 1 {
		t.Fatalf("expected no new users, got %d", len(users.users))
	}
}

func TestSeedAdminRejectsShortPassword(t *testing.T) {
	cfg := config.Config{SeedAdminEmail: "admin@jimas.local", SeedAdminPassword: "short"}
	if err := seedAdmin(context.Background(), &userStoreStub{}, cfg, discardLogger()); err == nil {
		t.Fatalf("expected short seed password to be rejected")
	}
}

func TestSeedAdminWithoutPasswordIsNoop(t *testing.T) {
	users := &userStoreStub{}
	if err := seedAdmin(context.Background(), users, config.Config{SeedAdminEmail: "admin@jimas.local"}, discardLogger()); err != nil {
		t.Fatalf("expected no error without seed password, got %v", err)
	}
	if len(users.users) != 0 {
		t.Fatalf("expected no users created")
	}
}
