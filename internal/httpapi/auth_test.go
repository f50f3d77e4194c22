package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"jimas/backend/internal/domain"
	"jimas/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Email] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, email string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[email]
	user.Password = password
	s.users[email] = user
	s.updates++
	return nil
}

func legacyAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"owner@jimas.local": {
				Email:     "owner@jimas.local",
				Name:      "Owner",
				Password:  "owner-pass",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := legacyAdminStore()

	manager := NewAuthManager("test-secret", time.Hour, users, nil)
	resp, err := manager.Login(context.Background(), domain.LoginRequest{
		Email:    "Owner@Jimas.local",
		Password: "owner-pass",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleAdmin || resp.Name != "Owner" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	stored := users.users["owner@jimas.local"]
	if stored.Password == "owner-pass" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(stored.Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored.Password)
	}
	if users.updates != 1 {
		t.Fatalf("expected one password upgrade, got %d", users.updates)
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, legacyAdminStore(), nil)
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Email: "owner@jimas.local", Password: "owner-pass"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := manager.ParseToken(resp.Token)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Email != "owner@jimas.local" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("another-secret", time.Hour, nil, nil)
	if _, err := other.ParseToken(resp.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, legacyAdminStore(), nil)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Email: "owner@jimas.local", Password: "nope"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	users := legacyAdminStore()

	manager := NewAuthManager("test-secret", time.Hour, users, nil)
	user, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Name:       "Ikeja Desk",
		Email:      "ikeja@jimas.local",
		Password:   "desk-pass-1",
		BranchName: "Ikeja Branch",
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Role != domain.RoleSales {
		t.Fatalf("expected default sales role, got %s", user.Role)
	}

	found, ok := users.users["ikeja@jimas.local"]
	if !ok {
		t.Fatalf("expected user to be saved")
	}
	if found.Password == "desk-pass-1" || !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash, got %s", found.Password)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Email: "ikeja@jimas.local", Password: "desk-pass-1"}); err != nil {
		t.Fatalf("login with new user failed: %v", err)
	}

	_, err = manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Name:     "Again",
		Email:    "ikeja@jimas.local",
		Password: "desk-pass-2",
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for duplicate email, got %v", err)
	}
}

func TestCreateUserValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{}, nil)

	cases := []domain.UserCreateRequest{
		{Name: "x", Email: "not-an-email", Password: "long-enough"},
		{Name: "x", Email: "a@b.c", Password: "short"},
		{Name: "", Email: "a@b.c", Password: "long-enough"},
		{Name: "x", Email: "a@b.c", Password: "long-enough", Role: "manager"},
	}
	for _, req := range cases {
		if _, err := manager.CreateUser(context.Background(), req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
}
