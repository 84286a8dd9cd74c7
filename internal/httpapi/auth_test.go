package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
	listErr error
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func newStubManager(t *testing.T, users *userStoreStub) *AuthManager {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return NewAuthManager("test-secret", time.Hour, users, logger)
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				AccountID: "shop-1",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := newStubManager(t, users)
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.AccountID != "shop-1" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	stored, _ := users.ListUsers(context.Background())
	if len(stored) != 1 {
		t.Fatalf("expected 1 user, got %d", len(stored))
	}
	if !strings.HasPrefix(stored[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored[0].Password)
	}
	if users.updates == 0 {
		t.Fatalf("expected upgraded hash to be written back")
	}
}

func TestTokenCarriesAccount(t *testing.T) {
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"kasir": {Username: "kasir", Password: "secret12", Role: domain.RoleCashier, AccountID: "shop-7", Active: true},
		},
	}
	manager := newStubManager(t, users)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Kasir ", Password: "secret12"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "kasir" || actor.Role != domain.RoleCashier || actor.AccountID != "shop-7" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("another-secret", time.Hour, nil, nil)
	if _, err := other.ParseToken(resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}
}

func TestLoginRejectsInactiveAndWrongPassword(t *testing.T) {
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"old": {Username: "old", Password: "secret12", Role: domain.RoleCashier, AccountID: "shop-1", Active: false},
		},
	}
	manager := newStubManager(t, users)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "old", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "old", Password: "secret12"}); !errors.Is(err, ErrInactiveAccount) {
		t.Fatalf("expected inactive account, got %v", err)
	}
}

func TestLoginFallsBackToCachedCredentials(t *testing.T) {
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {Username: "admin", Password: "admin123", Role: domain.RoleAdmin, AccountID: "shop-1", Active: true},
		},
	}
	manager := newStubManager(t, users)

	users.listErr = errors.New("connection refused")
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("expected cached credentials to be used, got %v", err)
	}
}

func TestCreateCashierStoresPasswordHash(t *testing.T) {
	users := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := newStubManager(t, users)

	cashier, err := manager.CreateCashier(context.Background(), "shop-1", domain.CashierCreateRequest{
		Username: "NewCashier",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if cashier.Username != "newcashier" || cashier.AccountID != "shop-1" {
		t.Fatalf("unexpected cashier %+v", cashier)
	}

	saved := users.users["newcashier"]
	if !strings.HasPrefix(saved.Password, "$2") || saved.AccountID != "shop-1" {
		t.Fatalf("expected hashed password scoped to shop-1, got %+v", saved)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "newcashier", Password: "pass1234"}); err != nil {
		t.Fatalf("login with created cashier failed: %v", err)
	}
	if got := manager.ListCashiers(context.Background(), "shop-1"); len(got) != 1 {
		t.Fatalf("expected one cashier in shop-1, got %d", len(got))
	}
	if got := manager.ListCashiers(context.Background(), "shop-2"); len(got) != 0 {
		t.Fatalf("expected no cashiers in shop-2, got %d", len(got))
	}

	if _, err := manager.CreateCashier(context.Background(), "shop-1", domain.CashierCreateRequest{Username: "newcashier", Password: "pass1234"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected duplicate username to be a validation error, got %v", err)
	}
	if _, err := manager.CreateCashier(context.Background(), "shop-1", domain.CashierCreateRequest{Username: "abc", Password: "pass1234"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected short username to be a validation error, got %v", err)
	}
}
