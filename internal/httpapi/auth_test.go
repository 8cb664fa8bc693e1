package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"khatpos/internal/domain"
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
	s.users[user.Username] = user
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

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func newStubManager(t *testing.T, store *userStoreStub) *AuthManager {
	t.Helper()
	manager, err := NewAuthManager(context.Background(), "test-secret-key-that-is-long-enough", time.Hour, store)
	require.NoError(t, err)
	return manager
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := newStubManager(t, store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	require.NoError(t, err)

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NotEqual(t, "admin123", users[0].Password)
	assert.True(t, strings.HasPrefix(users[0].Password, "$2"), "expected bcrypt hash, got %s", users[0].Password)
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  mustHashPassword(t, "admin123"),
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
	ctx := context.Background()

	manager := newStubManager(t, store)
	account, err := manager.CreateUser(ctx, domain.UserCreateRequest{
		Username: "Terminal-02",
		Password: "pass12345",
	})
	require.NoError(t, err)
	assert.Equal(t, "terminal-02", account.Username)
	assert.Equal(t, domain.RoleTerminal, account.Role)
	assert.Empty(t, account.Password)

	stored := store.users["terminal-02"]
	assert.NotEqual(t, "pass12345", stored.Password)
	assert.True(t, strings.HasPrefix(stored.Password, "$2"))

	resp, err := manager.Login(ctx, domain.LoginRequest{
		Username: "terminal-02",
		Password: "pass12345",
	})
	require.NoError(t, err)

	actor, err := manager.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "terminal-02", actor.Username)
	assert.Equal(t, domain.RoleTerminal, actor.Role)

	_, err = manager.CreateUser(ctx, domain.UserCreateRequest{Username: "terminal-02", Password: "pass12345"})
	assert.Error(t, err, "duplicate username")
	_, err = manager.CreateUser(ctx, domain.UserCreateRequest{Username: "owner-1", Password: "pass12345", Role: domain.RoleOwner})
	assert.Error(t, err, "staff roles are not server accounts")
}

func TestLoginPicksUpUsersAddedElsewhere(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := newStubManager(t, store)

	require.NoError(t, store.CreateUser(context.Background(), domain.UserAccount{
		Username: "terminal-09",
		Password: mustHashPassword(t, "late-comer-pass"),
		Role:     domain.RoleTerminal,
		Active:   true,
	}))

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "terminal-09", Password: "late-comer-pass"})
	assert.NoError(t, err)
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"terminal-03": {Username: "terminal-03", Password: mustHashPassword(t, "retired-pass"), Role: domain.RoleTerminal, Active: false},
	}}
	manager := newStubManager(t, store)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "terminal-03", Password: "retired-pass"})
	assert.Error(t, err)
	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "terminal-03", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthManagerRequiresSecret(t *testing.T) {
	_, err := NewAuthManager(context.Background(), " ", time.Hour, nil)
	assert.Error(t, err)
}
