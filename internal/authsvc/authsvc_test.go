package authsvc

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/llmlb/llmlb/internal/config"
	"github.com/llmlb/llmlb/internal/domain"
	"github.com/llmlb/llmlb/internal/domain/user"
)

type fakeStore struct {
	mu      sync.Mutex
	users   map[string]*user.User
	byName  map[string]string // username -> id
	keys    map[string]*user.APIKey
	lastLog map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]*user.User),
		byName:  make(map[string]string),
		keys:    make(map[string]*user.APIKey),
		lastLog: make(map[string]time.Time),
	}
}

func (s *fakeStore) CreateUser(_ context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[u.Username]; exists {
		return domain.ErrConflict
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byName[u.Username] = u.ID
	return nil
}

func (s *fakeStore) GetUser(_ context.Context, id string) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) GetUserByUsername(_ context.Context, username string) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *fakeStore) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, nil
}

func (s *fakeStore) UpdateUser(_ context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateUserLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLog[id] = at
	return nil
}

func (s *fakeStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(s.users, id)
	delete(s.byName, u.Username)
	return nil
}

func (s *fakeStore) CountUsers(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.users)), nil
}

func (s *fakeStore) CreateAPIKey(_ context.Context, key *user.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.KeyHash] = &cp
	return nil
}

func (s *fakeStore) GetAPIKeyByHash(_ context.Context, keyHash string) (*user.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *fakeStore) ListAPIKeys(_ context.Context) ([]user.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]user.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (s *fakeStore) ListAPIKeysByCreator(_ context.Context, createdBy string) ([]user.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []user.APIKey
	for _, k := range s.keys {
		if k.CreatedBy == createdBy {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteAPIKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, k := range s.keys {
		if k.ID == id {
			delete(s.keys, hash)
			return nil
		}
	}
	return domain.ErrNotFound
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Auth {
	t.Helper()
	return config.Auth{
		JWTSecretPath:      filepath.Join(t.TempDir(), "jwt.secret"),
		AccessTokenExpiry:  time.Hour,
		DefaultAdminUser:   "admin",
		APIKeyPrefixLength: 10,
	}
}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	svc, err := New(store, testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, store
}

func TestNew_BootstrapsAndPersistsJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()

	svc1, err := New(store, cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc2, err := New(store, cfg, testLogger())
	if err != nil {
		t.Fatalf("New (second): %v", err)
	}
	if string(svc1.secret) != string(svc2.secret) {
		t.Error("expected the same secret to be reloaded from disk, got different values")
	}
}

func TestBootstrapAdmin_CreatesAdminWhenNoUsersExist(t *testing.T) {
	svc, store := newTestService(t)

	if err := svc.BootstrapAdmin(context.Background()); err != nil {
		t.Fatalf("BootstrapAdmin: %v", err)
	}
	if len(store.users) != 1 {
		t.Fatalf("users = %d, want 1", len(store.users))
	}
	for _, u := range store.users {
		if u.Role != user.RoleAdmin {
			t.Errorf("role = %q, want admin", u.Role)
		}
		if !u.MustChangePassword {
			t.Error("expected generated-password admin to require a password change")
		}
	}
}

func TestBootstrapAdmin_NoOpWhenUsersExist(t *testing.T) {
	svc, store := newTestService(t)
	store.users["existing"] = &user.User{ID: "existing", Username: "someone", Role: user.RoleViewer}
	store.byName["someone"] = "existing"

	if err := svc.BootstrapAdmin(context.Background()); err != nil {
		t.Fatalf("BootstrapAdmin: %v", err)
	}
	if len(store.users) != 1 {
		t.Errorf("users = %d, want 1 (no admin created)", len(store.users))
	}
}

func TestRegisterLogin_RoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	u, err := svc.Register(context.Background(), user.CreateRequest{
		Username: "alice", Password: "Str0ngPassw0rd", Role: user.RoleViewer,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.PasswordHash == "" || u.PasswordHash == "Str0ngPassw0rd" {
		t.Fatal("expected password to be hashed")
	}

	resp, err := svc.Login(context.Background(), user.LoginRequest{Username: "alice", Password: "Str0ngPassw0rd"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected a non-empty access token")
	}

	claims, err := svc.ValidateAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.UserID != u.ID || claims.Role != user.RoleViewer {
		t.Errorf("claims = %+v, want userID=%s role=viewer", claims, u.ID)
	}
}

func TestLogin_WrongPasswordRejected(t *testing.T) {
	svc, _ := newTestService(t)
	_, _ = svc.Register(context.Background(), user.CreateRequest{
		Username: "bob", Password: "Str0ngPassw0rd", Role: user.RoleViewer,
	})

	if _, err := svc.Login(context.Background(), user.LoginRequest{Username: "bob", Password: "wrong-password"}); err == nil {
		t.Fatal("expected login with wrong password to fail")
	}
}

func TestValidateAccessToken_RejectsMalformedToken(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.ValidateAccessToken("not-a-jwt"); err == nil {
		t.Fatal("expected malformed token to be rejected")
	}
}

func TestValidateAccessToken_RejectsExpiredToken(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig(t)
	cfg.AccessTokenExpiry = time.Hour
	svc, err := New(store, cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	u, _ := svc.Register(context.Background(), user.CreateRequest{Username: "carol", Password: "Str0ngPassw0rd", Role: user.RoleViewer})
	token, _, err := svc.signAccessToken(u, svc.now())
	if err != nil {
		t.Fatalf("signAccessToken: %v", err)
	}

	svc.now = func() time.Time { return time.Unix(1_700_000_000, 0).Add(2 * time.Hour) }
	if _, err := svc.ValidateAccessToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestCreateAPIKey_FormatAndPlaintextOnlyReturnedOnce(t *testing.T) {
	svc, store := newTestService(t)

	resp, err := svc.CreateAPIKey(context.Background(), "admin-id", user.CreateAPIKeyRequest{
		Name: "ci-key", Scopes: []user.Scope{user.ScopeAPI},
	})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if len(resp.PlainKey) != len(apiKeyPlainPrefix)+apiKeyRandomLength {
		t.Errorf("plain key length = %d, want %d", len(resp.PlainKey), len(apiKeyPlainPrefix)+apiKeyRandomLength)
	}
	if resp.PlainKey[:3] != "sk_" {
		t.Errorf("plain key prefix = %q, want sk_", resp.PlainKey[:3])
	}
	if resp.APIKey.Prefix != resp.PlainKey[:user.APIKeyPrefixLen] {
		t.Error("stored prefix does not match plaintext prefix")
	}
	if len(store.keys) != 1 {
		t.Fatalf("stored keys = %d, want 1", len(store.keys))
	}
	for _, stored := range store.keys {
		if stored.KeyHash == resp.PlainKey {
			t.Fatal("plaintext key must never be stored directly")
		}
	}

	key, err := svc.ValidateAPIKey(context.Background(), resp.PlainKey)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if !key.HasScope(user.ScopeAPI) {
		t.Error("expected resolved key to carry ScopeAPI")
	}
}

func TestValidateAPIKey_RejectsExpiredKey(t *testing.T) {
	svc, _ := newTestService(t)
	svc.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	resp, err := svc.CreateAPIKey(context.Background(), "admin-id", user.CreateAPIKeyRequest{
		Name: "short-lived", Scopes: []user.Scope{user.ScopeAPI}, ExpiresIn: 60,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	svc.now = func() time.Time { return time.Unix(1_700_000_000, 0).Add(2 * time.Minute) }
	if _, err := svc.ValidateAPIKey(context.Background(), resp.PlainKey); err == nil {
		t.Fatal("expected expired api key to be rejected")
	}
}

func TestDeleteUser_RejectsLastAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	admin, err := svc.Register(context.Background(), user.CreateRequest{
		Username: "sole-admin", Password: "Str0ngPassw0rd", Role: user.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := svc.DeleteUser(context.Background(), admin.ID); err == nil {
		t.Fatal("expected deleting the last admin to be rejected")
	}
}

func TestDeleteUser_AllowsNonLastAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	first, _ := svc.Register(context.Background(), user.CreateRequest{Username: "admin-a", Password: "Str0ngPassw0rd", Role: user.RoleAdmin})
	_, _ = svc.Register(context.Background(), user.CreateRequest{Username: "admin-b", Password: "Str0ngPassw0rd", Role: user.RoleAdmin})

	if err := svc.DeleteUser(context.Background(), first.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
}

func TestVerifyCSRF_MatchingTokenAndOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/api/invitations", nil)
	req.Host = "example.com"
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set(csrfHeaderName, "tok-123")
	req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "tok-123"})

	if !VerifyCSRF(req) {
		t.Fatal("expected matching csrf token and origin to pass")
	}
}

func TestVerifyCSRF_RejectsMismatchedToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/api/invitations", nil)
	req.Host = "example.com"
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set(csrfHeaderName, "wrong-token")
	req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "tok-123"})

	if VerifyCSRF(req) {
		t.Fatal("expected mismatched csrf token to be rejected")
	}
}

func TestVerifyCSRF_RejectsMismatchedOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/api/invitations", nil)
	req.Host = "example.com"
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set(csrfHeaderName, "tok-123")
	req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "tok-123"})

	if VerifyCSRF(req) {
		t.Fatal("expected mismatched origin to be rejected")
	}
}
