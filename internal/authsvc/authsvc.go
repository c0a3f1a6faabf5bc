// Package authsvc implements user accounts, JWT issuance/verification, and
// API-key hashing and lookup (C10). It satisfies middleware.AuthVerifier.
package authsvc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/llmlb/llmlb/internal/config"
	"github.com/llmlb/llmlb/internal/domain"
	"github.com/llmlb/llmlb/internal/domain/user"
)

// Store is the narrow persistence dependency the auth service needs.
type Store interface {
	CreateUser(ctx context.Context, u *user.User) error
	GetUser(ctx context.Context, id string) (*user.User, error)
	GetUserByUsername(ctx context.Context, username string) (*user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
	UpdateUser(ctx context.Context, u *user.User) error
	UpdateUserLastLogin(ctx context.Context, id string, at time.Time) error
	DeleteUser(ctx context.Context, id string) error
	CountUsers(ctx context.Context) (int64, error)

	CreateAPIKey(ctx context.Context, key *user.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*user.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]user.APIKey, error)
	ListAPIKeysByCreator(ctx context.Context, createdBy string) ([]user.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
}

// apiKeyPlainPrefix is prepended to every generated API key's random
// component (spec §4.9: "sk_ followed by 32 alphanumeric characters").
const apiKeyPlainPrefix = "sk_"

const apiKeyRandomLength = 32

// jwtIssuer names the service in the "iss" claim of issued tokens.
const jwtIssuer = "llmlb"

// Service implements C10: account management, JWT issuance/verification,
// and API-key creation/lookup.
type Service struct {
	store  Store
	cfg    config.Auth
	secret []byte
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New constructs a Service, bootstrapping the HS256 signing secret from
// cfg.JWTSecretPath on first run (spec §4.9: "a secret bootstrapped on first
// start and persisted in a JWT-secret file").
func New(store Store, cfg config.Auth, log *slog.Logger) (*Service, error) {
	secret, err := loadOrCreateSecret(cfg.JWTSecretPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt secret: %w", err)
	}
	if cfg.AccessTokenExpiry <= 0 {
		cfg.AccessTokenExpiry = 24 * time.Hour
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		secret: secret,
		log:    log,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}, nil
}

// loadOrCreateSecret reads the HS256 secret from path, generating and
// persisting a fresh 32-byte random secret if the file does not exist.
// Grounded on the teacher's writePasswordFile: create the parent directory
// with restrictive permissions, write the file 0600.
func loadOrCreateSecret(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("jwt secret path is empty")
	}
	if b, err := os.ReadFile(path); err == nil {
		if len(b) == 0 {
			return nil, fmt.Errorf("jwt secret file %s is empty", path)
		}
		return b, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	encoded := []byte(hex.EncodeToString(secret))

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("write secret file: %w", err)
	}
	return encoded, nil
}

// BootstrapAdmin creates the default admin account if no users exist yet.
// Grounded on the teacher's BootstrapAdmin: when DefaultAdminPass is unset,
// a random password is generated and persisted next to the JWT secret file
// so an operator can recover it, and the account is flagged
// must_change_password.
func (s *Service) BootstrapAdmin(ctx context.Context) error {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return nil
	}

	password := s.cfg.DefaultAdminPass
	mustChange := false
	if password == "" {
		generated, err := generateRandomPassword(24)
		if err != nil {
			return fmt.Errorf("generate initial password: %w", err)
		}
		password = generated
		mustChange = true
		path := filepath.Join(filepath.Dir(s.cfg.JWTSecretPath), "initial-admin-password.txt")
		if err := writeSecretFile(path, password); err != nil {
			return fmt.Errorf("write initial password file: %w", err)
		}
		s.log.Warn("authsvc: generated initial admin password", "file", path, "user", s.cfg.DefaultAdminUser)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u := &user.User{
		ID:                 s.newID(),
		Username:           s.cfg.DefaultAdminUser,
		PasswordHash:       string(hash),
		Role:               user.RoleAdmin,
		MustChangePassword: mustChange,
		CreatedAt:          s.now(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	s.log.Info("authsvc: bootstrapped admin user", "user", u.Username)
	return nil
}

// Register creates a new account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, req user.CreateRequest) (*user.User, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &user.User{
		ID:           s.newID(),
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         req.Role,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login verifies a username/password pair and issues an access token.
func (s *Service) Login(ctx context.Context, req user.LoginRequest) (*user.LoginResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}

	u, err := s.store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid credentials", domain.ErrAuthn)
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		return nil, fmt.Errorf("%w: invalid credentials", domain.ErrAuthn)
	}

	now := s.now()
	token, _, err := s.signAccessToken(u, now)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	if err := s.store.UpdateUserLastLogin(ctx, u.ID, now); err != nil {
		s.log.Error("authsvc: update last login", "user", u.ID, "error", err)
	}
	u.LastLoginAt = &now

	return &user.LoginResponse{
		AccessToken: token,
		ExpiresIn:   int(s.cfg.AccessTokenExpiry.Seconds()),
		User:        *u,
	}, nil
}

// ChangePassword verifies the current password and replaces it, clearing
// must_change_password.
func (s *Service) ChangePassword(ctx context.Context, userID string, req user.ChangePasswordRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.OldPassword)); err != nil {
		return fmt.Errorf("%w: current password incorrect", domain.ErrAuthn)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	u.MustChangePassword = false
	return s.store.UpdateUser(ctx, u)
}

// accessClaims is the JWT payload (spec §4.9: sub, role, exp,
// must_change_password).
type accessClaims struct {
	jwt.RegisteredClaims
	Role               user.Role `json:"role"`
	MustChangePassword bool      `json:"must_change_password,omitempty"`
}

func (s *Service) signAccessToken(u *user.User, now time.Time) (string, time.Time, error) {
	expiry := now.Add(s.cfg.AccessTokenExpiry)
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		Role:               u.Role,
		MustChangePassword: u.MustChangePassword,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	return signed, expiry, err
}

// ValidateAccessToken implements middleware.AuthVerifier: it rejects
// expired, malformed, or wrong-algorithm tokens.
func (s *Service) ValidateAccessToken(token string) (*user.Claims, error) {
	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithIssuer(jwtIssuer))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrAuthn)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing expiry", domain.ErrAuthn)
	}
	return &user.Claims{
		UserID:             claims.Subject,
		Role:               claims.Role,
		Expiry:             exp.Unix(),
		MustChangePassword: claims.MustChangePassword,
	}, nil
}

// CreateAPIKey generates a new plaintext key (sk_ + 32 alphanumeric
// characters), persists its SHA-256 hash and a 10-char prefix, and returns
// the plaintext exactly once (spec §4.9).
func (s *Service) CreateAPIKey(ctx context.Context, createdBy string, req user.CreateAPIKeyRequest) (*user.CreateAPIKeyResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}

	random, err := generateAlphanumeric(apiKeyRandomLength)
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	plain := apiKeyPlainPrefix + random

	var expiresAt *time.Time
	if req.ExpiresIn > 0 {
		t := s.now().Add(time.Duration(req.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	key := &user.APIKey{
		ID:        s.newID(),
		CreatedBy: createdBy,
		Name:      req.Name,
		Prefix:    plain[:user.APIKeyPrefixLen],
		KeyHash:   hashSHA256(plain),
		Scopes:    req.Scopes,
		ExpiresAt: expiresAt,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return &user.CreateAPIKeyResponse{APIKey: *key, PlainKey: plain}, nil
}

// ValidateAPIKey implements middleware.AuthVerifier: it looks the key up by
// hash and rejects keys past their expiry.
func (s *Service) ValidateAPIKey(ctx context.Context, plainKey string) (*user.APIKey, error) {
	key, err := s.store.GetAPIKeyByHash(ctx, hashSHA256(plainKey))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid api key", domain.ErrAuthn)
		}
		return nil, err
	}
	if key.Expired(s.now()) {
		return nil, fmt.Errorf("%w: api key expired", domain.ErrAuthn)
	}
	return key, nil
}

// DeleteAPIKey revokes an API key.
func (s *Service) DeleteAPIKey(ctx context.Context, id string) error {
	return s.store.DeleteAPIKey(ctx, id)
}

// DeleteUser removes a user account. Last-admin deletion is rejected (spec
// §6: "Last-admin deletion is rejected").
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if u.Role == user.RoleAdmin {
		users, err := s.store.ListUsers(ctx)
		if err != nil {
			return err
		}
		admins := 0
		for _, other := range users {
			if other.Role == user.RoleAdmin {
				admins++
			}
		}
		if admins <= 1 {
			return fmt.Errorf("%w: cannot delete the last admin user", domain.ErrConflict)
		}
	}
	return s.store.DeleteUser(ctx, id)
}

func hashSHA256(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

const alphanumericCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateAlphanumeric(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = alphanumericCharset[int(b[i])%len(alphanumericCharset)]
	}
	return string(b), nil
}

// generateRandomPassword produces a password guaranteed to contain at least
// one uppercase letter, one lowercase letter, and one digit (matching
// ValidatePasswordComplexity).
func generateRandomPassword(length int) (string, error) {
	b, err := generateAlphanumeric(length)
	if err != nil {
		return "", err
	}
	buf := []byte(b)
	buf[0] = 'A' + buf[0]%26
	buf[1] = 'a' + buf[1]%26
	buf[2] = '0' + buf[2]%10
	return string(buf), nil
}

func writeSecretFile(path, contents string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return os.WriteFile(path, []byte(contents+"\n"), 0o600)
}
