package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"libattend/internal/store"
)

var (
	// ErrInvalidCredentials covers unknown usernames and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAdminExists is returned when the username or email is taken.
	ErrAdminExists = errors.New("admin already exists")
	// ErrInvalidToken is returned by Refresh for anything but a valid refresh token.
	ErrInvalidToken = errors.New("invalid token")
)

// Admin is an administrator account without its password hash.
type Admin struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAdmin is the input to CreateAdmin.
type NewAdmin struct {
	Username string
	Password string
	Name     string
	Email    string
}

// TokenConfig controls issued tokens.
type TokenConfig struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Service verifies admin credentials and issues tokens.
type Service struct {
	m      *store.Manager
	tokens TokenConfig
	cost   int
	log    zerolog.Logger
}

// NewService creates an admin auth service.
func NewService(m *store.Manager, tokens TokenConfig, log zerolog.Logger) *Service {
	return &Service{m: m, tokens: tokens, cost: bcrypt.DefaultCost, log: log.With().Str("component", "auth").Logger()}
}

// dummyHash keeps the response time of unknown usernames close to that of wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("library-attendance"), bcrypt.MinCost)

// Login checks username and password and returns a fresh token pair.
func (s *Service) Login(ctx context.Context, username, password string) (Admin, TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Admin{}, TokenPair{}, ErrInvalidCredentials
	}
	lease, err := s.m.AcquirePooled(ctx)
	if err != nil {
		return Admin{}, TokenPair{}, err
	}
	var (
		a    Admin
		hash string
	)
	err = lease.QueryRowContext(ctx, `
		SELECT id, username, password_hash, name, email, created_at
		FROM admins WHERE username = $1
	`, username).Scan(&a.ID, &a.Username, &hash, &a.Name, &a.Email, &a.CreatedAt)
	lease.Release()
	if errors.Is(err, sql.ErrNoRows) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		s.log.Warn().Str("username", username).Msg("login for unknown admin")
		return Admin{}, TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return Admin{}, TokenPair{}, fmt.Errorf("lookup admin: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		s.log.Warn().Str("username", username).Msg("login with wrong password")
		return Admin{}, TokenPair{}, ErrInvalidCredentials
	}

	pair, err := Issue(a.Username, RoleAdmin, s.tokens.Issuer, s.tokens.SigningKey, s.tokens.AccessTTL, s.tokens.RefreshTTL)
	if err != nil {
		return Admin{}, TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	s.log.Info().Str("username", a.Username).Msg("admin logged in")
	return a, pair, nil
}

// Refresh exchanges a refresh token for a new pair.
func (s *Service) Refresh(refreshToken string) (TokenPair, error) {
	claims, err := Parse(refreshToken, s.tokens.SigningKey, s.tokens.Issuer)
	if err != nil || claims.Type != TokenRefresh {
		return TokenPair{}, ErrInvalidToken
	}
	return Issue(claims.Subject, claims.Role, s.tokens.Issuer, s.tokens.SigningKey, s.tokens.AccessTTL, s.tokens.RefreshTTL)
}

// CreateAdmin stores a new administrator with a bcrypt password hash.
func (s *Service) CreateAdmin(ctx context.Context, in NewAdmin) (Admin, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if in.Username == "" || in.Email == "" || in.Name == "" || len(in.Password) < 8 {
		return Admin{}, fmt.Errorf("admin requires username, name, email and a password of at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return Admin{}, fmt.Errorf("hash password: %w", err)
	}

	a := Admin{Username: in.Username, Name: in.Name, Email: in.Email, CreatedAt: time.Now().UTC().Truncate(time.Microsecond)}
	err = s.m.WithTransaction(ctx, func(ctx context.Context, q store.Querier) error {
		err := q.QueryRowContext(ctx, `
			INSERT INTO admins (username, password_hash, name, email, created_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, a.Username, string(hash), a.Name, a.Email, a.CreatedAt).Scan(&a.ID)
		if err != nil && s.m.Dialect().IsUniqueViolation(err) {
			return ErrAdminExists
		}
		return err
	})
	if err != nil {
		return Admin{}, fmt.Errorf("create admin %s: %w", a.Username, err)
	}
	s.log.Info().Str("username", a.Username).Msg("admin created")
	return a, nil
}
