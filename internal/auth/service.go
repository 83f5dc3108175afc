package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"examonline/internal/cache"
	"examonline/internal/db"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidRole        = errors.New("invalid role")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidEmail       = errors.New("invalid email")
)

const (
	RoleAdmin   = "admin"
	RoleStudent = "student"
)

const profileTTL = 10 * time.Minute

type Service struct {
	db          *sql.DB
	tokens      *Tokens
	cache       cache.Cache
	invalidator *cache.Invalidator
	bcryptCost  int
	log         zerolog.Logger
}

type ServiceConfig struct {
	Tokens      *Tokens
	Cache       cache.Cache
	Invalidator *cache.Invalidator
	BcryptCost  int
	Logger      zerolog.Logger
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateUserInput struct {
	Username string
	Password string
	FullName string
	Email    string
	Role     string
}

type ProfileInput struct {
	FullName string
	Email    string
	Password string
}

type LoginResult struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        *User     `json:"user"`
}

func NewService(conn *sql.DB, cfg ServiceConfig) *Service {
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		db:          conn,
		tokens:      cfg.Tokens,
		cache:       cfg.Cache,
		invalidator: cfg.Invalidator,
		bcryptCost:  cfg.BcryptCost,
		log:         cfg.Logger.With().Str("component", "auth").Logger(),
	}
}

func (s *Service) Tokens() *Tokens { return s.tokens }

func (s *Service) AuthenticatePassword(ctx context.Context, username, password string) (*User, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, full_name, email, role, created_at, password_hash
		FROM users
		WHERE username = $1
	`, username)

	var (
		u            User
		createdAt    int64
		passwordHash string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.Role, &createdAt, &passwordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.CreatedAt = db.FromMillis(createdAt)

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &u, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	u, err := s.AuthenticatePassword(ctx, username, password)
	if err != nil {
		return nil, err
	}
	token, expires, err := s.tokens.Issue(u.ID, u.Role)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("user_id", u.ID).Str("role", u.Role).Msg("user logged in")
	return &LoginResult{AccessToken: token, ExpiresAt: expires, User: u}, nil
}

func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	username := normalizeUsername(in.Username)
	if username == "" {
		return nil, ErrInvalidCredentials
	}
	if !isValidRole(in.Role) {
		return nil, ErrInvalidRole
	}
	if len(in.Password) < 8 {
		return nil, ErrWeakPassword
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, ErrInvalidEmail
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	u := &User{
		ID:        uuid.NewString(),
		Username:  username,
		FullName:  strings.TrimSpace(in.FullName),
		Email:     email,
		Role:      in.Role,
		CreatedAt: now.Truncate(time.Millisecond),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, full_name, email, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, u.ID, u.Username, string(hash), u.FullName, u.Email, u.Role, db.Millis(now))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUser reads a profile through the cache; entries live under the
// user's prefix and are dropped on profile updates.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	if s.cache == nil {
		return s.loadUser(ctx, userID)
	}
	return cache.Fetch(ctx, s.cache, cache.UserProfileKey(userID), profileTTL, func(ctx context.Context) (*User, error) {
		return s.loadUser(ctx, userID)
	})
}

func (s *Service) loadUser(ctx context.Context, userID string) (*User, error) {
	var (
		u         User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, full_name, email, role, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.Role, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.CreatedAt = db.FromMillis(createdAt)
	return &u, nil
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*User, error) {
	current, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		fullName = current.FullName
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		email = current.Email
	} else if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}

	now := db.Millis(time.Now())
	if in.Password != "" {
		if len(in.Password) < 8 {
			return nil, ErrWeakPassword
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE users SET full_name = $2, email = $3, password_hash = $4, updated_at = $5 WHERE id = $1
		`, userID, fullName, email, string(hash), now)
		if err != nil {
			return nil, fmt.Errorf("update profile: %w", err)
		}
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE users SET full_name = $2, email = $3, updated_at = $4 WHERE id = $1
		`, userID, fullName, email, now)
		if err != nil {
			return nil, fmt.Errorf("update profile: %w", err)
		}
	}

	s.invalidator.User(ctx, userID)
	current.FullName = fullName
	current.Email = email
	return current, nil
}

// EnsureBootstrapAdmin creates the first administrator when the username
// is free. An existing account is left untouched.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, username, password string) error {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return nil
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE username = $1`, username).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check bootstrap admin: %w", err)
	}
	if exists > 0 {
		return nil
	}
	u, err := s.CreateUser(ctx, CreateUserInput{
		Username: username,
		Password: password,
		FullName: "Administrator",
		Role:     RoleAdmin,
	})
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return nil
		}
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	s.log.Info().Str("user_id", u.ID).Str("username", u.Username).Msg("bootstrap admin created")
	return nil
}

func isValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleStudent:
		return true
	default:
		return false
	}
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
