// Package auth issues and verifies bearer tokens and manages user
// credentials. Passwords are hashed with bcrypt; tokens are HS256 JWTs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/livechat/internal/apperr"
	"github.com/Tyrowin/livechat/internal/store"
)

// TokenType is the token_type returned alongside access tokens.
const TokenType = "bearer"

// UserStore is the subset of the persistent store the auth service needs.
type UserStore interface {
	CreateUser(ctx context.Context, username, hashedPassword string) (store.User, error)
	UserByUsername(ctx context.Context, username string) (store.User, error)
	UpdatePassword(ctx context.Context, username, hashedPassword string) error
}

// Config controls token signing.
type Config struct {
	SecretKey []byte
	Algorithm string
	TokenTTL  time.Duration
	Issuer    string
}

type credentials struct {
	Username string `validate:"required,max=64"`
	Password string `validate:"required,min=8,max=72"`
}

// Service implements sign-up, login and token handling.
type Service struct {
	users    UserStore
	cfg      Config
	method   jwt.SigningMethod
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time
}

// NewService builds a Service. It fails when the configured algorithm is not
// an HMAC method or the secret is empty.
func NewService(users UserStore, cfg Config, log *slog.Logger) (*Service, error) {
	if len(cfg.SecretKey) == 0 {
		return nil, errors.New("auth: secret key is required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(cfg.Algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("auth: unsupported signing algorithm %q", cfg.Algorithm)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * time.Minute
	}
	return &Service{
		users:    users,
		cfg:      cfg,
		method:   method,
		validate: validator.New(),
		log:      log,
		now:      time.Now,
	}, nil
}

// SignUp registers a user.
func (s *Service) SignUp(ctx context.Context, username, password string) (store.User, error) {
	if err := s.validate.Struct(credentials{Username: username, Password: password}); err != nil {
		return store.User{}, apperr.Validation("username is required and password must be 8-72 characters", err)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return store.User{}, err
	}
	user, err := s.users.CreateUser(ctx, username, hash)
	if errors.Is(err, store.ErrUserExists) {
		s.log.Warn("Registration failed: username duplicate")
		return store.User{}, apperr.DuplicateUser(username, err)
	}
	if err != nil {
		return store.User{}, apperr.StoreUnavailable("sign up", err)
	}
	s.log.Info("User registered", "id", user.ID)
	return user, nil
}

// Authenticate checks username and password.
func (s *Service) Authenticate(ctx context.Context, username, password string) (store.User, error) {
	user, err := s.users.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrUserNotFound) {
		s.log.Warn("Authentication failed: user not found or bad credentials")
		return store.User{}, apperr.Authentication(username, err)
	}
	if err != nil {
		return store.User{}, apperr.StoreUnavailable("authenticate", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		s.log.Warn("Authentication failed: user not found or bad credentials")
		return store.User{}, apperr.Authentication(username, err)
	}
	return user, nil
}

// IssueToken returns a signed token for subject that expires after the
// configured TTL.
func (s *Service) IssueToken(subject string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.cfg.SecretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates token and returns its subject.
func (s *Service) VerifyToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, s.signingKey,
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", apperr.Authentication(claims.Subject, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", apperr.Authentication(claims.Subject, jwt.ErrTokenInvalidClaims)
	}
	return claims.Subject, nil
}

func (s *Service) signingKey(*jwt.Token) (any, error) {
	return s.cfg.SecretKey, nil
}

// Login authenticates the user and issues a token for them.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return "", err
	}
	return s.IssueToken(user.Username)
}

// ChangePassword replaces the password of username after checking the old
// one. A bad old password or unknown user yields ChangingPassword.
func (s *Service) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if err := s.validate.Struct(credentials{Username: username, Password: newPassword}); err != nil {
		return apperr.Validation("new password must be 8-72 characters", err)
	}
	if _, err := s.Authenticate(ctx, username, oldPassword); err != nil {
		if apperr.IsKind(err, apperr.KindAuthentication) {
			s.log.Warn("Password change failed: validation or user mismatch")
			return apperr.ChangingPassword(username, err)
		}
		return err
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, username, hash); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return apperr.ChangingPassword(username, err)
		}
		return apperr.StoreUnavailable("change password", err)
	}
	s.log.Info("Password changed", "username", username)
	return nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", apperr.Validation("password must be at most 72 bytes", err)
	}
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
