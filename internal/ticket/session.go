package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fedgate/fedgate/internal/common/database"
	apperrors "github.com/fedgate/fedgate/internal/common/errors"
)

// SessionCookieName is the login session cookie set by the authentication
// frontend after a successful login
const SessionCookieName = "fedgate_session"

// Principal is the authenticated subject a profile request runs as
type Principal struct {
	ID           string              `json:"id"`
	Username     string              `json:"username"`
	Email        string              `json:"email"`
	DisplayName  string              `json:"display_name,omitempty"`
	Attributes   map[string][]string `json:"attributes,omitempty"`
	SessionIndex string              `json:"session_index"`
	AuthnInstant time.Time           `json:"authn_instant"`
}

// SessionValidator resolves the authenticated principal behind an inbound
// request, or reports that no valid session exists
type SessionValidator interface {
	Authenticate(ctx context.Context, req *http.Request) (*Principal, error)
}

type sessionClaims struct {
	Username     string `json:"username"`
	SessionIndex string `json:"sid"`
	jwt.RegisteredClaims
}

// JWTSessionValidator validates the session token minted by the login
// frontend and loads the subject's released attributes from the user store
type JWTSessionValidator struct {
	secret []byte
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewJWTSessionValidator creates a session validator
func NewJWTSessionValidator(secret string, db *database.PostgresDB, logger *zap.Logger) *JWTSessionValidator {
	return &JWTSessionValidator{
		secret: []byte(secret),
		db:     db,
		logger: logger.With(zap.String("component", "session_validator")),
	}
}

// Authenticate extracts and validates the session token from the cookie or
// the Authorization header, then loads the principal's attributes
func (v *JWTSessionValidator) Authenticate(ctx context.Context, req *http.Request) (*Principal, error) {
	tokenString := sessionToken(req)
	if tokenString == "" {
		return nil, apperrors.Unauthorized("no active session")
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		v.logger.Debug("Session token rejected", zap.Error(err))
		return nil, apperrors.Unauthorized("invalid session")
	}

	principal, err := v.loadPrincipal(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	principal.SessionIndex = claims.SessionIndex
	if claims.IssuedAt != nil {
		principal.AuthnInstant = claims.IssuedAt.Time
	}
	return principal, nil
}

func (v *JWTSessionValidator) loadPrincipal(ctx context.Context, userID string) (*Principal, error) {
	var p Principal
	var displayName *string
	var attrJSON []byte

	err := v.db.Pool.QueryRow(ctx, `
		SELECT id, username, email, display_name, attributes
		FROM users WHERE id = $1 AND active = true
	`, userID).Scan(&p.ID, &p.Username, &p.Email, &displayName, &attrJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Unauthorized("session subject no longer exists")
		}
		return nil, apperrors.Internal("failed to load user", err)
	}

	if displayName != nil {
		p.DisplayName = *displayName
	}
	if len(attrJSON) > 0 {
		if err := json.Unmarshal(attrJSON, &p.Attributes); err != nil {
			v.logger.Warn("Unparseable user attributes", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return &p, nil
}

// PasswordValidator checks direct credentials for back-channel profiles
// that carry HTTP Basic authentication instead of a browser session
type PasswordValidator struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewPasswordValidator creates a password validator
func NewPasswordValidator(db *database.PostgresDB, logger *zap.Logger) *PasswordValidator {
	return &PasswordValidator{
		db:     db,
		logger: logger.With(zap.String("component", "password_validator")),
	}
}

// AuthenticateBasic verifies username and password against the user store
func (v *PasswordValidator) AuthenticateBasic(ctx context.Context, username, password string) (*Principal, error) {
	var p Principal
	var displayName *string
	var attrJSON []byte
	var passwordHash string

	err := v.db.Pool.QueryRow(ctx, `
		SELECT id, username, email, display_name, attributes, password_hash
		FROM users WHERE username = $1 AND active = true
	`, username).Scan(&p.ID, &p.Username, &p.Email, &displayName, &attrJSON, &passwordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Unauthorized("invalid credentials")
		}
		return nil, apperrors.Internal("failed to load user", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) != nil {
		v.logger.Warn("Password verification failed", zap.String("username", username))
		return nil, apperrors.Unauthorized("invalid credentials")
	}

	if displayName != nil {
		p.DisplayName = *displayName
	}
	if len(attrJSON) > 0 {
		if err := json.Unmarshal(attrJSON, &p.Attributes); err != nil {
			v.logger.Warn("Unparseable user attributes", zap.String("username", username), zap.Error(err))
		}
	}
	p.AuthnInstant = time.Now()
	return &p, nil
}

// EnsureUsersTable creates the users table if it doesn't exist
func EnsureUsersTable(ctx context.Context, db *database.PostgresDB) error {
	query := `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			username VARCHAR(255) UNIQUE NOT NULL,
			email VARCHAR(255) NOT NULL,
			display_name VARCHAR(255),
			password_hash VARCHAR(255) NOT NULL,
			attributes JSONB NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
	`

	_, err := db.Pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

func sessionToken(req *http.Request) string {
	if cookie, err := req.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	auth := req.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
