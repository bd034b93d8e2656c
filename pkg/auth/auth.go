package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/coord"
	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/types"
)

// Claims is the payload carried by issued bearer tokens. The key id binds
// the token to its revocable record in the coordination store; a token
// whose record is gone is dead no matter how far its exp lies.
type Claims struct {
	APIKeyID    string `json:"api_key_id"`
	UserID      string `json:"user_id,omitempty"`
	Description string `json:"description,omitempty"`
	TokenType   string `json:"type"`
	jwt.RegisteredClaims
}

// Manager issues and verifies bearer tokens and manages the API key
// records behind them
type Manager struct {
	cfg    *config.Config
	coord  *coord.Coord
	logger zerolog.Logger
}

// New creates an auth manager backed by the coordination store
func New(cfg *config.Config, c *coord.Coord) *Manager {
	return &Manager{
		cfg:    cfg,
		coord:  c,
		logger: log.WithComponent("auth"),
	}
}

// Enabled reports whether bearer authentication is enforced
func (m *Manager) Enabled() bool {
	return m.cfg.EnableJWTAuth
}

// CanIssueKeys reports whether key issuance is configured
func (m *Manager) CanIssueKeys() bool {
	return m.cfg.APIKeyIssuePassword != ""
}

// Status describes the auth configuration for the status endpoint
type Status struct {
	JWTEnabled      bool   `json:"jwt_enabled"`
	IssuanceEnabled bool   `json:"api_key_issuance_enabled"`
	Algorithm       string `json:"algorithm"`
	ExpirationDays  int    `json:"expiration_days"`
}

// Status returns the current auth configuration
func (m *Manager) Status() Status {
	return Status{
		JWTEnabled:      m.Enabled(),
		IssuanceEnabled: m.CanIssueKeys(),
		Algorithm:       m.cfg.JWTAlgorithm,
		ExpirationDays:  m.cfg.JWTExpirationDays,
	}
}

// keyTTL is the record lifetime: token expiry plus a one-day buffer so
// a record outlives every token that references it.
func (m *Manager) keyTTL() time.Duration {
	return time.Duration(m.cfg.JWTExpirationDays+1) * 24 * time.Hour
}

func (m *Manager) signingMethod() jwt.SigningMethod {
	switch m.cfg.JWTAlgorithm {
	case "HS384":
		return jwt.SigningMethodHS384
	case "HS512":
		return jwt.SigningMethodHS512
	default:
		return jwt.SigningMethodHS256
	}
}

// CreateToken signs a bearer token bound to the given key id
func (m *Manager) CreateToken(keyID, userID, description string) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		APIKeyID:    keyID,
		UserID:      userID,
		Description: description,
		TokenType:   "api_key",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.AddDate(0, 0, m.cfg.JWTExpirationDays)),
		},
	}

	token, err := jwt.NewWithClaims(m.signingMethod(), claims).SignedString([]byte(m.cfg.SecretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token for key %s: %w", shortID(keyID), err)
	}
	return token, nil
}

// VerifyToken validates a bearer token: signature and expiry first, then
// the key record in the coordination store. A missing record means the
// key was revoked or expired; an inactive record rejects the same way.
// Successful verification stamps the record's last-used time.
func (m *Manager) VerifyToken(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.cfg.SecretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			m.logger.Warn().Msg("Token has expired")
			return nil, errdefs.New(errdefs.KindAuth, errdefs.CodeTokenExpired, "token has expired")
		}
		m.logger.Warn().Err(err).Msg("Invalid token")
		return nil, errdefs.Wrap(err, errdefs.KindAuth, errdefs.CodeInvalidToken, "invalid authentication token")
	}
	if !token.Valid || claims.APIKeyID == "" {
		return nil, errdefs.New(errdefs.KindAuth, errdefs.CodeInvalidToken, "invalid token structure")
	}

	var rec types.APIKeyRecord
	if err := m.coord.GetJSON(ctx, coord.APIKeyKey(claims.APIKeyID), &rec); err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			m.logger.Warn().Str("key_id", shortID(claims.APIKeyID)).Msg("API key not found or revoked")
			return nil, errdefs.New(errdefs.KindAuth, errdefs.CodeInvalidToken, "API key not found or revoked")
		}
		return nil, errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeCoordUnavailable, "failed to verify API key")
	}
	if !rec.Active {
		m.logger.Warn().Str("key_id", shortID(claims.APIKeyID)).Msg("API key is inactive")
		return nil, errdefs.New(errdefs.KindAuth, errdefs.CodeInvalidToken, "API key is inactive")
	}

	// Usage stamping is best effort; a failed write never blocks the request
	now := time.Now().UTC()
	rec.LastUsed = &now
	if err := m.coord.SetJSON(ctx, coord.APIKeyKey(claims.APIKeyID), rec, m.keyTTL()); err != nil {
		m.logger.Debug().Err(err).Str("key_id", shortID(claims.APIKeyID)).Msg("Failed to record API key usage")
	}

	return claims, nil
}

// IssueKey mints a new API key after password verification. The returned
// record carries the signed token; this is the only time the token is
// exposed.
func (m *Manager) IssueKey(ctx context.Context, password, userID, description string) (*types.APIKeyRecord, error) {
	if !m.Enabled() {
		return nil, errdefs.New(errdefs.KindAuth, errdefs.CodeAuthDisabled, "JWT authentication is disabled")
	}
	if !m.CanIssueKeys() {
		return nil, errdefs.New(errdefs.KindAuth, errdefs.CodeIssuanceDisabled,
			"API key issuance is disabled. Set API_KEY_ISSUE_PASSWORD in environment.")
	}
	if password != m.cfg.APIKeyIssuePassword {
		m.logger.Warn().Msg("Failed API key issuance attempt with wrong password")
		return nil, errdefs.New(errdefs.KindAuth, errdefs.CodeInvalidPassword, "invalid password")
	}

	keyID, err := newKeyID()
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = "anonymous"
	}
	if description == "" {
		description = "API Key"
	}

	token, err := m.CreateToken(keyID, userID, description)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, errdefs.CodeInternal, "failed to create authentication token")
	}

	rec := &types.APIKeyRecord{
		KeyID:       keyID,
		Token:       token,
		UserID:      userID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		Active:      true,
	}
	if err := m.coord.SetJSON(ctx, coord.APIKeyKey(keyID), rec, m.keyTTL()); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeCoordUnavailable, "failed to store API key")
	}

	m.logger.Info().
		Str("key_id", shortID(keyID)).
		Str("user_id", userID).
		Str("description", description).
		Msg("API key issued")

	return rec, nil
}

// RevokeKey deletes a key record, invalidating every token bound to it
func (m *Manager) RevokeKey(ctx context.Context, keyID string) error {
	var rec types.APIKeyRecord
	if err := m.coord.GetJSON(ctx, coord.APIKeyKey(keyID), &rec); err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return errdefs.New(errdefs.KindNotFound, errdefs.CodeNotFound, "API key not found")
		}
		return errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeCoordUnavailable, "failed to load API key")
	}
	if err := m.coord.Delete(ctx, coord.APIKeyKey(keyID)); err != nil {
		return errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeCoordUnavailable, "failed to revoke API key")
	}
	m.logger.Info().Str("key_id", shortID(keyID)).Msg("API key revoked")
	return nil
}

// ListKeys returns every key record, newest first, tokens redacted.
// A non-empty userID filters to that subject.
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]types.APIKeyRecord, error) {
	keys, err := m.coord.ScanKeys(ctx, coord.APIKeyKey("*"))
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeCoordUnavailable, "failed to list API keys")
	}

	records := make([]types.APIKeyRecord, 0, len(keys))
	for _, key := range keys {
		var rec types.APIKeyRecord
		if err := m.coord.GetJSON(ctx, key, &rec); err != nil {
			// Records expire between scan and fetch
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		rec.Token = ""
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// UpdateKey patches a key record's description and/or active flag.
// Nil fields are left untouched.
func (m *Manager) UpdateKey(ctx context.Context, keyID string, description *string, active *bool) error {
	var rec types.APIKeyRecord
	if err := m.coord.GetJSON(ctx, coord.APIKeyKey(keyID), &rec); err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return errdefs.New(errdefs.KindNotFound, errdefs.CodeNotFound, "API key not found")
		}
		return errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeCoordUnavailable, "failed to load API key")
	}

	if description != nil {
		rec.Description = *description
	}
	if active != nil {
		rec.Active = *active
	}
	now := time.Now().UTC()
	rec.UpdatedAt = &now

	if err := m.coord.SetJSON(ctx, coord.APIKeyKey(keyID), rec, m.keyTTL()); err != nil {
		return errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeCoordUnavailable, "failed to update API key")
	}
	m.logger.Info().Str("key_id", shortID(keyID)).Msg("API key updated")
	return nil
}

// ParseBearer extracts the token from an Authorization header value
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", errdefs.New(errdefs.KindAuth, errdefs.CodeInvalidToken, "missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errdefs.New(errdefs.KindAuth, errdefs.CodeInvalidToken,
			"invalid authorization header format, expected: Bearer <token>")
	}
	return parts[1], nil
}

// newKeyID generates a random key id
func newKeyID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate key id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// shortID truncates a key id for logging
func shortID(keyID string) string {
	if len(keyID) > 20 {
		return keyID[:20] + "..."
	}
	return keyID
}
