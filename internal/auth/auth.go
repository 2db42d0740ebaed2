// Package auth validates the credentials the control plane's HTTP surface
// accepts: account-scoped JWTs for interactive callers, run-scoped stream
// tokens for EventSource clients, and static API keys for
// machine-to-machine callers that initiate and stop runs without a login
// flow. Authorization itself happens upstream; this package only
// establishes which account a request acts for.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/forgehq/agentrun/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares one static API key and the account its runs belong
// to. An empty AccountID derives a stable synthetic account from the key
// itself, so key-only deployments still get a consistent owner on every
// project and run row.
type APIKeyConfig struct {
	Key       string
	AccountID string
	Name      string
}

// Service validates JWTs, stream tokens, and API keys. Its configuration
// is fixed at construction, so no locking is needed.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]*models.User
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{apiKeys: accountsByKey(cfg.APIKeys)}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues an access token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// GenerateStreamToken issues a token scoped to one run's stream endpoint.
func (s *Service) GenerateStreamToken(user *models.User, runID string, ttl time.Duration) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.GenerateStreamToken(user, runID, ttl)
}

// ValidateJWT validates an access token and returns the caller it
// identifies.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateStreamToken validates a ?token= query parameter for runID's
// stream, accepting either an access token or a run-scoped stream token.
func (s *Service) ValidateStreamToken(token, runID string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.ValidateStream(token, runID)
}

// ValidateAPIKey validates an API key and returns the account-scoped
// identity it maps to. Uses constant-time comparison so response timing
// cannot reveal valid keys.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	input := strings.TrimSpace(key)
	var matched *models.User
	for stored, user := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(input), []byte(stored)) == 1 {
			matched = user
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	return matched, nil
}

func accountsByKey(keys []APIKeyConfig) map[string]*models.User {
	out := make(map[string]*models.User, len(keys))
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		accountID := strings.TrimSpace(entry.AccountID)
		if accountID == "" {
			sum := sha256.Sum256([]byte(key))
			accountID = "acct_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &models.User{
			ID:        accountID,
			AccountID: accountID,
			Name:      strings.TrimSpace(entry.Name),
		}
	}
	return out
}
