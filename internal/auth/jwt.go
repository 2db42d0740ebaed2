package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forgehq/agentrun/pkg/models"
)

// ScopeStream marks a token usable only for streaming one run's response
// log. Browsers' EventSource API cannot send an Authorization header, so
// the stream endpoint accepts tokens as a ?token= query parameter; scoping
// them to a single run keeps a leaked stream URL from being replayed
// against the rest of the control plane.
const ScopeStream = "stream"

// Claims is the token payload: the subject identifies the caller and
// account_id names the account every control-plane operation is scoped to
// (projects, threads, and runs all carry it). scope and run_id narrow a
// token to one run's stream.
type Claims struct {
	AccountID string `json:"account_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies the account-scoped tokens above.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given secret and access-token
// expiry.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Generate issues an access token for user, embedding the account id the
// control plane scopes the caller's projects, threads, and runs to.
func (s *JWTService) Generate(user *models.User) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id required")
	}
	return s.sign(Claims{AccountID: user.Account()}, user.ID, s.expiry)
}

// GenerateStreamToken issues a token accepted only by the stream endpoint,
// and only for runID. ttl should be short; a streamer that reconnects after
// expiry asks the control plane for a fresh one.
func (s *JWTService) GenerateStreamToken(user *models.User, runID string, ttl time.Duration) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id required")
	}
	if strings.TrimSpace(runID) == "" {
		return "", errors.New("run id required")
	}
	return s.sign(Claims{AccountID: user.Account(), Scope: ScopeStream, RunID: runID}, user.ID, ttl)
}

func (s *JWTService) sign(claims Claims, subject string, ttl time.Duration) (string, error) {
	claims.Subject = subject
	claims.IssuedAt = jwt.NewNumericDate(time.Now())
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses an access token and returns the caller it identifies.
// Stream-scoped tokens are rejected here: they authorize exactly one run's
// stream, never the wider API.
func (s *JWTService) Validate(token string) (*models.User, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Scope != "" {
		return nil, ErrInvalidToken
	}
	return claims.user(), nil
}

// ValidateStream accepts either a full access token or a stream token bound
// to runID.
func (s *JWTService) ValidateStream(token, runID string) (*models.User, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	switch claims.Scope {
	case "":
	case ScopeStream:
		if claims.RunID != runID {
			return nil, ErrInvalidToken
		}
	default:
		return nil, ErrInvalidToken
	}
	return claims.user(), nil
}

func (s *JWTService) parse(token string) (*Claims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *Claims) user() *models.User {
	return &models.User{ID: c.Subject, AccountID: c.AccountID}
}
