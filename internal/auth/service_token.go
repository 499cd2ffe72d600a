// Package auth issues and validates the service tokens the AI service presents on callbacks.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// CallbackAudience is the audience of tokens accepted by the segmentation webhook.
	CallbackAudience = "segmentation-callback"
	issuer           = "nomoretears-backend"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// CallbackClaims scope a token to one lecture (and optionally one indexing task).
// A token without LectureID is a service-wide token minted by the AI service itself.
type CallbackClaims struct {
	LectureID      string `json:"lecture_id,omitempty"`
	IndexingTaskID string `json:"indexing_task_id,omitempty"`
	jwt.RegisteredClaims
}

// ServiceTokens signs and checks HS256 tokens with the secret shared with the AI service.
type ServiceTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewServiceTokens creates a token service. ttl bounds how long a callback may arrive after the
// segmentation request was sent.
func NewServiceTokens(secret string, ttl time.Duration) *ServiceTokens {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ServiceTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue creates a callback token for one segmentation request.
func (s *ServiceTokens) Issue(lectureID, indexingTaskID string) (string, error) {
	now := s.now()
	claims := CallbackClaims{
		LectureID:      lectureID,
		IndexingTaskID: indexingTaskID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{CallbackAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a callback token, returning its claims or ErrInvalidToken.
func (s *ServiceTokens) Validate(tokenString string) (*CallbackClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CallbackClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithAudience(CallbackAudience), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*CallbackClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
