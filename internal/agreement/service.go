// Package agreement manages service agreements and their API keys.
package agreement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for an unknown agreement or a wrong API key.
var ErrUnauthorized = errors.New("invalid service agreement credentials")

// agreementRepo is the storage interface consumed by Service.
type agreementRepo interface {
	CreateAgreement(ctx context.Context, a *model.ServiceAgreement) error
	GetAgreement(ctx context.Context, id uuid.UUID) (*model.ServiceAgreement, error)
}

// creditor grants tokens. *ledger.Ledger satisfies it.
type creditor interface {
	Credit(ctx context.Context, agreementID uuid.UUID, amount model.Tokens, reason model.LedgerReason, memo string) (*model.LedgerEntry, error)
}

// Service creates agreements, verifies API keys and grants tokens.
type Service struct {
	repo   agreementRepo
	ledger creditor
	cache  *verifiedCache
	cost   int
	logger *zap.Logger
}

// NewService creates a Service. Verified keys are cached for cacheTTL; zero
// disables caching.
func NewService(repo agreementRepo, ledger creditor, cacheTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		ledger: ledger,
		cache:  newVerifiedCache(cacheTTL),
		cost:   bcrypt.DefaultCost,
		logger: logger,
	}
}

// SetBcryptCost overrides the hashing cost. Tests use bcrypt.MinCost.
func (s *Service) SetBcryptCost(cost int) {
	s.cost = cost
}

// Create registers a new agreement and returns it with its API key. The key
// is only ever returned here; the store keeps a bcrypt hash. A positive
// initialGrant is credited as an Adjustment.
func (s *Service) Create(ctx context.Context, name string, overdraftLimit, initialGrant model.Tokens) (*model.ServiceAgreement, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", model.Invalid("name", "must not be empty")
	}
	if overdraftLimit < 0 {
		return nil, "", model.Invalid("overdraftLimit", "must not be negative")
	}
	if initialGrant < 0 {
		return nil, "", model.Invalid("initialGrant", "must not be negative")
	}

	key, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), s.cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}
	a := &model.ServiceAgreement{
		ID:             uuid.New(),
		Name:           name,
		APIKeyHash:     string(hash),
		OverdraftLimit: overdraftLimit,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.repo.CreateAgreement(ctx, a); err != nil {
		return nil, "", fmt.Errorf("create agreement: %w", err)
	}
	if initialGrant > 0 {
		if _, err := s.ledger.Credit(ctx, a.ID, initialGrant, model.ReasonAdjustment, "initial grant"); err != nil {
			return nil, "", fmt.Errorf("initial grant: %w", err)
		}
	}
	s.logger.Info("service agreement created",
		zap.String("agreement", a.ID.String()),
		zap.String("name", a.Name),
	)
	return a, key, nil
}

// Authenticate verifies apiKey for agreementID.
func (s *Service) Authenticate(ctx context.Context, agreementID uuid.UUID, apiKey string) (*model.ServiceAgreement, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}
	k := keyFor(agreementID, apiKey)
	if a, ok := s.cache.get(k); ok {
		return a, nil
	}
	a, err := s.repo.GetAgreement(ctx, agreementID)
	if model.IsNotFound(err) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("load agreement: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.APIKeyHash), []byte(apiKey)); err != nil {
		s.logger.Debug("api key rejected", zap.String("agreement", agreementID.String()))
		return nil, ErrUnauthorized
	}
	s.cache.set(k, a)
	return a, nil
}

// Get returns an agreement.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.ServiceAgreement, error) {
	return s.repo.GetAgreement(ctx, id)
}

// Grant credits amount tokens to an agreement as an operator Adjustment.
func (s *Service) Grant(ctx context.Context, agreementID uuid.UUID, amount model.Tokens, memo string) (*model.LedgerEntry, error) {
	if _, err := s.repo.GetAgreement(ctx, agreementID); err != nil {
		return nil, err
	}
	if memo == "" {
		memo = "operator grant"
	}
	e, err := s.ledger.Credit(ctx, agreementID, amount, model.ReasonAdjustment, memo)
	if err != nil {
		return nil, err
	}
	s.logger.Info("tokens granted",
		zap.String("agreement", agreementID.String()),
		zap.Int64("amount", int64(amount)),
	)
	return e, nil
}

// StartEviction removes expired cache entries every interval until ctx is done.
func (s *Service) StartEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.cache.evict(); n > 0 {
				s.logger.Debug("evicted verified keys", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
