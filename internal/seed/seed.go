// Package seed loads YAML fixtures of profiles, rewards and back-dated
// point history into the ledger.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
	"github.com/aimd54/loyalty-ledger/internal/service/rewards"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// Fixture is the root of a seed file.
type Fixture struct {
	Rewards  []RewardFixture  `yaml:"rewards"`
	Profiles []ProfileFixture `yaml:"profiles"`
}

// RewardFixture is one catalog entry.
type RewardFixture struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Cost        int64  `yaml:"cost"`
	Active      *bool  `yaml:"active"`
}

// ProfileFixture is a profile and its history.
type ProfileFixture struct {
	FullName     string               `yaml:"full_name"`
	Email        string               `yaml:"email"`
	Phone        string               `yaml:"phone"`
	Role         string               `yaml:"role"`
	Transactions []TransactionFixture `yaml:"transactions"`
}

// TransactionFixture is one historical movement. At wins over DaysAgo.
type TransactionFixture struct {
	Type        string     `yaml:"type"` // earn, redeem
	Amount      int64      `yaml:"amount"`
	Description string     `yaml:"description"`
	At          *time.Time `yaml:"at"`
	DaysAgo     int        `yaml:"days_ago"`
}

// Summary counts what a load created.
type Summary struct {
	Profiles     int
	Rewards      int
	Transactions int
}

// Ledger is the part of the ledger service seeding writes through.
type Ledger interface {
	CreateProfile(ctx context.Context, actor ledger.Actor, input ledger.NewProfile) (*models.Profile, error)
	AdjustPoints(ctx context.Context, actor ledger.Actor, req ledger.AdjustRequest) (*ledger.AdjustResult, error)
}

// Catalog is the part of the rewards service seeding writes through.
type Catalog interface {
	Create(ctx context.Context, actor ledger.Actor, input rewards.NewReward) (*models.Reward, error)
}

// Loader applies fixtures.
type Loader struct {
	ledger  Ledger
	catalog Catalog
	log     *logger.Logger
	now     func() time.Time
}

// NewLoader creates a loader. catalog may be nil when the fixture has no rewards.
func NewLoader(ledgerSvc Ledger, catalog Catalog, log *logger.Logger) *Loader {
	return &Loader{
		ledger:  ledgerSvc,
		catalog: catalog,
		log:     log.Component("seed"),
		now:     time.Now,
	}
}

// SetClock overrides the time source (useful for testing).
func (l *Loader) SetClock(now func() time.Time) {
	l.now = now
}

// ReadFile parses a fixture file.
func ReadFile(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Read parses a fixture and rejects unknown fields.
func Read(r io.Reader) (*Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var fixture Fixture
	if err := dec.Decode(&fixture); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return &fixture, nil
}

// Load creates the rewards, then every profile with its history in order.
// Existing rewards with the same name are skipped.
func (l *Loader) Load(ctx context.Context, fixture *Fixture) (*Summary, error) {
	summary := &Summary{}

	for _, r := range fixture.Rewards {
		if l.catalog == nil {
			return summary, fmt.Errorf("fixture has rewards but no catalog is configured")
		}
		_, err := l.catalog.Create(ctx, ledger.SystemActor, rewards.NewReward{
			Name:        r.Name,
			Description: r.Description,
			Cost:        r.Cost,
			Active:      r.Active,
		})
		if errors.Is(err, rewards.ErrDuplicateReward) {
			l.log.Debug().Str("reward", r.Name).Msg("Reward already exists, skipping")
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("failed to seed reward %q: %w", r.Name, err)
		}
		summary.Rewards++
	}

	now := l.now()
	for _, p := range fixture.Profiles {
		profile, err := l.ledger.CreateProfile(ctx, ledger.SystemActor, ledger.NewProfile{
			FullName: p.FullName,
			Email:    p.Email,
			Phone:    p.Phone,
			Role:     p.Role,
		})
		if err != nil {
			return summary, fmt.Errorf("failed to seed profile %q: %w", p.FullName, err)
		}
		summary.Profiles++

		for i, t := range p.Transactions {
			delta, err := signedAmount(t)
			if err != nil {
				return summary, fmt.Errorf("profile %q transaction %d: %w", p.FullName, i, err)
			}

			at := now.AddDate(0, 0, -t.DaysAgo)
			if t.At != nil {
				at = *t.At
			}

			_, err = l.ledger.AdjustPoints(ctx, ledger.SystemActor, ledger.AdjustRequest{
				UserID:      profile.ID,
				Amount:      delta,
				Description: t.Description,
				At:          at,
			})
			if err != nil {
				return summary, fmt.Errorf("profile %q transaction %d: %w", p.FullName, i, err)
			}
			summary.Transactions++
		}

		l.log.Info().
			Str("user_id", profile.ID).
			Str("full_name", profile.FullName).
			Int("transactions", len(p.Transactions)).
			Msg("Seeded profile")
	}

	return summary, nil
}

func signedAmount(t TransactionFixture) (int64, error) {
	if t.Amount <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %d", t.Amount)
	}
	switch t.Type {
	case models.TransactionEarn, "":
		return t.Amount, nil
	case models.TransactionRedeem:
		return -t.Amount, nil
	default:
		return 0, fmt.Errorf("unknown transaction type %q", t.Type)
	}
}
