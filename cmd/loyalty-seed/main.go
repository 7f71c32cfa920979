// Command loyalty-seed loads a YAML fixture of profiles, rewards and
// back-dated point history into the configured database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/aimd54/loyalty-ledger/internal/config"
	"github.com/aimd54/loyalty-ledger/internal/repository"
	"github.com/aimd54/loyalty-ledger/internal/seed"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
	"github.com/aimd54/loyalty-ledger/internal/service/rewards"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	fixturePath := flag.String("fixture", "cmd/loyalty-seed/fixture.example.yaml", "path to the seed fixture")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)

	if err := run(cfg, *fixturePath, log); err != nil {
		log.Fatal().Err(err).Msg("Seeding failed")
	}
}

func run(cfg *config.Config, fixturePath string, log *logger.Logger) error {
	fixture, err := seed.ReadFile(fixturePath)
	if err != nil {
		return err
	}

	db, err := repository.NewDB(&cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	switch cfg.Database.Migrate {
	case "sql":
		err = db.MigrateUp(log)
	case "auto":
		err = db.AutoMigrate()
	}
	if err != nil {
		return err
	}

	profileRepo := repository.NewProfileRepository(db)
	var opts []ledger.Option
	if cfg.Events.Enabled {
		opts = append(opts, ledger.WithOutbox(repository.NewOutboxRepository(db)))
	}
	ledgerService := ledger.NewService(db, profileRepo, repository.NewTransactionRepository(db), log, opts...)
	rewardService := rewards.NewService(repository.NewRewardRepository(db), ledgerService, log)

	summary, err := seed.NewLoader(ledgerService, rewardService, log).Load(context.Background(), fixture)
	if err != nil {
		return err
	}

	log.Info().
		Str("fixture", fixturePath).
		Int("profiles", summary.Profiles).
		Int("rewards", summary.Rewards).
		Int("transactions", summary.Transactions).
		Msg("Seeding completed")
	return nil
}
