package main

import (
	"fmt"
	"time"

	"github.com/ikanisa/easymo/internal/agentconfig"
	"github.com/ikanisa/easymo/internal/clock"
	"github.com/ikanisa/easymo/internal/config"
	"github.com/ikanisa/easymo/internal/db"
	"github.com/ikanisa/easymo/internal/fanout"
	"github.com/ikanisa/easymo/internal/negotiation"
	"github.com/ikanisa/easymo/internal/orchestration"
	"github.com/ikanisa/easymo/internal/ranking"
	"github.com/ikanisa/easymo/internal/sourcing"
	"github.com/ikanisa/easymo/internal/vendor"
	"gorm.io/gorm"
)

// connectFromConfig loads the config file and opens its database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}

	return cfg, gormDB, nil
}

// stack holds the sourcing services shared by serve and the session commands.
type stack struct {
	cfg       *config.Config
	db        *gorm.DB
	clock     clock.Clock
	agents    *agentconfig.Service
	sessions  *sourcing.Manager
	directory *vendor.Directory
	runner    *orchestration.Runner
}

// newStack wires the agent config cache, the session manager, the vendor
// directory and a runner over them. onOutcome may be nil.
func newStack(cfg *config.Config, gormDB *gorm.DB, clk clock.Clock, onOutcome func(orchestration.Outcome)) (*stack, error) {
	if clk == nil {
		clk = clock.Real()
	}
	ttl := time.Duration(cfg.Sourcing.ConfigCacheTTLSec) * time.Second
	agents, err := agentconfig.NewService(gormDB, ttl, clk)
	if err != nil {
		return nil, err
	}
	sessions, err := sourcing.NewManager(sourcing.ManagerOpts{DB: gormDB, Configs: agents, Clock: clk})
	if err != nil {
		return nil, err
	}
	directory, err := vendor.NewDirectory(gormDB)
	if err != nil {
		return nil, err
	}

	neg := cfg.Sourcing.Negotiation
	strategy, err := negotiation.StrategyByName(neg.Strategy, neg.Seed, neg.MinDiscountPct)
	if err != nil {
		return nil, err
	}
	runner, err := orchestration.NewRunner(orchestration.RunnerOpts{
		Sessions:         sessions,
		Candidates:       directory,
		FanOut:           fanout.New(clk),
		Negotiator:       negotiation.New(strategy, neg.MinDiscountPct),
		CandidateTimeout: time.Duration(cfg.Sourcing.CandidateTimeoutMs) * time.Millisecond,
		SearchRadiusKM:   cfg.Sourcing.SearchRadiusKM,
		TopN:             cfg.Sourcing.TopN,
		Scoring: func(agentType string) ranking.Criteria {
			return ranking.Criteria{
				PriceScale:   cfg.Sourcing.PriceScaleFor(agentType),
				StockCeiling: cfg.Sourcing.StockCeiling,
			}
		},
		OnOutcome: onOutcome,
	})
	if err != nil {
		return nil, err
	}

	return &stack{
		cfg:       cfg,
		db:        gormDB,
		clock:     clk,
		agents:    agents,
		sessions:  sessions,
		directory: directory,
		runner:    runner,
	}, nil
}
