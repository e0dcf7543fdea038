package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/lg1805/icss-web-app/internal/catalog"
	ic "github.com/lg1805/icss-web-app/internal/cfg"
	"github.com/lg1805/icss-web-app/internal/classifier"
	"github.com/lg1805/icss-web-app/internal/classifier/claude"
	"github.com/lg1805/icss-web-app/internal/classifier/modelserver"
	"github.com/lg1805/icss-web-app/internal/escalation"
	"github.com/lg1805/icss-web-app/internal/postgres"
	"github.com/lg1805/icss-web-app/internal/rank"
	"github.com/lg1805/icss-web-app/internal/resolve"
	"github.com/lg1805/icss-web-app/internal/resolve/httpembed"
	"github.com/lg1805/icss-web-app/internal/risk"
	"github.com/lg1805/icss-web-app/internal/triage"
	"github.com/lg1805/icss-web-app/internal/triage/memstore"
	"github.com/lg1805/icss-web-app/internal/triage/pgstore"
	"github.com/lg1805/icss-web-app/internal/triage/sqlitestore"
)

// openStore picks the history store: Postgres when a database URL is set,
// then SQLite when a file path is set, else memory. closeFn is never nil.
func openStore(ctx context.Context, appCfg *ic.Config, L log.Logger) (store triage.Store, kind string, closeFn func(), err error) {
	switch {
	case appCfg.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return nil, "", nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, "", nil, fmt.Errorf("pgstore init: %w", err)
		}
		return s, "postgres", pool.Close, nil

	case appCfg.SQLitePath != "":
		s, err := sqlitestore.Open(ctx, appCfg.SQLitePath)
		if err != nil {
			return nil, "", nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		return s, "sqlite", func() {
			if err := s.Close(); err != nil {
				L.Error(ctx, err, "failed to close sqlite store")
			}
		}, nil

	default:
		return memstore.New(), "memory", func() {}, nil
	}
}

// loadCatalog reads the configured catalog, or returns an empty one when no
// path is set. rejected counts skipped rows.
func loadCatalog(ctx context.Context, path string, L log.Logger) (c *catalog.Catalog, rejected int, err error) {
	if path == "" {
		L.Warn(ctx, "no catalog configured, every component resolves to unknown")
		c, _ := catalog.FromEntries()
		return c, 0, nil
	}
	c, bad, err := catalog.LoadFile(ctx, path, L)
	if err != nil {
		return nil, 0, err
	}
	return c, len(bad), nil
}

// newPredictor returns the configured text classifier bounded by the
// classifier timeout, or nil for none.
func newPredictor(appCfg *ic.Config) classifier.Predictor {
	var p classifier.Predictor
	switch appCfg.Classifier {
	case ic.ClassifierClaude:
		p = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
	case ic.ClassifierModelServer:
		p = modelserver.New(appCfg.ModelServerURL, appCfg.ModelServerKey)
	default:
		return nil
	}
	return classifier.Bounded(p, appCfg.ClassifierTimeout)
}

// engineConfig maps validated settings onto the triage engine.
func engineConfig(appCfg *ic.Config, c *catalog.Catalog) (triage.EngineConfig, error) {
	th, err := appCfg.Thresholds()
	if err != nil {
		return triage.EngineConfig{}, err
	}
	def, err := appCfg.DefaultTriple()
	if err != nil {
		return triage.EngineConfig{}, err
	}

	var strategy risk.Strategy = risk.ThresholdStrategy{Thresholds: th}
	if appCfg.TierStrategy == risk.StrategyText {
		strategy = risk.TextStrategy{Port: newPredictor(appCfg), Labels: classifier.DefaultLabels()}
	}

	var embedder resolve.Embedder
	if appCfg.EmbedderURL != "" {
		embedder = httpembed.New(appCfg.EmbedderURL, appCfg.EmbedderKey)
	}

	return triage.EngineConfig{
		Catalog:  c,
		Embedder: embedder,
		Resolve: resolve.Config{
			MinSimilarity: appCfg.SimilarityThreshold,
			Timeout:       appCfg.EmbedTimeout,
		},
		DefaultTriple:  def,
		Strategy:       strategy,
		Clock:          escalation.New(appCfg.Escalation()),
		Rank:           rank.Options{ByRPN: appCfg.RankByRPN, ByAge: appCfg.RankByAge},
		LabelHeuristic: appCfg.LabelHeuristic,
	}, nil
}
