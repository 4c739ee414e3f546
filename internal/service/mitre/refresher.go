package mitre

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/infrastructure/config"
)

// ImportStatus describes the current state of the local ATT&CK dataset.
type ImportStatus struct {
	TechniqueCount int
	SeedOnly       bool
	LastImport     time.Time
}

// AttackImporter manages the local copy of the ATT&CK technique dataset.
type AttackImporter interface {
	Status(ctx context.Context) (ImportStatus, error)
	// Import downloads the dataset, upserts techniques by stable id, and
	// records the import timestamp.
	Import(ctx context.Context) error
}

// YaraImporter runs the external YARA rule update tool.
type YaraImporter interface {
	LastUpdate(ctx context.Context) (time.Time, error)
	Update(ctx context.Context) error
}

// RuleCacheRefresher invalidates the detection rule cache after a rule
// source changed underneath it.
type RuleCacheRefresher interface {
	RefreshCache(ctx context.Context) error
}

const refreshInterval = 24 * time.Hour

// Refresher keeps the ATT&CK dataset and YARA rules current. It runs a
// refresh pass after a warm-up delay and then every 24 hours; individual
// failures are logged and the next pass retries.
type Refresher struct {
	attack   AttackImporter
	yara     YaraImporter
	rules    RuleCacheRefresher
	mitreCfg config.MitreConfig
	yaraCfg  config.YaraConfig
	warmup   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewRefresher(attack AttackImporter, yara YaraImporter, rules RuleCacheRefresher, mitreCfg config.MitreConfig, yaraCfg config.YaraConfig, warmup time.Duration, logger *zap.Logger) *Refresher {
	if warmup <= 0 {
		warmup = time.Minute
	}
	return &Refresher{
		attack:   attack,
		yara:     yara,
		rules:    rules,
		mitreCfg: mitreCfg,
		yaraCfg:  yaraCfg,
		warmup:   warmup,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	select {
	case <-time.After(r.warmup):
	case <-ctx.Done():
		return
	}

	r.refresh(ctx)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	r.refreshAttack(ctx)
	r.refreshYara(ctx)
}

func (r *Refresher) refreshAttack(ctx context.Context) {
	if r.attack == nil {
		return
	}
	status, err := r.attack.Status(ctx)
	if err != nil {
		r.logger.Error("attack dataset status check failed", zap.Error(err))
		return
	}
	if !r.shouldImport(status) {
		return
	}

	r.logger.Info("importing attack technique dataset",
		zap.Int("current_techniques", status.TechniqueCount),
		zap.Time("last_import", status.LastImport))

	if err := r.attack.Import(ctx); err != nil {
		r.logger.Error("attack dataset import failed", zap.Error(err))
		return
	}
	r.logger.Info("attack dataset import completed")
}

func (r *Refresher) shouldImport(status ImportStatus) bool {
	if status.TechniqueCount == 0 || status.SeedOnly {
		return true
	}
	maxAge := time.Duration(r.mitreCfg.RefreshIntervalDays) * 24 * time.Hour
	return r.now().Sub(status.LastImport) > maxAge
}

func (r *Refresher) refreshYara(ctx context.Context) {
	if r.yara == nil || !r.yaraCfg.AutoUpdateEnabled {
		return
	}
	last, err := r.yara.LastUpdate(ctx)
	if err != nil {
		r.logger.Error("yara update status check failed", zap.Error(err))
		return
	}
	maxAge := time.Duration(r.yaraCfg.UpdateIntervalDays) * 24 * time.Hour
	if !last.IsZero() && r.now().Sub(last) <= maxAge {
		return
	}

	if err := r.yara.Update(ctx); err != nil {
		r.logger.Error("yara rule update failed", zap.Error(err))
		return
	}
	r.logger.Info("yara rules updated")

	if r.rules != nil {
		if err := r.rules.RefreshCache(ctx); err != nil {
			r.logger.Warn("rule cache refresh after yara update failed", zap.Error(err))
		}
	}
}
