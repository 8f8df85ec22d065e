package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SweeperConfig 过期清理配置
type SweeperConfig struct {
	Interval time.Duration
	// StaleGrace 存储中的会话超过expires_at多久后才视为遗留记录
	StaleGrace time.Duration
}

// DefaultSweeperConfig 默认清理配置
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   30 * time.Second,
		StaleGrace: 5 * time.Minute,
	}
}

// Sweeper 周期性地让过期通话结束
type Sweeper struct {
	config   SweeperConfig
	registry *Registry
	store    Store
	logger   zerolog.Logger
	now      func() time.Time
}

// NewSweeper 创建清理器
func NewSweeper(config SweeperConfig, registry *Registry, store Store, logger zerolog.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweeperConfig().Interval
	}
	return &Sweeper{
		config:   config,
		registry: registry,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// Run 阻塞运行直到ctx取消
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep 执行一次清理
// 活跃通话通过取消结束，由协调器写入expired；存储中的遗留记录直接标记
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	if expired := s.registry.ExpireDue(now); len(expired) > 0 {
		s.logger.Info().Strs("call_sids", expired).Msg("Expiring active calls past TTL")
	}

	if s.store == nil {
		return
	}
	count, err := s.store.ExpireStale(ctx, now.Add(-s.config.StaleGrace))
	if err != nil {
		s.logger.Error().Err(err).Msg("Expire stale sessions failed")
		return
	}
	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Marked stale sessions expired")
	}
}
