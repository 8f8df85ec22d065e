package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"VoiceCallRelay/internal/agent"
	"VoiceCallRelay/internal/agentconfig"
	"VoiceCallRelay/internal/calendar"
	"VoiceCallRelay/internal/config"
	"VoiceCallRelay/internal/database"
	"VoiceCallRelay/internal/dispatch"
	"VoiceCallRelay/internal/events"
	"VoiceCallRelay/internal/grpcserver"
	"VoiceCallRelay/internal/httpserver"
	"VoiceCallRelay/internal/logger"
	"VoiceCallRelay/internal/relay"
	"VoiceCallRelay/internal/session"
)

func main() {
	var (
		mode       = flag.String("mode", "server", "运行模式: server, check-config")
		configPath = flag.String("config", "", "配置文件路径（默认搜索 ./configs/relay.yaml）")
		watch      = flag.Bool("watch", true, "监控配置文件并热更新日志级别")
	)
	flag.Parse()

	cm := config.NewConfigManager(
		config.WithConfigPath(*configPath),
		config.WithWatchEnabled(*watch && *mode == "server"),
	)

	var err error
	switch *mode {
	case "server":
		err = runServer(cm)
	case "check-config":
		err = checkConfig(cm)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		log.Error().Err(err).Msg("Relay exited with error")
		logger.Close()
		os.Exit(1)
	}
}

// checkConfig 校验配置与代理模板后输出摘要
func checkConfig(cm *config.ConfigManager) error {
	cfg, err := cm.Get()
	if err != nil {
		return err
	}

	loader := newSettingsLoader(cfg)
	if _, err := loader.BuildJSON(); err != nil {
		return fmt.Errorf("agent settings: %w", err)
	}

	summary, err := cm.Summary()
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
	return nil
}

// runServer 启动中继服务，收到信号后优雅关闭
func runServer(cm *config.ConfigManager) error {
	cfg, err := cm.Get()
	if err != nil {
		return err
	}

	base, err := logger.Init(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	cm.OnChange(func(c *config.Config) {
		if err := logger.SetLevel(c.Logging.Level); err != nil {
			base.Warn().Err(err).Msg("Ignoring invalid log level from reloaded config")
			return
		}
		base.Info().Str("level", c.Logging.Level).Msg("Log level updated")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]httpserver.HealthCheck{}

	store, closeStore, err := openStore(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher, closePublisher, err := openPublisher(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer closePublisher()

	dispatcher, err := newDispatcher(cfg)
	if err != nil {
		return err
	}

	loader := newSettingsLoader(cfg)
	if _, err := loader.BuildJSON(); err != nil {
		return fmt.Errorf("agent settings: %w", err)
	}

	linkCfg := agent.DefaultLinkConfig(cfg.Agent.URL, cfg.Agent.APIKey)
	linkCfg.HandshakeTimeout = cfg.Agent.DialTimeout
	linkCfg.MaxRetries = cfg.Agent.DialRetries
	linkCfg.WriteTimeout = cfg.Relay.WriteTimeout

	registry := session.NewRegistry()
	coord, err := relay.New(relay.ConfigFrom(cfg), relay.Deps{
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatcher,
		Settings:   loader,
		Agent:      agent.NewDialer(linkCfg, logger.Component("agent")),
		Events:     publisher,
		Logger:     logger.Component("relay"),
	})
	if err != nil {
		return err
	}

	api, err := httpserver.NewAPIServer(httpserver.Options{
		Server:      cfg.Server,
		Twilio:      cfg.Twilio,
		Coordinator: coord,
		Store:       store,
		Events:      publisher,
		Checks:      checks,
		Logger:      base,
	})
	if err != nil {
		return err
	}

	var health *grpcserver.HealthServer
	if cfg.GRPC.Enabled {
		health = grpcserver.NewHealthServer(cfg.GRPC.Addr, base)
		if err := health.Start(); err != nil {
			return err
		}
	}

	sweeperCfg := session.DefaultSweeperConfig()
	sweeperCfg.Interval = cfg.Relay.SweepInterval
	sweeper := session.NewSweeper(sweeperCfg, registry, store, logger.Component("sweeper"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(api.Start)
	g.Go(func() error {
		<-gctx.Done()
		base.Info().Msg("Shutting down relay")
		if health != nil {
			health.SetServing(false)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := api.Shutdown(shutdownCtx)
		if health != nil {
			if herr := health.Stop(); herr != nil {
				err = errors.Join(err, herr)
			}
		}
		return err
	})

	if health != nil {
		health.SetServing(true)
	}
	base.Info().
		Str("addr", cfg.Server.Addr).
		Str("media_path", cfg.Server.MediaPath).
		Str("agent_url", cfg.Agent.URL).
		Bool("database", cfg.Database.Enabled).
		Bool("redis", cfg.Redis.Enabled).
		Msg("Relay started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	base.Info().Msg("Relay stopped")
	return nil
}

// openStore 按配置选择PostgreSQL或内存存储
func openStore(ctx context.Context, cfg *config.Config, checks map[string]httpserver.HealthCheck) (session.Store, func(), error) {
	if !cfg.Database.Enabled {
		log.Warn().Msg("Database disabled, call sessions are kept in memory")
		return session.NewMemoryStore(), func() {}, nil
	}

	pool, err := database.Connect(ctx, database.ConfigFrom(cfg.Database), logger.Component("database"))
	if err != nil {
		return nil, nil, err
	}
	store := database.NewSessionStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	// 上次异常退出遗留的active会话
	if n, err := store.ExpireStale(ctx, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Failed to expire stale sessions")
	} else if n > 0 {
		log.Info().Int("sessions", n).Msg("Expired stale sessions from previous run")
	}

	checks["database"] = store.Ping
	return store, func() {
		log.Info().Interface("pool", database.PoolStats(pool)).Msg("Closing database pool")
		pool.Close()
	}, nil
}

// openPublisher 按配置创建事件发布器
func openPublisher(ctx context.Context, cfg *config.Config, checks map[string]httpserver.HealthCheck) (events.Publisher, func(), error) {
	if !cfg.Redis.Enabled {
		return events.NopPublisher{}, func() {}, nil
	}

	pub, err := events.NewRedisPublisher(ctx, events.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Stream:    cfg.Redis.Stream,
		MaxLength: cfg.Redis.MaxLength,
	})
	if err != nil {
		return nil, nil, err
	}
	checks["redis"] = pub.Ping
	return pub, func() { pub.Close() }, nil
}

// newDispatcher 注册日历函数
func newDispatcher(cfg *config.Config) (*dispatch.Dispatcher, error) {
	loc, _ := agentconfig.ResolveLocation(cfg.Calendar.Timezone)

	reg := dispatch.NewRegistry()
	fns := calendar.NewFunctions(calendar.NewMemoryCalendar(), calendar.Options{
		Location:            loc,
		AppointmentDuration: cfg.Calendar.AppointmentDuration,
		Logger:              logger.Component("calendar"),
	})
	if err := fns.Register(reg); err != nil {
		return nil, err
	}

	return dispatch.NewDispatcher(reg,
		dispatch.WithTimeout(cfg.Agent.FunctionTimeout),
		dispatch.WithLogger(logger.Component("dispatch")),
	), nil
}

func newSettingsLoader(cfg *config.Config) *agentconfig.Loader {
	return agentconfig.NewLoader(
		agentconfig.WithTemplatePath(cfg.Agent.SettingsTemplate),
		agentconfig.WithTimezone(cfg.Calendar.Timezone),
		agentconfig.WithWorkingHours(agentconfig.WorkingHours{
			Start: cfg.Calendar.WorkStartHour,
			End:   cfg.Calendar.WorkEndHour,
		}),
		agentconfig.WithFunctions(calendar.Declarations()),
	)
}
