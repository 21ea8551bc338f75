package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tickrelay/internal/application/port"
	"tickrelay/internal/infrastructure/config"
	"tickrelay/internal/infrastructure/forward"
	"tickrelay/internal/infrastructure/hub"
	"tickrelay/internal/infrastructure/session"
	"tickrelay/internal/infrastructure/simulator"
	"tickrelay/internal/infrastructure/storage"
	compositerepo "tickrelay/internal/infrastructure/storage/composite"
	postgresrepo "tickrelay/internal/infrastructure/storage/postgres"
	redisrepo "tickrelay/internal/infrastructure/storage/redis"
	sqliterepo "tickrelay/internal/infrastructure/storage/sqlite"
	"tickrelay/internal/infrastructure/subscription"
	"tickrelay/internal/infrastructure/svc"
	"tickrelay/internal/infrastructure/upstream"
)

// Container 包含所有应用依赖
type Container struct {
	cfg *config.Config

	redisClient *redis.Client
	repo        port.TickRepository

	Store     *session.Store
	Forwarder *forward.Forwarder
	Hub       *hub.Hub
	Subs      *subscription.Registry
	Registry  *upstream.Registry
	Simulator *simulator.Manager

	closeOnce   sync.Once
	closerChain []func() error
}

// New 创建新的容器实例，按依赖顺序初始化所有组件
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{
		cfg:         cfg,
		closerChain: make([]func() error, 0),
	}

	if err := c.initStorage(); err != nil {
		// 清理已初始化的资源
		_ = c.Close()
		return nil, fmt.Errorf("%w: %v", svc.ErrStorageInitFailed, err)
	}

	loginClient := session.NewHTTPLoginClient(cfg.Upstream.AuthURL)
	c.Store = session.NewStore(loginClient, time.Duration(cfg.Session.TTLHours)*time.Hour)

	// The tracker is bound to the upstream registry after the registry
	// exists; until then 0->1 transitions are ignored.
	tracker := &tracker{creds: session.Credentials(cfg.Credentials)}
	c.Subs = subscription.NewRegistry(tracker)
	c.Hub = hub.New(c.Subs)

	timeout := time.Duration(cfg.Forwarder.WebhookTimeoutMs) * time.Millisecond
	c.Forwarder = forward.New(cfg.Backend.WebhookURL, timeout, c.Hub, c.repo)

	c.Registry = upstream.NewRegistry(ctx, upstream.ConnDeps{
		Store: c.Store,
		Fwd:   c.Forwarder,
		WsURL: cfg.Upstream.WsURL,
	})
	tracker.bind(c.Registry)

	c.Simulator = simulator.NewManager(c.Forwarder)

	log.Info().Msg("container initialized")
	return c, nil
}

// initStorage 初始化存储层（SQLite、Postgres、Redis）
// 多个启用的后端组合成 composite 仓储；一个都没有时退化为内存仓储。
func (c *Container) initStorage() error {
	var repos []port.TickRepository

	if c.cfg.SQLite.Enabled {
		repo, err := sqliterepo.New(c.cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
		repos = append(repos, repo)
		c.closerChain = append(c.closerChain, func() error {
			log.Info().Msg("closing sqlite connection")
			return repo.Close()
		})
		log.Info().Str("path", c.cfg.SQLite.Path).Msg("sqlite initialized")
	}

	if c.cfg.Postgres.Enabled {
		repo, err := postgresrepo.New(c.cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		repos = append(repos, repo)
		c.closerChain = append(c.closerChain, func() error {
			log.Info().Msg("closing postgres connection")
			return repo.Close()
		})
		log.Info().Msg("postgres initialized")
	}

	if c.cfg.Redis.Enabled {
		if err := c.initRedis(&repos); err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
	}

	switch len(repos) {
	case 0:
		c.repo = storage.NewInMemoryRepo()
	case 1:
		c.repo = repos[0]
	default:
		c.repo = compositerepo.New(repos...)
	}
	return nil
}

// initRedis 初始化 Redis 连接
func (c *Container) initRedis(repos *[]port.TickRepository) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Redis.Addr,
		Password: c.cfg.Redis.Password,
		DB:       c.cfg.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	c.redisClient = rdb
	ttl := time.Duration(c.cfg.Redis.TTLSeconds) * time.Second
	*repos = append(*repos, redisrepo.New(rdb, c.cfg.Redis.Prefix, ttl, c.cfg.Redis.TickStream))

	// 注册关闭回调
	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", c.cfg.Redis.Addr).
		Int("db", c.cfg.Redis.DB).
		Msg("redis initialized")

	return nil
}

// Close 逆序释放所有资源
func (c *Container) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		if c.Simulator != nil {
			c.Simulator.StopAll()
		}
		if c.Registry != nil {
			c.Registry.DisconnectAll()
		}
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if err := c.closerChain[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// tracker adapts reference-count transitions onto instrument-scoped
// upstream connections opened with the configured default credentials.
type tracker struct {
	creds session.Credentials

	mu       sync.Mutex
	registry *upstream.Registry
}

func (t *tracker) bind(r *upstream.Registry) {
	t.mu.Lock()
	t.registry = r
	t.mu.Unlock()
}

func trackKey(token string) string { return "track-" + token }

func (t *tracker) StartTracking(token string) {
	t.mu.Lock()
	r := t.registry
	t.mu.Unlock()
	if r == nil {
		return
	}
	if _, err := r.Connect(trackKey(token), t.creds, []string{token}, ""); err != nil {
		if errors.Is(err, svc.ErrConflict) {
			return // already tracking
		}
		log.Error().Str("token", token).Err(err).Msg("tracking start failed")
	}
}

func (t *tracker) StopTracking(token string) {
	t.mu.Lock()
	r := t.registry
	t.mu.Unlock()
	if r == nil {
		return
	}
	r.Disconnect(trackKey(token))
}
