package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/groupsync/internal/config"
	"github.com/hitoshi/groupsync/internal/database"
	"github.com/hitoshi/groupsync/internal/handler"
	"github.com/hitoshi/groupsync/internal/logger"
	"github.com/hitoshi/groupsync/internal/metrics"
	"github.com/hitoshi/groupsync/internal/middleware"
	"github.com/hitoshi/groupsync/internal/queue"
	"github.com/hitoshi/groupsync/internal/reconcile"
	"github.com/hitoshi/groupsync/internal/repository"
	"github.com/hitoshi/groupsync/internal/scim"
	"github.com/hitoshi/groupsync/internal/secret"
	"github.com/hitoshi/groupsync/internal/worker/cleanup"
)

// depthInterval はworkerがキュー滞留数をメトリクスに反映する間隔。
const depthInterval = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("apply_mode", string(cfg.ApplyMode)),
		slog.String("group_prefix", cfg.GroupPrefix),
	)

	// SIGINTまたはSIGTERMでキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// components はserveとworkerが共有する依存関係。
type components struct {
	db        *sql.DB
	registry  *prometheus.Registry
	collector *metrics.Collector
	secrets   *secret.CachedProvider
	directory *scim.Client
}

// newComponents はシークレット、ディレクトリクライアント、メトリクス、DB接続を初期化する。
// DATABASE_URLが未設定の場合、dbはnilになる。
func newComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{registry: prometheus.NewRegistry()}
	c.collector = metrics.NewCollector(c.registry)

	source, err := newSecretSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.secrets = secret.NewCachedProvider(source, cfg.SecretID, cfg.SecretCacheTTL, slog.Default())

	retry := scim.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.SCIMRetryAttempts
	retry.BaseDelay = cfg.SCIMRetryBase
	c.directory = scim.NewClient(
		&http.Client{Timeout: cfg.SCIMTimeout},
		c.secrets.Field(cfg.SCIMKeyField),
		slog.Default(),
		scim.ClientConfig{
			BaseURL:   cfg.SCIMURL,
			PageSize:  cfg.SCIMPageSize,
			Retry:     retry,
			RateLimit: rate.Limit(cfg.SCIMRateLimit),
			Observer:  c.collector,
		},
	)

	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.db = db
		slog.Info("database connection established")
	}

	return c, nil
}

func (c *components) close() {
	if c.db != nil {
		c.db.Close()
	}
}

// newSecretSource は設定に応じたシークレットの取得元を返す。
func newSecretSource(ctx context.Context, cfg *config.Config) (secret.Source, error) {
	switch cfg.SecretSource {
	case config.SecretSourceEnv:
		return secret.EnvSource{Variable: cfg.SecretEnvVar}, nil
	default:
		source, err := secret.NewSecretsManagerSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create secrets manager source: %w", err)
		}
		return source, nil
	}
}

// newRouterDeps はイベントフック処理の依存関係を組み立てる。
// APPLY_MODE=queueの場合はパッチをキューに積み、それ以外はディレクトリへ直接適用する。
func newRouterDeps(cfg *config.Config, c *components) *handler.RouterDeps {
	var sink reconcile.PatchSink = reconcile.PatchSinkFunc(c.directory.ApplyPatch)
	if cfg.ApplyMode == config.ApplyModeQueue {
		sink = queue.NewPostgresQueue(c.db, cfg.QueueMaxAttempts)
	}

	engineCfg := reconcile.EngineConfig{
		GroupPrefix:        cfg.GroupPrefix,
		GroupsResourceBase: c.directory.GroupsResourceBase(),
		MaxConcurrent:      cfg.ApplyMaxConcurrent,
		Recorder:           c.collector,
	}

	deps := &handler.RouterDeps{
		Logger:      slog.Default(),
		HookTokens:  c.secrets.Field(cfg.HookTokenField),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.HookRateLimit)),
		Gatherer:    c.registry,
	}

	if c.db != nil {
		runs := repository.NewPostgresRunReportRepo(c.db)
		engineCfg.Store = runs
		deps.Runs = runs
		deps.HealthChecker = c.db
	}

	deps.Reconciler = reconcile.NewEngine(c.directory, sink, slog.Default(), engineCfg)
	return deps
}

// runServe はイベントフックサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	c, err := newComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	deps := newRouterDeps(cfg, c)
	defer deps.RateLimiter.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// キューからパッチを取り出してディレクトリに適用し、保持期間を過ぎたデータを日次で削除する。
// /healthと/metricsのみを公開するHTTPサーバーを併せて起動する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("worker requires DATABASE_URL")
	}

	c, err := newComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	q := queue.NewPostgresQueue(c.db, cfg.QueueMaxAttempts)
	worker := queue.NewWorker(q, c.directory, c.collector, slog.Default(), cfg.ApplyMaxConcurrent)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewOperationalRouter(slog.Default(), c.db, c.registry),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("worker starting",
		slog.Duration("poll_interval", cfg.QueuePollInterval),
		slog.Int("max_concurrent", cfg.ApplyMaxConcurrent),
		slog.Int("max_attempts", cfg.QueueMaxAttempts),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Start(gctx, cfg.QueuePollInterval)
		return nil
	})
	g.Go(func() error {
		reportQueueDepth(gctx, q, c.collector, depthInterval)
		return nil
	})
	g.Go(func() error {
		cleanup.NewCleanupJob(c.db, slog.Default(), cfg.RetentionDays).Start(gctx, cfg.CleanupInterval)
		return nil
	})
	g.Go(func() error {
		return serveUntilDone(gctx, server, "worker")
	})

	err = g.Wait()
	slog.Info("worker stopped")
	return err
}

// depthReader はキュー滞留数の取得インターフェース。
type depthReader interface {
	Depth(ctx context.Context) (map[queue.Status]int, error)
}

// depthSetter はキュー滞留数の記録先。
type depthSetter interface {
	SetQueueDepth(status string, n int)
}

// reportQueueDepth はキュー滞留数を定期的にメトリクスへ反映する。
func reportQueueDepth(ctx context.Context, q depthReader, m depthSetter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		depth, err := q.Depth(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("failed to read queue depth", slog.String("error", err.Error()))
		}
		for _, status := range []queue.Status{queue.StatusPending, queue.StatusDead} {
			m.SetQueueDepth(string(status), depth[status])
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// serveUntilDone はHTTPサーバーを起動し、ctxがキャンセルされたらシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.CurrentVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
