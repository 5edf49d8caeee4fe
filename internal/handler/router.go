package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/groupsync/internal/metrics"
	"github.com/hitoshi/groupsync/internal/middleware"
)

// HealthChecker は依存先の疎通確認インターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	HookTokens  middleware.TokenSource
	RateLimiter *middleware.RateLimiter

	// イベントフック
	Reconciler Reconciler

	// 実行結果の参照。nilの場合は/runsを公開しない。
	Runs RunFinder

	// HealthCheckerがnilの場合、/healthは常に200を返す。
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → RateLimit → Authorizer
//
// /health と /metrics は認可の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	// --- 認可不要のルート ---
	mountOperational(r, deps.HealthChecker, deps.Gatherer)

	hookHandler := NewHookHandler(deps.Reconciler, deps.Logger)

	// --- 認可が必要なルート ---
	// ミドルウェアスタック: RateLimit → Authorizer
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Use(middleware.NewAuthorizerMiddleware(deps.HookTokens))

		r.Route("/hooks/okta", func(r chi.Router) {
			r.Get("/", hookHandler.Verify)
			r.Post("/", hookHandler.Receive)
		})

		if deps.Runs != nil {
			runHandler := NewRunHandler(deps.Runs, deps.Logger)
			r.Get("/runs/{runID}", runHandler.GetRun)
		}
	})

	return r
}

// NewOperationalRouter は/healthと/metricsのみを公開するルーターを返す。
// イベントフックを受けないworkerプロセスで使う。
func NewOperationalRouter(logger *slog.Logger, checker HealthChecker, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	mountOperational(r, checker, gatherer)
	return r
}

func mountOperational(r chi.Router, checker HealthChecker, gatherer prometheus.Gatherer) {
	r.Get("/health", healthHandler(checker))
	if gatherer != nil {
		r.Handle("/metrics", metrics.Handler(gatherer))
	}
}

// healthHandler は/healthのハンドラーを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
