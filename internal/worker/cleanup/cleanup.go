// Package cleanup は実行結果とデッドレターの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過したrun_reportsとdead状態のpatch_queueを
// 日次バッチで削除する。run_failuresはCASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DefaultRetentionDays はデフォルトの保持日数。
const DefaultRetentionDays = 30

// target は削除対象のテーブルと条件。
type target struct {
	name  string
	query string
}

var targets = []target{
	{
		name:  "run_reports",
		query: `DELETE FROM run_reports WHERE finished_at < now() - $1::interval`,
	},
	{
		name:  "dead_patches",
		query: `DELETE FROM patch_queue WHERE status = 'dead' AND created_at < now() - $1::interval`,
	},
}

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 冪等で、削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使用する。
func NewCleanupJob(db Executor, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run は保持期間を超過した実行結果とデッドレターを削除する。
// 最初に失敗した削除でエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	deleted := make(map[string]int64, len(targets))
	for _, t := range targets {
		result, err := j.db.ExecContext(ctx, t.query, interval)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("target", t.name),
				slog.String("error", err.Error()),
				slog.Int("retention_days", j.RetentionDays),
			)
			return fmt.Errorf("failed to clean up %s: %w", t.name, err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read deleted count for %s: %w", t.name, err)
		}
		deleted[t.name] = n
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_run_reports", deleted["run_reports"]),
		slog.Int64("deleted_dead_patches", deleted["dead_patches"]),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("クリーンアップジョブは次回に再実行します", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("クリーンアップジョブは次回に再実行します", slog.String("error", err.Error()))
			}
		}
	}
}
