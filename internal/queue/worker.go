package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/groupsync/internal/model"
)

// Source はワーカーが消化するキューのインターフェース。
type Source interface {
	Dequeue(ctx context.Context, limit int) ([]Item, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, item Item, cause error, retryable bool) (bool, error)
}

// Applier はパッチをディレクトリに適用するインターフェース。
type Applier interface {
	ApplyPatch(ctx context.Context, patch model.MembershipPatch) error
}

// ResultRecorder はキューアイテムの処理結果を記録する。
type ResultRecorder interface {
	RecordQueueResult(result string)
}

// 処理結果のラベル。
const (
	ResultApplied = "applied"
	ResultRetry   = "retry"
	ResultDead    = "dead"
)

// Worker はキューからパッチを取り出してディレクトリに適用する。
// 1回に取り出すアイテムはグループが重複しないため、並列に適用しても
// 同じグループへのパッチが同時に適用されることはない。
type Worker struct {
	source         Source
	applier        Applier
	recorder       ResultRecorder
	logger         *slog.Logger
	batchSize      int
	maxConcurrency int
}

// NewWorker はWorkerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
// recorderはnilでもよい。
func NewWorker(source Source, applier Applier, recorder ResultRecorder, logger *slog.Logger, maxConcurrency int) *Worker {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Worker{
		source:         source,
		applier:        applier,
		recorder:       recorder,
		logger:         logger,
		batchSize:      maxConcurrency * 4,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでキューをポーリングする。
// コンテキストがキャンセルされるまで実行を継続する。
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("キューワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", w.maxConcurrency),
	)

	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("キューワーカーを停止しました")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain は取り出せるアイテムがなくなるまでRunOnceを繰り返す。
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("キュー処理サイクルの実行に失敗しました",
				slog.String("error", err.Error()),
			)
			return
		}
		if n < w.batchSize {
			return
		}
	}
}

// RunOnce はキューからアイテムを1バッチ取り出して適用し、処理件数を返す。
// semaphoreパターンで最大並列数を制御する。
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	items, err := w.source.Dequeue(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, w.maxConcurrency)
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}

		go func(it Item) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, it)
		}(item)
	}

	wg.Wait()

	w.logger.Info("キュー処理サイクルが完了しました",
		slog.Int("item_count", len(items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return len(items), nil
}

func (w *Worker) process(ctx context.Context, item Item) {
	logger := w.logger.With(
		slog.String("queue_item_id", item.ID),
		slog.String("event_ref", item.Patch.EventRef),
		slog.String("group_id", item.Patch.GroupID),
		slog.Int("attempts", item.Attempts),
	)

	applyErr := w.applier.ApplyPatch(ctx, item.Patch)
	if applyErr == nil {
		if err := w.source.Ack(ctx, item.ID); err != nil {
			logger.Error("キューアイテムの完了処理に失敗しました", slog.String("error", err.Error()))
		}
		w.record(ResultApplied)
		return
	}

	dead, err := w.source.Nack(ctx, item, applyErr, isRetryable(applyErr))
	if err != nil {
		logger.Error("キューアイテムの失敗処理に失敗しました", slog.String("error", err.Error()))
		return
	}
	if dead {
		logger.Error("パッチを配送不能にしました",
			slog.String("error_kind", string(model.KindOf(applyErr))),
			slog.String("error", applyErr.Error()),
		)
		w.record(ResultDead)
		return
	}
	logger.Warn("パッチの適用に失敗しました。再配送します",
		slog.String("error_kind", string(model.KindOf(applyErr))),
		slog.String("error", applyErr.Error()),
	)
	w.record(ResultRetry)
}

func (w *Worker) record(result string) {
	if w.recorder != nil {
		w.recorder.RecordQueueResult(result)
	}
}

// isRetryable は適用エラーが再配送で回復し得るかを判定する。
// ディレクトリが4xxを返した場合は設定不備とみなし再配送しない。
func isRetryable(err error) bool {
	var ae *model.DirectoryApplyError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return true
}
