// Package reconcile はプロバイダのメンバーシップ変更イベントをディレクトリへのパッチに変換し適用する。
// イベントの絞り込み、ディレクトリスナップショットの遅延ロード、パッチの組み立てと適用を含む。
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/groupsync/internal/event"
	"github.com/hitoshi/groupsync/internal/model"
)

// Directory はスナップショットのロードに使うディレクトリの読み取りインターフェース。
type Directory interface {
	FetchAllUsers(ctx context.Context) (map[string]model.DirectoryUser, error)
	FetchAllGroups(ctx context.Context) (map[string]model.DirectoryGroup, error)
}

// PatchSink は組み立てたパッチを受け取るインターフェース。
// ディレクトリへの直接適用と、永続キューへの投入のどちらでも実装できる。
type PatchSink interface {
	Accept(ctx context.Context, patch model.MembershipPatch) error
}

// PatchSinkFunc は関数をPatchSinkとして扱うためのアダプタ。
type PatchSinkFunc func(ctx context.Context, patch model.MembershipPatch) error

// Accept はf(ctx, patch)を呼び出す。
func (f PatchSinkFunc) Accept(ctx context.Context, patch model.MembershipPatch) error {
	return f(ctx, patch)
}

// RunRecorder は実行結果をメトリクスに記録する。
type RunRecorder interface {
	RecordRun(report *model.RunReport)
}

// ReportStore は実行結果を永続化する。
type ReportStore interface {
	Save(ctx context.Context, report *model.RunReport) error
}

// EngineConfig はEngineの設定パラメータ。
type EngineConfig struct {
	// GroupPrefix は対象とするグループ表示名の接頭辞。
	GroupPrefix string
	// GroupsResourceBase はパッチ対象グループURIのベース（{base}/Groups）。
	GroupsResourceBase string
	// MaxConcurrent はパッチ適用時に並列処理するグループ数の上限（デフォルト: 4）。
	MaxConcurrent int
	// Recorder はメトリクスの記録先。nilの場合は記録しない。
	Recorder RunRecorder
	// Store は実行結果の保存先。nilの場合は保存しない。
	Store ReportStore
}

// Engine はリコンサイル実行のオーケストレーター。
// 1回のRunは1つのイベントバッチを最後まで処理してから結果を返す。
type Engine struct {
	directory Directory
	sink      PatchSink
	logger    *slog.Logger
	config    EngineConfig
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(directory Directory, sink PatchSink, logger *slog.Logger, config EngineConfig) *Engine {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	return &Engine{
		directory: directory,
		sink:      sink,
		logger:    logger,
		config:    config,
	}
}

// run は1回のリコンサイル実行の状態を保持する。
type run struct {
	engine *Engine
	logger *slog.Logger
	report *model.RunReport
	mu     sync.Mutex
}

// Run はイベントバッチに対してリコンサイルを1回実行する。
//
// 状態遷移:
//
//	Idle → SnapshotLoading → Building → Applying → Done
//
// 対象イベントが1件もない場合、スナップショットはロードしない。
// イベント単位・パッチ単位の失敗はレポートに集約し、処理を継続する。
// スナップショットのロードに失敗した場合はパッチを1件も組み立てずにエラーを返す。
func (e *Engine) Run(ctx context.Context, events []model.ProviderEvent) (*model.RunReport, error) {
	runID := uuid.New().String()
	r := &run{
		engine: e,
		logger: e.logger.With(slog.String("run_id", runID)),
		report: &model.RunReport{
			RunID:     runID,
			State:     model.RunStateIdle,
			Failures:  []model.Failure{},
			StartedAt: time.Now(),
		},
	}

	r.logger.Info("リコンサイル実行を開始しました", slog.Int("event_count", len(events)))

	patches, err := r.build(ctx, events)
	if err != nil {
		r.report.FatalError = err.Error()
		r.transition(model.RunStateFailed)
		e.finish(ctx, r)
		return r.report, err
	}

	r.apply(ctx, patches)
	r.transition(model.RunStateDone)
	e.finish(ctx, r)
	return r.report, nil
}

// build は対象イベントを絞り込み、パッチを組み立てる。
// スナップショットは最初の対象イベントで1回だけロードする。
func (r *run) build(ctx context.Context, events []model.ProviderEvent) ([]model.MembershipPatch, error) {
	var snapshot *model.DirectorySnapshot
	var patches []model.MembershipPatch

	for ev, err := range event.FilterRelevant(events, r.engine.config.GroupPrefix) {
		if err != nil {
			r.recordFailure(ev.Ref(), err)
			continue
		}
		r.report.RelevantEventCount++

		if snapshot == nil {
			r.transition(model.RunStateSnapshotLoading)
			snapshot, err = r.engine.loadSnapshot(ctx)
			if err != nil {
				return nil, err
			}
			r.transition(model.RunStateBuilding)
		}

		patch, err := BuildPatch(ev, snapshot, r.engine.config.GroupsResourceBase)
		if err != nil {
			r.recordFailure(ev.Ref(), err)
			continue
		}
		patches = append(patches, patch)
	}

	return patches, nil
}

// loadSnapshot はユーザーとグループを並行して取得する。
// どちらか一方でも失敗した場合はスナップショット全体を失敗とする。
func (e *Engine) loadSnapshot(ctx context.Context) (*model.DirectorySnapshot, error) {
	var users map[string]model.DirectoryUser
	var groups map[string]model.DirectoryGroup

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = e.directory.FetchAllUsers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		groups, err = e.directory.FetchAllGroups(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		var fe *model.DirectoryFetchError
		if !errors.As(err, &fe) {
			err = &model.DirectoryFetchError{Resource: "directory", Err: err}
		}
		return nil, err
	}

	return &model.DirectorySnapshot{
		UsersByExternalID:   users,
		GroupsByDisplayName: groups,
	}, nil
}

// apply はパッチをシンクに渡す。
// 異なるグループへのパッチは並列に、同じグループへのパッチは入力順に直列で処理する。
// 1件の失敗は他のパッチの適用を妨げない。
func (r *run) apply(ctx context.Context, patches []model.MembershipPatch) {
	if len(patches) == 0 {
		return
	}
	r.transition(model.RunStateApplying)

	var order []string
	byGroup := make(map[string][]model.MembershipPatch)
	for _, p := range patches {
		if _, ok := byGroup[p.GroupID]; !ok {
			order = append(order, p.GroupID)
		}
		byGroup[p.GroupID] = append(byGroup[p.GroupID], p)
	}

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, r.engine.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, groupID := range order {
		wg.Add(1)
		sem <- struct{}{}

		go func(group []model.MembershipPatch) {
			defer wg.Done()
			defer func() { <-sem }()

			for _, p := range group {
				if err := r.engine.sink.Accept(ctx, p); err != nil {
					r.recordFailure(p.EventRef, err)
					continue
				}
				r.mu.Lock()
				r.report.AppliedCount++
				r.mu.Unlock()
			}
		}(byGroup[groupID])
	}

	wg.Wait()
}

func (r *run) recordFailure(eventRef string, err error) {
	r.logger.Warn("イベントを反映できませんでした",
		slog.String("event_ref", eventRef),
		slog.String("error_kind", string(model.KindOf(err))),
		slog.String("error", err.Error()),
	)
	r.mu.Lock()
	r.report.AddFailure(eventRef, err)
	r.mu.Unlock()
}

func (r *run) transition(to model.RunState) {
	r.logger.Debug("実行状態が遷移しました",
		slog.String("from", string(r.report.State)),
		slog.String("to", string(to)),
	)
	r.report.State = to
}

// finish は実行結果を記録・保存し、サマリーをログに出力する。
// 保存の失敗は実行結果に影響させない。
func (e *Engine) finish(ctx context.Context, r *run) {
	r.report.FinishedAt = time.Now()

	if e.config.Recorder != nil {
		e.config.Recorder.RecordRun(r.report)
	}
	if e.config.Store != nil {
		if err := e.config.Store.Save(ctx, r.report); err != nil {
			r.logger.Error("実行結果の保存に失敗しました", slog.String("error", err.Error()))
		}
	}

	level := slog.LevelInfo
	if r.report.State == model.RunStateFailed {
		level = slog.LevelError
	} else if len(r.report.Failures) > 0 {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "リコンサイル実行が完了しました",
		slog.String("state", string(r.report.State)),
		slog.Int("relevant_events", r.report.RelevantEventCount),
		slog.Int("applied", r.report.AppliedCount),
		slog.Int("failures", len(r.report.Failures)),
		slog.String("fatal_error", r.report.FatalError),
		slog.Float64("duration_ms", float64(r.report.FinishedAt.Sub(r.report.StartedAt).Milliseconds())),
	)
}
