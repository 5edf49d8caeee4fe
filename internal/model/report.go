package model

import "time"

// RunState はリコンサイル実行の状態。
type RunState string

const (
	RunStateIdle            RunState = "idle"
	RunStateSnapshotLoading RunState = "snapshot_loading"
	RunStateBuilding        RunState = "building"
	RunStateApplying        RunState = "applying"
	RunStateDone            RunState = "done"
	// RunStateFailed はスナップショット取得失敗などで実行全体が中断したことを示す。
	RunStateFailed RunState = "failed"
)

// Failure はイベント単位またはパッチ単位の失敗。
type Failure struct {
	EventRef  string    `json:"eventRef"`
	ErrorKind ErrorKind `json:"errorKind"`
	Detail    string    `json:"detail"`
}

// RunReport はリコンサイル実行の結果。
// 呼び出し元（イベントフックハンドラー）がログ出力やアラートに利用する。
type RunReport struct {
	RunID              string    `json:"runId"`
	State              RunState  `json:"state"`
	RelevantEventCount int       `json:"relevantEventCount"`
	AppliedCount       int       `json:"appliedCount"`
	Failures           []Failure `json:"failures"`
	FatalError         string    `json:"fatalError,omitempty"`
	StartedAt          time.Time `json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
}

// AddFailure はエラーを種別付きで失敗一覧に追加する。
func (r *RunReport) AddFailure(eventRef string, err error) {
	r.Failures = append(r.Failures, Failure{
		EventRef:  eventRef,
		ErrorKind: KindOf(err),
		Detail:    err.Error(),
	})
}
