// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/groupsync/internal/model"
)

// RunReportRepository はリコンサイル実行結果の永続化インターフェース。
// 失敗したイベントを後から調査・再送するために使う。
type RunReportRepository interface {
	// Save は実行結果と失敗一覧を同一トランザクションで保存する。
	Save(ctx context.Context, report *model.RunReport) error

	// FindByID は指定IDの実行結果を失敗一覧付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, runID string) (*model.RunReport, error)
}
