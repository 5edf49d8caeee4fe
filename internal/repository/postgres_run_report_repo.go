package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/groupsync/internal/model"
)

// PostgresRunReportRepo はPostgreSQLを使用した実行結果リポジトリ。
type PostgresRunReportRepo struct {
	db *sql.DB
}

// NewPostgresRunReportRepo はPostgresRunReportRepoを生成する。
func NewPostgresRunReportRepo(db *sql.DB) *PostgresRunReportRepo {
	return &PostgresRunReportRepo{db: db}
}

// Save は実行結果と失敗一覧を同一トランザクションで保存する。
func (r *PostgresRunReportRepo) Save(ctx context.Context, report *model.RunReport) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_reports (id, state, relevant_event_count, applied_count, failure_count,
		                          fatal_error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		report.RunID, report.State, report.RelevantEventCount, report.AppliedCount,
		len(report.Failures), nullString(report.FatalError),
		report.StartedAt, report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run report: %w", err)
	}

	for _, f := range report.Failures {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_failures (run_id, event_ref, error_kind, detail)
			 VALUES ($1, $2, $3, $4)`,
			report.RunID, f.EventRef, f.ErrorKind, f.Detail,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run failure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// FindByID は指定IDの実行結果を失敗一覧付きで取得する。見つからない場合はnilを返す。
func (r *PostgresRunReportRepo) FindByID(ctx context.Context, runID string) (*model.RunReport, error) {
	report := &model.RunReport{Failures: []model.Failure{}}
	var fatalError sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, state, relevant_event_count, applied_count, fatal_error, started_at, finished_at
		 FROM run_reports WHERE id = $1`,
		runID,
	).Scan(
		&report.RunID, &report.State, &report.RelevantEventCount, &report.AppliedCount,
		&fatalError, &report.StartedAt, &report.FinishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("実行結果の取得に失敗しました: %w", err)
	}
	report.FatalError = nullStringValue(fatalError)

	rows, err := r.db.QueryContext(ctx,
		`SELECT event_ref, error_kind, detail
		 FROM run_failures WHERE run_id = $1
		 ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("失敗一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f model.Failure
		if err := rows.Scan(&f.EventRef, &f.ErrorKind, &f.Detail); err != nil {
			return nil, fmt.Errorf("失敗一覧のスキャンに失敗しました: %w", err)
		}
		report.Failures = append(report.Failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("失敗一覧の走査に失敗しました: %w", err)
	}

	return report, nil
}

// nullString は空文字列をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
