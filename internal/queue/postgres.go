// Package queue はメンバーシップパッチの永続キューと、キューを消化するワーカーを提供する。
// イベントフックの応答とディレクトリへの適用を切り離すために使う。
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/groupsync/internal/model"
)

const (
	// defaultMaxAttempts は配送不能とするまでの最大試行回数。
	defaultMaxAttempts = 5
	// defaultLease はデキューしたアイテムを他のワーカーから隠す時間。
	// 処理中にワーカーが停止した場合、リース切れで再配送される。
	defaultLease = 2 * time.Minute
)

// Status はキューアイテムの状態。
type Status string

const (
	StatusPending Status = "pending"
	StatusDead    Status = "dead"
)

// Item はキューから取り出した1件のパッチ。
type Item struct {
	ID       string
	Patch    model.MembershipPatch
	Attempts int
}

// PostgresQueue はPostgreSQLを使用したパッチキュー。
// 同じグループへのパッチは投入順に1件ずつしか取り出さない。
type PostgresQueue struct {
	db          *sql.DB
	maxAttempts int
	lease       time.Duration
}

// NewPostgresQueue はPostgresQueueを生成する。
// maxAttemptsが0以下の場合はデフォルト値5を使用する。
func NewPostgresQueue(db *sql.DB, maxAttempts int) *PostgresQueue {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &PostgresQueue{
		db:          db,
		maxAttempts: maxAttempts,
		lease:       defaultLease,
	}
}

// Accept はパッチをキューに投入する。reconcile.PatchSinkを満たす。
func (q *PostgresQueue) Accept(ctx context.Context, patch model.MembershipPatch) error {
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("パッチのシリアライズに失敗しました: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO patch_queue (id, group_id, event_ref, payload, status, attempts, available_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, now(), now())`,
		uuid.New().String(), patch.GroupID, patch.EventRef, payload, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("パッチのキュー投入に失敗しました: %w", err)
	}
	return nil
}

// Dequeue は適用可能なパッチを最大limit件取り出す。
// グループごとに最も古い未処理アイテムだけが対象になるため、
// 返すアイテムのグループは互いに重複しない。
// 取り出したアイテムはリース期間中は他のワーカーから見えなくなり、試行回数が1増える。
func (q *PostgresQueue) Dequeue(ctx context.Context, limit int) ([]Item, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT q.id, q.payload, q.attempts
		 FROM patch_queue q
		 WHERE q.status = 'pending'
		   AND q.available_at <= now()
		   AND NOT EXISTS (
		       SELECT 1 FROM patch_queue e
		       WHERE e.group_id = q.group_id
		         AND e.status = 'pending'
		         AND e.seq < q.seq
		   )
		 ORDER BY q.seq ASC
		 LIMIT $1
		 FOR UPDATE OF q SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("キューアイテムの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []Item
	var ids []string
	for rows.Next() {
		var item Item
		var payload []byte
		if err := rows.Scan(&item.ID, &payload, &item.Attempts); err != nil {
			return nil, fmt.Errorf("キューアイテムのスキャンに失敗しました: %w", err)
		}
		if err := json.Unmarshal(payload, &item.Patch); err != nil {
			return nil, fmt.Errorf("パッチのデシリアライズに失敗しました (id=%s): %w", item.ID, err)
		}
		item.Attempts++
		items = append(items, item)
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キューアイテムの走査に失敗しました: %w", err)
	}

	if len(items) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE patch_queue
		 SET attempts = attempts + 1, available_at = now() + $2::interval
		 WHERE id = ANY($1::uuid[])`,
		pq.Array(ids), fmt.Sprintf("%d milliseconds", q.lease.Milliseconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("キューアイテムのリース設定に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return items, nil
}

// Ack は適用に成功したアイテムをキューから削除する。
func (q *PostgresQueue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM patch_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("キューアイテムの削除に失敗しました: %w", err)
	}
	return nil
}

// Nack は適用に失敗したアイテムを再配送待ちに戻す。
// 再試行しても回復しない失敗、または試行回数が上限に達した場合は配送不能（dead）にし、trueを返す。
// 配送不能のアイテムは同じグループの後続アイテムをブロックしない。
func (q *PostgresQueue) Nack(ctx context.Context, item Item, cause error, retryable bool) (bool, error) {
	if !retryable || item.Attempts >= q.maxAttempts {
		_, err := q.db.ExecContext(ctx,
			`UPDATE patch_queue SET status = $2, last_error = $3 WHERE id = $1`,
			item.ID, StatusDead, cause.Error(),
		)
		if err != nil {
			return false, fmt.Errorf("キューアイテムの配送不能化に失敗しました: %w", err)
		}
		return true, nil
	}

	delay := CalculateBackoff(item.Attempts - 1)
	_, err := q.db.ExecContext(ctx,
		`UPDATE patch_queue
		 SET last_error = $2, available_at = now() + $3::interval
		 WHERE id = $1`,
		item.ID, cause.Error(), fmt.Sprintf("%d milliseconds", delay.Milliseconds()),
	)
	if err != nil {
		return false, fmt.Errorf("キューアイテムの再配送設定に失敗しました: %w", err)
	}
	return false, nil
}

// Depth は状態ごとのアイテム数を返す。
func (q *PostgresQueue) Depth(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM patch_queue GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("キュー件数の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	depth := map[Status]int{StatusPending: 0, StatusDead: 0}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("キュー件数のスキャンに失敗しました: %w", err)
		}
		depth[status] = count
	}
	return depth, rows.Err()
}
