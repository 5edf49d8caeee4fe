package event

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hitoshi/groupsync/internal/model"
)

// maxBatchSize はイベントフックのリクエストボディの上限（1MB）。
const maxBatchSize = 1 << 20

// ParseBatch はイベントフックのリクエストボディからイベント一覧を取り出す。
func ParseBatch(r io.Reader) ([]model.ProviderEvent, error) {
	var batch model.EventBatch
	dec := json.NewDecoder(io.LimitReader(r, maxBatchSize))
	if err := dec.Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode event batch: %w", err)
	}
	return batch.Data.Events, nil
}
