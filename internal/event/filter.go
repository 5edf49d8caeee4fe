// Package event はイベントフックで受け取ったメンバーシップ変更イベントの解釈と絞り込みを提供する。
package event

import (
	"fmt"
	"iter"
	"strings"

	"github.com/hitoshi/groupsync/internal/model"
)

// Targets はイベントから UserGroup と User のターゲットをそれぞれ1件ずつ取り出す。
// どちらかが0件または複数件の場合は MalformedEventError を返す。
func Targets(ev model.ProviderEvent) (group, user model.TargetEntity, err error) {
	group, err = targetByType(ev, model.TargetTypeGroup)
	if err != nil {
		return model.TargetEntity{}, model.TargetEntity{}, err
	}
	user, err = targetByType(ev, model.TargetTypeUser)
	if err != nil {
		return model.TargetEntity{}, model.TargetEntity{}, err
	}
	return group, user, nil
}

func targetByType(ev model.ProviderEvent, targetType model.TargetType) (model.TargetEntity, error) {
	var found []model.TargetEntity
	for _, t := range ev.Target {
		if t.Type == targetType {
			found = append(found, t)
		}
	}

	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return model.TargetEntity{}, &model.MalformedEventError{
			EventRef: ev.Ref(),
			Reason:   fmt.Sprintf("no %s target", targetType),
		}
	default:
		return model.TargetEntity{}, &model.MalformedEventError{
			EventRef: ev.Ref(),
			Reason:   fmt.Sprintf("%d %s targets, want exactly 1", len(found), targetType),
		}
	}
}

// IsRelevant はグループ名が接頭辞で始まるかを判定する。
// 大文字小文字を区別し、正規化は行わない。
func IsRelevant(group model.TargetEntity, groupPrefix string) bool {
	return strings.HasPrefix(group.DisplayName, groupPrefix)
}

// FilterRelevant は対象グループ名が groupPrefix で始まるイベントだけを入力順に返す。
// 返すシーケンスは遅延評価で、range するたびに先頭から再評価される。
// 構造が不正なイベントはスキップせず、エラーとして呼び出し元に渡す。
func FilterRelevant(events []model.ProviderEvent, groupPrefix string) iter.Seq2[model.ProviderEvent, error] {
	return func(yield func(model.ProviderEvent, error) bool) {
		for _, ev := range events {
			group, _, err := Targets(ev)
			if err != nil {
				if !yield(ev, err) {
					return
				}
				continue
			}
			if !IsRelevant(group, groupPrefix) {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
