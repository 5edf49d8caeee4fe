package reconcile

import (
	"strings"

	"github.com/hitoshi/groupsync/internal/event"
	"github.com/hitoshi/groupsync/internal/model"
)

// patchOperationForEvent はイベント種別からパッチ操作への対応表。
var patchOperationForEvent = map[model.EventType]model.PatchOperation{
	model.EventTypeMemberAdd:    model.PatchOperationAdd,
	model.EventTypeMemberRemove: model.PatchOperationRemove,
}

// BuildPatch はイベントとディレクトリスナップショットからメンバーシップパッチを組み立てる。
// 入力だけに依存する純粋関数で、副作用を持たない。
// ユーザーはプロバイダ側IDをexternalIdとして、グループは表示名で照合する。
func BuildPatch(ev model.ProviderEvent, snapshot *model.DirectorySnapshot, groupsResourceBase string) (model.MembershipPatch, error) {
	groupTarget, userTarget, err := event.Targets(ev)
	if err != nil {
		return model.MembershipPatch{}, err
	}

	op, ok := patchOperationForEvent[ev.EventType]
	if !ok {
		return model.MembershipPatch{}, &model.UnsupportedEventTypeError{
			EventRef:  ev.Ref(),
			EventType: ev.EventType,
		}
	}

	user, ok := snapshot.UsersByExternalID[userTarget.ID]
	if !ok {
		return model.MembershipPatch{}, &model.UnresolvedUserError{
			EventRef:   ev.Ref(),
			ExternalID: userTarget.ID,
		}
	}

	group, ok := snapshot.GroupsByDisplayName[groupTarget.DisplayName]
	if !ok {
		return model.MembershipPatch{}, &model.UnresolvedGroupError{
			EventRef:    ev.Ref(),
			DisplayName: groupTarget.DisplayName,
		}
	}

	return model.MembershipPatch{
		EventRef:        ev.Ref(),
		TargetResource:  strings.TrimRight(groupsResourceBase, "/") + "/" + group.ID,
		GroupID:         group.ID,
		Operation:       op,
		UserID:          user.ID,
		UserDisplayName: user.DisplayName,
	}, nil
}
