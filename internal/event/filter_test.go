package event

import (
	"errors"
	"strings"
	"testing"

	"github.com/hitoshi/groupsync/internal/model"
)

func newEvent(uuid string, eventType model.EventType, groupName, userID string) model.ProviderEvent {
	return model.ProviderEvent{
		UUID:      uuid,
		EventType: eventType,
		Target: []model.TargetEntity{
			{Type: model.TargetTypeUser, ID: userID, DisplayName: "User " + userID},
			{Type: model.TargetTypeGroup, ID: "okta-" + groupName, DisplayName: groupName},
		},
	}
}

func collect(t *testing.T, events []model.ProviderEvent, prefix string) ([]model.ProviderEvent, []error) {
	t.Helper()
	var got []model.ProviderEvent
	var errs []error
	for ev, err := range FilterRelevant(events, prefix) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got = append(got, ev)
	}
	return got, errs
}

func TestFilterRelevant_KeepsPrefixedGroups(t *testing.T) {
	events := []model.ProviderEvent{
		newEvent("e1", model.EventTypeMemberAdd, "aws-Engineering", "u1"),
		newEvent("e2", model.EventTypeMemberAdd, "corp-Engineering", "u2"),
		newEvent("e3", model.EventTypeMemberRemove, "aws-Ops", "u3"),
	}

	got, errs := collect(t, events, "aws-")
	if len(errs) != 0 {
		t.Fatalf("予期しないエラー: %v", errs)
	}
	if len(got) != 2 {
		t.Fatalf("件数 = %d, want 2", len(got))
	}
	// 入力順が保たれること
	if got[0].UUID != "e1" || got[1].UUID != "e3" {
		t.Errorf("順序 = [%s %s], want [e1 e3]", got[0].UUID, got[1].UUID)
	}
}

func TestFilterRelevant_PrefixIsCaseSensitive(t *testing.T) {
	events := []model.ProviderEvent{
		newEvent("e1", model.EventTypeMemberAdd, "AWS-Engineering", "u1"),
		newEvent("e2", model.EventTypeMemberAdd, " aws-Engineering", "u1"),
	}

	got, _ := collect(t, events, "aws-")
	if len(got) != 0 {
		t.Errorf("大文字小文字や空白の違うグループは対象外であるべき, got %d", len(got))
	}
}

func TestFilterRelevant_MissingGroupTargetIsSurfaced(t *testing.T) {
	events := []model.ProviderEvent{
		{
			UUID:      "bad",
			EventType: model.EventTypeMemberAdd,
			Target:    []model.TargetEntity{{Type: model.TargetTypeUser, ID: "u1"}},
		},
		newEvent("e2", model.EventTypeMemberAdd, "aws-Engineering", "u2"),
	}

	got, errs := collect(t, events, "aws-")
	if len(errs) != 1 {
		t.Fatalf("エラー件数 = %d, want 1", len(errs))
	}
	var me *model.MalformedEventError
	if !errors.As(errs[0], &me) {
		t.Fatalf("エラー型 = %T, want *model.MalformedEventError", errs[0])
	}
	if me.EventRef != "bad" {
		t.Errorf("EventRef = %q, want %q", me.EventRef, "bad")
	}
	// 不正イベントの後続も処理されること
	if len(got) != 1 || got[0].UUID != "e2" {
		t.Errorf("後続イベントが処理されていない: %+v", got)
	}
}

func TestFilterRelevant_MissingUserTargetIsSurfaced(t *testing.T) {
	events := []model.ProviderEvent{
		{
			UUID:      "no-user",
			EventType: model.EventTypeMemberAdd,
			Target:    []model.TargetEntity{{Type: model.TargetTypeGroup, DisplayName: "corp-Other"}},
		},
	}

	_, errs := collect(t, events, "aws-")
	if len(errs) != 1 {
		t.Fatalf("接頭辞が一致しなくてもUserターゲット欠落はエラーにすべき, got %d errors", len(errs))
	}
	if !strings.Contains(errs[0].Error(), "User") {
		t.Errorf("エラーメッセージにターゲット種別が含まれていない: %v", errs[0])
	}
}

func TestFilterRelevant_DuplicateGroupTargetsIsMalformed(t *testing.T) {
	ev := newEvent("dup", model.EventTypeMemberAdd, "aws-A", "u1")
	ev.Target = append(ev.Target, model.TargetEntity{Type: model.TargetTypeGroup, DisplayName: "aws-B"})

	_, errs := collect(t, []model.ProviderEvent{ev}, "aws-")
	if len(errs) != 1 {
		t.Fatalf("エラー件数 = %d, want 1", len(errs))
	}
	if model.KindOf(errs[0]) != model.ErrorKindMalformedEvent {
		t.Errorf("種別 = %q, want %q", model.KindOf(errs[0]), model.ErrorKindMalformedEvent)
	}
}

func TestFilterRelevant_IsRestartable(t *testing.T) {
	events := []model.ProviderEvent{
		newEvent("e1", model.EventTypeMemberAdd, "aws-Engineering", "u1"),
	}
	seq := FilterRelevant(events, "aws-")

	for i := 0; i < 2; i++ {
		n := 0
		for range seq {
			n++
		}
		if n != 1 {
			t.Errorf("%d回目の走査件数 = %d, want 1", i+1, n)
		}
	}
}

func TestFilterRelevant_StopsWhenConsumerBreaks(t *testing.T) {
	events := []model.ProviderEvent{
		newEvent("e1", model.EventTypeMemberAdd, "aws-A", "u1"),
		newEvent("e2", model.EventTypeMemberAdd, "aws-B", "u2"),
	}

	n := 0
	for range FilterRelevant(events, "aws-") {
		n++
		break
	}
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
}

func TestTargets_ReturnsBothEntities(t *testing.T) {
	ev := newEvent("e1", model.EventTypeMemberAdd, "aws-Engineering", "00u1")

	group, user, err := Targets(ev)
	if err != nil {
		t.Fatalf("Targets がエラーを返した: %v", err)
	}
	if group.DisplayName != "aws-Engineering" {
		t.Errorf("group.DisplayName = %q, want %q", group.DisplayName, "aws-Engineering")
	}
	if user.ID != "00u1" {
		t.Errorf("user.ID = %q, want %q", user.ID, "00u1")
	}
}

func TestParseBatch_ExtractsEvents(t *testing.T) {
	body := `{
		"eventType": "com.okta.event_hook",
		"data": {"events": [
			{"uuid": "e1", "eventType": "group.user_membership.add",
			 "target": [
				{"type": "User", "id": "00u1", "displayName": "Alice"},
				{"type": "UserGroup", "id": "00g1", "displayName": "aws-Engineering"}
			 ]}
		]}
	}`

	events, err := ParseBatch(strings.NewReader(body))
	if err != nil {
		t.Fatalf("ParseBatch がエラーを返した: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("件数 = %d, want 1", len(events))
	}
	if events[0].EventType != model.EventTypeMemberAdd {
		t.Errorf("EventType = %q, want %q", events[0].EventType, model.EventTypeMemberAdd)
	}
	if len(events[0].Target) != 2 || events[0].Target[1].Type != model.TargetTypeGroup {
		t.Errorf("Target = %+v", events[0].Target)
	}
}

func TestParseBatch_InvalidJSON(t *testing.T) {
	if _, err := ParseBatch(strings.NewReader("{not json")); err == nil {
		t.Error("不正なJSONはエラーを返すべき")
	}
}
