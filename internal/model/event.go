// Package model はドメインモデルを定義する。
package model

import "strings"

// EventType はOktaイベントフックのイベント種別。
type EventType string

const (
	// EventTypeMemberAdd はグループへのユーザー追加イベント。
	EventTypeMemberAdd EventType = "group.user_membership.add"
	// EventTypeMemberRemove はグループからのユーザー削除イベント。
	EventTypeMemberRemove EventType = "group.user_membership.remove"
)

// TargetType はイベントのターゲットエンティティ種別。
type TargetType string

const (
	// TargetTypeGroup はグループを表すターゲット種別。
	TargetTypeGroup TargetType = "UserGroup"
	// TargetTypeUser はユーザーを表すターゲット種別。
	TargetTypeUser TargetType = "User"
)

// TargetEntity はイベントが対象とするエンティティ。
// User の ID はプロバイダ側の識別子で、ディレクトリ側の externalId と一致する。
type TargetEntity struct {
	Type        TargetType `json:"type"`
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
}

// ProviderEvent はプロバイダから届くグループメンバーシップ変更イベント。
// バッチ内の順序はプロバイダ側で保証されない。
type ProviderEvent struct {
	UUID      string         `json:"uuid"`
	EventType EventType      `json:"eventType"`
	Published string         `json:"published,omitempty"`
	Target    []TargetEntity `json:"target"`
}

// Ref はレポートやログでイベントを識別するための参照文字列を返す。
// UUIDがない場合はイベント種別とターゲットIDから組み立てる。
func (e ProviderEvent) Ref() string {
	if e.UUID != "" {
		return e.UUID
	}
	parts := []string{string(e.EventType)}
	for _, t := range e.Target {
		parts = append(parts, string(t.Type)+"="+t.ID)
	}
	return strings.Join(parts, ":")
}

// EventBatch はイベントフックのリクエストボディ。
type EventBatch struct {
	EventType string `json:"eventType,omitempty"`
	Data      struct {
		Events []ProviderEvent `json:"events"`
	} `json:"data"`
}
