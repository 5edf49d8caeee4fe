package model

// DirectoryUser はディレクトリ（SCIM）側のユーザー。
type DirectoryUser struct {
	ID          string `json:"id"`
	ExternalID  string `json:"externalId"`
	UserName    string `json:"userName,omitempty"`
	DisplayName string `json:"displayName"`
}

// DirectoryGroup はディレクトリ（SCIM）側のグループ。
type DirectoryGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// DirectorySnapshot は1回のリコンサイル実行中に参照するディレクトリの読み取り専用ビュー。
// ロード後は変更しないため、複数goroutineからロックなしで参照できる。
type DirectorySnapshot struct {
	UsersByExternalID   map[string]DirectoryUser
	GroupsByDisplayName map[string]DirectoryGroup
}

// PatchOperation はメンバーシップパッチの操作種別。
type PatchOperation string

const (
	PatchOperationAdd    PatchOperation = "add"
	PatchOperationRemove PatchOperation = "remove"
)

// MembershipPatch は1イベントから組み立てたグループメンバーシップの部分更新。
// 他のパッチとは独立しており、重複排除や永続化の単位にはならない。
type MembershipPatch struct {
	EventRef        string         `json:"eventRef"`
	TargetResource  string         `json:"targetResource"`
	GroupID         string         `json:"groupId"`
	Operation       PatchOperation `json:"operation"`
	UserID          string         `json:"userId"`
	UserDisplayName string         `json:"userDisplayName"`
}
