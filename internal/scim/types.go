// Package scim はSCIMディレクトリ（AWS IAM Identity Center）のクライアントを提供する。
// ユーザー/グループの一覧取得とグループメンバーシップのパッチ適用を含む。
package scim

import "github.com/hitoshi/groupsync/internal/model"

// PatchOpSchema はSCIM PatchOpメッセージのスキーマURN。
const PatchOpSchema = "urn:ietf:params:scim:api:messages:2.0:PatchOp"

// listResponse はSCIM一覧APIのレスポンス。
type listResponse[T any] struct {
	TotalResults int `json:"totalResults"`
	ItemsPerPage int `json:"itemsPerPage"`
	StartIndex   int `json:"startIndex"`
	Resources    []T `json:"Resources"`
}

// PatchRequest はSCIM PatchOpリクエストボディ。
type PatchRequest struct {
	Schemas    []string    `json:"schemas"`
	Operations []Operation `json:"Operations"`
}

// Operation はPatchOpの1操作。
type Operation struct {
	Op    string        `json:"op"`
	Path  string        `json:"path"`
	Value []MemberValue `json:"value"`
}

// MemberValue はグループメンバーの参照。
type MemberValue struct {
	Display string `json:"display"`
	Value   string `json:"value"`
}

// NewMemberPatchRequest はメンバーシップパッチからPatchOpリクエストボディを組み立てる。
func NewMemberPatchRequest(patch model.MembershipPatch) PatchRequest {
	return PatchRequest{
		Schemas: []string{PatchOpSchema},
		Operations: []Operation{
			{
				Op:   string(patch.Operation),
				Path: "members",
				Value: []MemberValue{
					{Display: patch.UserDisplayName, Value: patch.UserID},
				},
			},
		},
	}
}
