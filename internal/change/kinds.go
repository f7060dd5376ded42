// kinds.go
package change

import "fmt"

// Resource kinds known to the propagation layer.
const (
	KindWorkspace       = "workspace"
	KindBoard           = "board"
	KindColumn          = "column"
	KindCard            = "card"
	KindLabel           = "label"
	KindBoardMember     = "board_member"
	KindWorkspaceMember = "workspace_member"
	KindCustomRole      = "custom_role"
	KindRolePermission  = "role_permission"
	KindInviteLink      = "invite_link"
)

// UserField is the field naming the member on membership rows.
const UserField = "userId"

// Flag marks a property of a resource kind.
type Flag uint8

const (
	// FlagScope kinds own a broadcast scope (workspace, board).
	FlagScope Flag = 1 << iota
	// FlagMembership rows grant or revoke access for one user.
	FlagMembership
	// FlagRole rows change what a membership is allowed to do.
	FlagRole
	// FlagStructural changes must be visible immediately.
	FlagStructural
	// FlagInvite rows are invite links.
	FlagInvite
)

// KindInfo describes one resource kind and its place in the ownership tree.
type KindInfo struct {
	Name        string
	Parent      string
	ParentField string
	Flags       Flag
}

// Is reports whether the kind carries flag f.
func (k KindInfo) Is(f Flag) bool {
	return k.Flags&f != 0
}

// AffectsAccess reports whether a mutation of this kind can change an
// access decision.
func (k KindInfo) AffectsAccess() bool {
	return k.Is(FlagMembership) || k.Is(FlagRole)
}

var kinds = map[string]KindInfo{
	KindWorkspace:       {Name: KindWorkspace, Flags: FlagScope | FlagStructural},
	KindBoard:           {Name: KindBoard, Parent: KindWorkspace, ParentField: "workspaceId", Flags: FlagScope},
	KindColumn:          {Name: KindColumn, Parent: KindBoard, ParentField: "boardId"},
	KindCard:            {Name: KindCard, Parent: KindColumn, ParentField: "columnId"},
	KindLabel:           {Name: KindLabel, Parent: KindBoard, ParentField: "boardId"},
	KindBoardMember:     {Name: KindBoardMember, Parent: KindBoard, ParentField: "boardId", Flags: FlagMembership},
	KindWorkspaceMember: {Name: KindWorkspaceMember, Parent: KindWorkspace, ParentField: "workspaceId", Flags: FlagMembership},
	KindCustomRole:      {Name: KindCustomRole, Parent: KindWorkspace, ParentField: "workspaceId", Flags: FlagRole},
	KindRolePermission:  {Name: KindRolePermission, Parent: KindCustomRole, ParentField: "roleId", Flags: FlagRole},
	KindInviteLink:      {Name: KindInviteLink, Parent: KindWorkspace, ParentField: "workspaceId", Flags: FlagInvite},
}

// LookupKind returns the catalogue entry for name.
func LookupKind(name string) (KindInfo, bool) {
	k, ok := kinds[name]
	return k, ok
}

// Kinds returns every known kind name.
func Kinds() []string {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	return names
}

// NearestScopeKind returns the closest enclosing scope kind of a non-scope
// kind, or "" when the kind has none.
func NearestScopeKind(name string) string {
	info := kinds[name]
	for info.Parent != "" {
		parent := kinds[info.Parent]
		if parent.Is(FlagScope) {
			return parent.Name
		}
		info = parent
	}
	return ""
}

// EntityRef names one stored entity.
type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// IsZero reports whether r is unset.
func (r EntityRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// Scope is a workspace or board that access decisions are made against.
type Scope struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// IsZero reports whether s is unset.
func (s Scope) IsZero() bool {
	return s.Kind == "" && s.ID == ""
}

// Ref returns the entity that owns the scope.
func (s Scope) Ref() EntityRef {
	return EntityRef{Kind: s.Kind, ID: s.ID}
}

// ScopeOf returns the scope owned by ref, if ref is a scope kind.
func ScopeOf(ref EntityRef) (Scope, bool) {
	info, ok := kinds[ref.Kind]
	if !ok || !info.Is(FlagScope) || ref.ID == "" {
		return Scope{}, false
	}
	return Scope{Kind: ref.Kind, ID: ref.ID}, true
}
