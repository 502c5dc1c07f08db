package domain

import (
	"fmt"
	"strings"
)

// AutomationStatus is the machine-owned lifecycle field of a project record.
// It is distinct from the human-owned project status.
type AutomationStatus string

const (
	StatusBlank          AutomationStatus = ""
	StatusReady          AutomationStatus = "Ready"
	StatusCreated        AutomationStatus = "Created"
	StatusUpdated        AutomationStatus = "Updated"
	StatusDeleteNotify   AutomationStatus = "DeleteNotify"
	StatusDeleteNoNotify AutomationStatus = "DeleteNoNotify"
	StatusDeleted        AutomationStatus = "Deleted"
	StatusError          AutomationStatus = "Error"
)

// AllStatuses lists every automation status in display order.
var AllStatuses = []AutomationStatus{
	StatusBlank,
	StatusReady,
	StatusCreated,
	StatusUpdated,
	StatusDeleteNotify,
	StatusDeleteNoNotify,
	StatusDeleted,
	StatusError,
}

func (s AutomationStatus) String() string {
	if s == StatusBlank {
		return "(blank)"
	}
	return string(s)
}

func (s AutomationStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsDelete reports whether s is one of the delete request states.
func (s AutomationStatus) IsDelete() bool {
	return s == StatusDeleteNotify || s == StatusDeleteNoNotify
}

// ParseStatus matches s case-insensitively against the known statuses.
func ParseStatus(s string) (AutomationStatus, error) {
	trimmed := strings.TrimSpace(s)
	for _, v := range AllStatuses {
		if strings.EqualFold(string(v), trimmed) {
			return v, nil
		}
	}
	return StatusBlank, fmt.Errorf("unknown automation status %q", s)
}

type ActiveFlag string

const (
	ActiveYes   ActiveFlag = "Yes"
	ActiveNo    ActiveFlag = "No"
	ActiveBlank ActiveFlag = ""
)

type Role string

const (
	RoleNone   Role = ""
	RoleViewer Role = "Viewer"
	RoleEditor Role = "Editor"
	RoleOwner  Role = "Owner"
)

// Rank orders roles so upgrades can be compared.
func (r Role) Rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleOwner:
		return 3
	}
	return 0
}

type FolderScope string

const (
	ScopeNone     FolderScope = ""
	ScopeAll      FolderScope = "All"
	ScopeView     FolderScope = "View"
	ScopeAssigned FolderScope = "Assigned"
)

type AccessAction string

const (
	AccessGrant  AccessAction = "grant"
	AccessRevoke AccessAction = "revoke"
	AccessSkip   AccessAction = "skip"
)

type DirectoryEntry struct {
	Name                string      `json:"name"`
	Address             string      `json:"address"`
	Active              ActiveFlag  `json:"active" enum:"Yes,No,"`
	GlobalAccess        Role        `json:"global_access,omitempty"`
	MainRoleOverride    Role        `json:"main_role_override,omitempty"`
	FolderScopeOverride FolderScope `json:"folder_scope_override,omitempty"`
}

// EffectiveAccess is the resolved access after directory precedence rules.
type EffectiveAccess struct {
	StoreRole   Role         `json:"store_role"`
	FolderScope FolderScope  `json:"folder_scope"`
	Action      AccessAction `json:"action"`
}

type Grant struct {
	Address string `json:"address"`
	Role    Role   `json:"role"`
}

func (g Grant) IsOwner() bool { return g.Role == RoleOwner }

type ReminderLabel struct {
	Offset int    `json:"offset"`
	Label  string `json:"label"`
}

type MailTemplate struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type IntakeAlias struct {
	Alias string `json:"alias"`
	Key   string `json:"key"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string   `json:"id"`
	ActorID    string   `json:"actor_id"`
	Name       string   `json:"name,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	KeyHash    string   `json:"-"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	LastUsedAt string   `json:"last_used_at,omitempty" format:"date-time"`
}
