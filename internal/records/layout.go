package records

import "strings"

// Internal column keys. They live on a dedicated key row so relabeling a column
// never breaks the mapping.
const (
	KeyID               = "id"
	KeyCreatedAt        = "created_at"
	KeySchoolYear       = "school_year"
	KeyCategory         = "category"
	KeyName             = "name"
	KeyDescription      = "description"
	KeyAssignees        = "assignees"
	KeyRequestedBy      = "requested_by"
	KeyDueDate          = "due_date"
	KeyProjectStatus    = "project_status"
	KeyCompletedAt      = "completed_at"
	KeyReminderOffsets  = "reminder_offsets"
	KeyAutomationStatus = "automation_status"
	KeyCalendarEventID  = "calendar_event_id"
	KeyFolderID         = "folder_id"
	KeyFileID           = "file_id"
	KeyNotes            = "notes"
	KeyAutomationDetail = "automation_detail"
)

// Column is one key/label pair of the layout.
type Column struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// DefaultColumns is the layout written by a fresh workspace init.
var DefaultColumns = []Column{
	{KeyID, "Project ID"},
	{KeyCreatedAt, "Created"},
	{KeySchoolYear, "School Year"},
	{KeyCategory, "Category"},
	{KeyName, "Project Name"},
	{KeyDescription, "Description"},
	{KeyAssignees, "Assigned To"},
	{KeyRequestedBy, "Requested By"},
	{KeyDueDate, "Due Date"},
	{KeyProjectStatus, "Project Status"},
	{KeyCompletedAt, "Completed"},
	{KeyReminderOffsets, "Reminders"},
	{KeyAutomationStatus, "Automation Status"},
	{KeyCalendarEventID, "Calendar Event"},
	{KeyFolderID, "Folder"},
	{KeyFileID, "Project File"},
	{KeyNotes, "Notes"},
	{KeyAutomationDetail, "Automation Detail"},
}

var automationOwned = map[string]bool{
	KeyID:               true,
	KeyCreatedAt:        true,
	KeySchoolYear:       true,
	KeyCompletedAt:      true,
	KeyCalendarEventID:  true,
	KeyFolderID:         true,
	KeyFileID:           true,
	KeyAutomationStatus: true,
	KeyAutomationDetail: true,
}

// AutomationOwned reports whether key is written only by the processor and the sweep.
func AutomationOwned(key string) bool { return automationOwned[key] }

// RequiredKeys are the columns the processor cannot run without.
var RequiredKeys = []string{
	KeyID, KeyCreatedAt, KeySchoolYear, KeyName, KeyDescription, KeyAssignees,
	KeyRequestedBy, KeyDueDate, KeyProjectStatus, KeyCompletedAt, KeyReminderOffsets,
	KeyAutomationStatus, KeyCalendarEventID, KeyFolderID, KeyFileID,
}

// Layout maps internal keys to cell positions. It is built once per load.
type Layout struct {
	columns    []Column
	index      map[string]int
	duplicates []string
}

// NewLayout indexes cols by key. The first occurrence of a duplicated key wins;
// the rest are reported by Duplicates.
func NewLayout(cols []Column) *Layout {
	l := &Layout{
		columns: append([]Column(nil), cols...),
		index:   make(map[string]int, len(cols)),
	}
	seenDup := map[string]bool{}
	for i, c := range cols {
		key := strings.TrimSpace(c.Key)
		if key == "" {
			continue
		}
		if _, ok := l.index[key]; ok {
			if !seenDup[key] {
				l.duplicates = append(l.duplicates, key)
				seenDup[key] = true
			}
			continue
		}
		l.index[key] = i
	}
	return l
}

// ColumnIndex returns the zero-based cell position for key.
func (l *Layout) ColumnIndex(key string) (int, bool) {
	i, ok := l.index[key]
	return i, ok
}

func (l *Layout) Columns() []Column { return append([]Column(nil), l.columns...) }

func (l *Layout) Width() int { return len(l.columns) }

// Duplicates returns keys that appear more than once on the key row.
func (l *Layout) Duplicates() []string { return append([]string(nil), l.duplicates...) }

// Missing returns the subset of keys the layout does not carry.
func (l *Layout) Missing(keys []string) []string {
	var out []string
	for _, k := range keys {
		if _, ok := l.index[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
