package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Keys of the flat configuration table.
const (
	KeyDistrictID           = "DISTRICT_ID"
	KeySerialNumber         = "SERIAL_NUMBER"
	KeyParentFolderID       = "PARENT_FOLDER_ID"
	KeyRootFolderID         = "ROOT_FOLDER_ID"
	KeyTemplateFileID       = "TEMPLATE_FILE_ID"
	KeySpreadsheetID        = "SPREADSHEET_ID"
	KeyAdminEmail           = "ADMIN_EMAIL"
	KeyFiscalYearStartMonth = "FISCAL_YEAR_START_MONTH"
	KeyDefaultProjectStatus = "DEFAULT_PROJECT_STATUS"
	KeyTerminalStatus       = "TERMINAL_STATUS"
	KeyLateStatus           = "LATE_STATUS"
	KeyIntakeEmailSlot      = "INTAKE_EMAIL_SLOT"
	KeyCCRequesterOnError   = "CC_REQUESTER_ON_ERROR"
	KeyTimezone             = "TIMEZONE"
)

// KeyLastDigestDate is written by the daily sweep, not by people.
const KeyLastDigestDate = "LAST_DIGEST_DATE"

// RequiredKeys must be present and non-blank before any mutating run.
var RequiredKeys = []string{
	KeyDistrictID,
	KeySerialNumber,
	KeyParentFolderID,
	KeyRootFolderID,
	KeyTemplateFileID,
	KeySpreadsheetID,
	KeyAdminEmail,
}

// Settings is the per-invocation view of the config table, built once and passed
// to every component.
type Settings struct {
	DistrictID           string
	ParentFolderID       string
	RootFolderID         string
	TemplateFileID       string
	SpreadsheetID        string
	AdminEmail           string
	FiscalYearStartMonth time.Month
	DefaultProjectStatus string
	TerminalStatus       string
	LateStatus           string
	IntakeEmailSlot      int
	CCRequesterOnError   bool
	Location             *time.Location
}

// DefaultEntries are written by workspace init for keys that have a sensible default.
func DefaultEntries() map[string]string {
	return map[string]string{
		KeySerialNumber:         "1",
		KeyFiscalYearStartMonth: "7",
		KeyDefaultProjectStatus: "Not Started",
		KeyTerminalStatus:       "Complete",
		KeyLateStatus:           "Late",
		KeyIntakeEmailSlot:      "1",
		KeyCCRequesterOnError:   "Yes",
		KeyTimezone:             "UTC",
	}
}

// SettingsFromEntries parses the config table. Every malformed value is reported in
// one error; missing optional keys take their defaults.
func SettingsFromEntries(entries map[string]string) (Settings, error) {
	get := func(key string) string {
		if v := strings.TrimSpace(entries[key]); v != "" {
			return v
		}
		return DefaultEntries()[key]
	}
	s := Settings{
		DistrictID:           get(KeyDistrictID),
		ParentFolderID:       get(KeyParentFolderID),
		RootFolderID:         get(KeyRootFolderID),
		TemplateFileID:       get(KeyTemplateFileID),
		SpreadsheetID:        get(KeySpreadsheetID),
		AdminEmail:           get(KeyAdminEmail),
		DefaultProjectStatus: get(KeyDefaultProjectStatus),
		TerminalStatus:       get(KeyTerminalStatus),
		LateStatus:           get(KeyLateStatus),
		CCRequesterOnError:   isYes(get(KeyCCRequesterOnError)),
	}
	var problems []string
	month, err := strconv.Atoi(get(KeyFiscalYearStartMonth))
	if err != nil || month < 1 || month > 12 {
		problems = append(problems, fmt.Sprintf("%s must be a month number 1-12, got %q", KeyFiscalYearStartMonth, entries[KeyFiscalYearStartMonth]))
		month = 7
	}
	s.FiscalYearStartMonth = time.Month(month)
	slot, err := strconv.Atoi(get(KeyIntakeEmailSlot))
	if err != nil || slot < 0 {
		problems = append(problems, fmt.Sprintf("%s must be a non-negative integer, got %q", KeyIntakeEmailSlot, entries[KeyIntakeEmailSlot]))
		slot = 1
	}
	s.IntakeEmailSlot = slot
	loc, err := time.LoadLocation(get(KeyTimezone))
	if err != nil {
		problems = append(problems, fmt.Sprintf("%s %q: %v", KeyTimezone, entries[KeyTimezone], err))
		loc = time.UTC
	}
	s.Location = loc
	if len(problems) > 0 {
		return s, fmt.Errorf("invalid settings:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return s, nil
}

// Today returns the calendar date of now in the settings timezone, at UTC midnight.
func (s Settings) Today(now time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

func isYes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "true", "1":
		return true
	}
	return false
}
