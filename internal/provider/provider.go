// Package provider declares the capability interfaces the lifecycle core drives:
// documents, folders and grants, calendar, mail and form intake.
package provider

import (
	"context"
	"time"

	"projectflow/internal/domain"
)

type DocumentStore interface {
	// Copy duplicates templateID into parentFolderID and returns the new file id.
	Copy(ctx context.Context, templateID, name, parentFolderID string) (string, error)
	WriteFields(ctx context.Context, fileID string, fields map[string]string) error
	Exists(ctx context.Context, id string) (bool, error)
}

// FolderStore manages folders and the grants on any shareable resource id,
// including the record store itself.
type FolderStore interface {
	Create(ctx context.Context, parentID, name string) (string, error)
	Share(ctx context.Context, folderID, address string, role domain.Role, suppressNotification bool) error
	ListGrants(ctx context.Context, id string) ([]domain.Grant, error)
	AddGrant(ctx context.Context, id, address string, role domain.Role) error
	RemoveGrant(ctx context.Context, id, address string) error
	Exists(ctx context.Context, id string) (bool, error)
	Link(id string) string
}

type CalendarEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
	Guests      []string  `json:"guests"`
}

type CalendarProvider interface {
	CreateAllDayEvent(ctx context.Context, title string, date time.Time, description string, guests []string) (string, error)
	// GetEvent returns ErrNotFound when the event no longer exists.
	GetEvent(ctx context.Context, id string) (CalendarEvent, error)
	UpdateTitle(ctx context.Context, id, title string) error
	UpdateDate(ctx context.Context, id string, date time.Time) error
	UpdateDescription(ctx context.Context, id, description string) error
	UpdateGuests(ctx context.Context, id string, guests []string) error
	DeleteEvent(ctx context.Context, id string) error
}

type Message struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

type MailSender interface {
	Send(ctx context.Context, msg Message) error
}

// Submission is one raw form response.
type Submission struct {
	ID          string            `json:"id"`
	NamedFields map[string]string `json:"named_fields"`
	RawValues   []string          `json:"raw_values"`
	ReceivedAt  time.Time         `json:"received_at"`
}

type FormProvider interface {
	Pending(ctx context.Context) ([]Submission, error)
	Ack(ctx context.Context, id string) error
}

// Set bundles one implementation of every capability.
type Set struct {
	Documents DocumentStore
	Folders   FolderStore
	Calendar  CalendarProvider
	Mail      MailSender
	Forms     FormProvider
}
