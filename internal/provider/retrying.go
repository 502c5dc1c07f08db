package provider

import (
	"context"
	"time"

	"projectflow/internal/domain"
)

// WithRetry wraps every capability of set in policy. Nil members stay nil.
func WithRetry(set Set, policy RetryPolicy) Set {
	out := Set{}
	if set.Documents != nil {
		out.Documents = retryingDocuments{inner: set.Documents, p: policy}
	}
	if set.Folders != nil {
		out.Folders = retryingFolders{inner: set.Folders, p: policy}
	}
	if set.Calendar != nil {
		out.Calendar = retryingCalendar{inner: set.Calendar, p: policy}
	}
	if set.Mail != nil {
		out.Mail = retryingMail{inner: set.Mail, p: policy}
	}
	if set.Forms != nil {
		out.Forms = retryingForms{inner: set.Forms, p: policy}
	}
	return out
}

type retryingDocuments struct {
	inner DocumentStore
	p     RetryPolicy
}

func (r retryingDocuments) Copy(ctx context.Context, templateID, name, parentFolderID string) (string, error) {
	var id string
	err := r.p.Do(ctx, "documents.copy", CreateOnce, func(ctx context.Context) error {
		var err error
		id, err = r.inner.Copy(ctx, templateID, name, parentFolderID)
		return err
	})
	return id, err
}

func (r retryingDocuments) WriteFields(ctx context.Context, fileID string, fields map[string]string) error {
	return r.p.Do(ctx, "documents.write_fields", Idempotent, func(ctx context.Context) error {
		return r.inner.WriteFields(ctx, fileID, fields)
	})
}

func (r retryingDocuments) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.p.Do(ctx, "documents.exists", Idempotent, func(ctx context.Context) error {
		var err error
		ok, err = r.inner.Exists(ctx, id)
		return err
	})
	return ok, err
}

type retryingFolders struct {
	inner FolderStore
	p     RetryPolicy
}

func (r retryingFolders) Create(ctx context.Context, parentID, name string) (string, error) {
	var id string
	err := r.p.Do(ctx, "folders.create", CreateOnce, func(ctx context.Context) error {
		var err error
		id, err = r.inner.Create(ctx, parentID, name)
		return err
	})
	return id, err
}

func (r retryingFolders) Share(ctx context.Context, folderID, address string, role domain.Role, suppress bool) error {
	return r.p.Do(ctx, "folders.share", Idempotent, func(ctx context.Context) error {
		return r.inner.Share(ctx, folderID, address, role, suppress)
	})
}

func (r retryingFolders) ListGrants(ctx context.Context, id string) ([]domain.Grant, error) {
	var grants []domain.Grant
	err := r.p.Do(ctx, "folders.list_grants", Idempotent, func(ctx context.Context) error {
		var err error
		grants, err = r.inner.ListGrants(ctx, id)
		return err
	})
	return grants, err
}

func (r retryingFolders) AddGrant(ctx context.Context, id, address string, role domain.Role) error {
	return r.p.Do(ctx, "folders.add_grant", Idempotent, func(ctx context.Context) error {
		return r.inner.AddGrant(ctx, id, address, role)
	})
}

func (r retryingFolders) RemoveGrant(ctx context.Context, id, address string) error {
	return r.p.Do(ctx, "folders.remove_grant", Idempotent, func(ctx context.Context) error {
		return r.inner.RemoveGrant(ctx, id, address)
	})
}

func (r retryingFolders) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.p.Do(ctx, "folders.exists", Idempotent, func(ctx context.Context) error {
		var err error
		ok, err = r.inner.Exists(ctx, id)
		return err
	})
	return ok, err
}

func (r retryingFolders) Link(id string) string { return r.inner.Link(id) }

type retryingCalendar struct {
	inner CalendarProvider
	p     RetryPolicy
}

func (r retryingCalendar) CreateAllDayEvent(ctx context.Context, title string, date time.Time, description string, guests []string) (string, error) {
	var id string
	err := r.p.Do(ctx, "calendar.create", CreateOnce, func(ctx context.Context) error {
		var err error
		id, err = r.inner.CreateAllDayEvent(ctx, title, date, description, guests)
		return err
	})
	return id, err
}

func (r retryingCalendar) GetEvent(ctx context.Context, id string) (CalendarEvent, error) {
	var ev CalendarEvent
	err := r.p.Do(ctx, "calendar.get", Idempotent, func(ctx context.Context) error {
		var err error
		ev, err = r.inner.GetEvent(ctx, id)
		return err
	})
	return ev, err
}

func (r retryingCalendar) UpdateTitle(ctx context.Context, id, title string) error {
	return r.p.Do(ctx, "calendar.update_title", Idempotent, func(ctx context.Context) error {
		return r.inner.UpdateTitle(ctx, id, title)
	})
}

func (r retryingCalendar) UpdateDate(ctx context.Context, id string, date time.Time) error {
	return r.p.Do(ctx, "calendar.update_date", Idempotent, func(ctx context.Context) error {
		return r.inner.UpdateDate(ctx, id, date)
	})
}

func (r retryingCalendar) UpdateDescription(ctx context.Context, id, description string) error {
	return r.p.Do(ctx, "calendar.update_description", Idempotent, func(ctx context.Context) error {
		return r.inner.UpdateDescription(ctx, id, description)
	})
}

func (r retryingCalendar) UpdateGuests(ctx context.Context, id string, guests []string) error {
	return r.p.Do(ctx, "calendar.update_guests", Idempotent, func(ctx context.Context) error {
		return r.inner.UpdateGuests(ctx, id, guests)
	})
}

func (r retryingCalendar) DeleteEvent(ctx context.Context, id string) error {
	return r.p.Do(ctx, "calendar.delete", Idempotent, func(ctx context.Context) error {
		return r.inner.DeleteEvent(ctx, id)
	})
}

type retryingMail struct {
	inner MailSender
	p     RetryPolicy
}

func (r retryingMail) Send(ctx context.Context, msg Message) error {
	return r.p.Do(ctx, "mail.send", CreateOnce, func(ctx context.Context) error {
		return r.inner.Send(ctx, msg)
	})
}

type retryingForms struct {
	inner FormProvider
	p     RetryPolicy
}

func (r retryingForms) Pending(ctx context.Context) ([]Submission, error) {
	var subs []Submission
	err := r.p.Do(ctx, "forms.pending", Idempotent, func(ctx context.Context) error {
		var err error
		subs, err = r.inner.Pending(ctx)
		return err
	})
	return subs, err
}

func (r retryingForms) Ack(ctx context.Context, id string) error {
	return r.p.Do(ctx, "forms.ack", Idempotent, func(ctx context.Context) error {
		return r.inner.Ack(ctx, id)
	})
}
