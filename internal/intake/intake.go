// Package intake turns raw form responses into Ready project records.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"projectflow/internal/directory"
	"projectflow/internal/domain"
	"projectflow/internal/events"
	"projectflow/internal/lock"
	"projectflow/internal/provider"
	"projectflow/internal/records"
)

// KeyEmail is the normalized key of the submitter address field. It is not a column.
const KeyEmail = "email"

// ErrSubmitterUnresolved means no strategy recovered the submitter address.
var ErrSubmitterUnresolved = errors.New("submitter address could not be resolved")

// DefaultAliases maps historical form field names to internal keys.
func DefaultAliases() []domain.IntakeAlias {
	table := map[string][]string{
		records.KeyName:            {"Project Name", "Project Title", "Title"},
		records.KeyDescription:     {"Description", "Project Description", "Details"},
		records.KeyCategory:        {"Category", "Project Type", "Type"},
		records.KeyDueDate:         {"Due Date", "Deadline", "Needed By"},
		records.KeyAssignees:       {"Assigned To", "Assignees", "Assign To"},
		records.KeyRequestedBy:     {"Requested By", "Requester", "Your Name"},
		records.KeyReminderOffsets: {"Reminders", "Reminder", "Remind Me"},
		records.KeyNotes:           {"Notes", "Comments"},
		KeyEmail:                   {"Email", "Email Address", "Your Email"},
	}
	var out []domain.IntakeAlias
	for key, aliases := range table {
		for _, a := range aliases {
			out = append(out, domain.IntakeAlias{Alias: a, Key: key})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Normalizer maps raw field names to internal keys, many aliases per key.
type Normalizer struct {
	aliases map[string]string
}

func NewNormalizer(aliases []domain.IntakeAlias) *Normalizer {
	if len(aliases) == 0 {
		aliases = DefaultAliases()
	}
	n := &Normalizer{aliases: map[string]string{}}
	for _, a := range aliases {
		n.aliases[foldName(a.Alias)] = a.Key
	}
	return n
}

func foldName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fields returns the normalized field map and the raw names that matched nothing.
// A raw name equal to an internal key maps to it directly.
func (n *Normalizer) Fields(named map[string]string) (map[string]string, []string) {
	out := map[string]string{}
	var unmapped []string
	names := make([]string, 0, len(named))
	for k := range named {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, raw := range names {
		value := strings.TrimSpace(named[raw])
		key, ok := n.aliases[foldName(raw)]
		if !ok {
			key = strings.ToLower(strings.TrimSpace(raw))
			if !isKnownKey(key) {
				unmapped = append(unmapped, raw)
				continue
			}
		}
		if value == "" {
			continue
		}
		if prev, dup := out[key]; dup && prev != value {
			value = prev + ", " + value
		}
		out[key] = value
	}
	return out, unmapped
}

func isKnownKey(key string) bool {
	if key == KeyEmail {
		return true
	}
	for _, c := range records.DefaultColumns {
		if c.Key == key {
			return true
		}
	}
	return false
}

// SubmitterStrategy is one way of recovering the submitter address.
type SubmitterStrategy interface {
	Name() string
	Resolve(sub provider.Submission, fields map[string]string) (string, bool)
}

// NamedEmailStrategy reads the normalized email field.
type NamedEmailStrategy struct{}

func (NamedEmailStrategy) Name() string { return "named email field" }

func (NamedEmailStrategy) Resolve(sub provider.Submission, fields map[string]string) (string, bool) {
	v := strings.TrimSpace(fields[KeyEmail])
	return v, directory.IsAddress(v)
}

// PositionalSlotStrategy reads a fixed position of the raw response values.
type PositionalSlotStrategy struct {
	Slot int
}

func (s PositionalSlotStrategy) Name() string { return fmt.Sprintf("positional slot %d", s.Slot) }

func (s PositionalSlotStrategy) Resolve(sub provider.Submission, fields map[string]string) (string, bool) {
	if s.Slot < 0 || s.Slot >= len(sub.RawValues) {
		return "", false
	}
	v := strings.TrimSpace(sub.RawValues[s.Slot])
	return v, directory.IsAddress(v)
}

// DefaultStrategies tries the named field first, then the positional slot.
func DefaultStrategies(slot int) []SubmitterStrategy {
	return []SubmitterStrategy{NamedEmailStrategy{}, PositionalSlotStrategy{Slot: slot}}
}

// ResolveSubmitter tries each strategy in order.
func ResolveSubmitter(strategies []SubmitterStrategy, sub provider.Submission, fields map[string]string) (string, error) {
	tried := make([]string, 0, len(strategies))
	for _, s := range strategies {
		if addr, ok := s.Resolve(sub, fields); ok {
			return addr, nil
		}
		tried = append(tried, s.Name())
	}
	return "", fmt.Errorf("response %s (tried %s): %w", sub.ID, strings.Join(tried, ", "), ErrSubmitterUnresolved)
}

// Handler appends intake records under the automation lock.
type Handler struct {
	Store      records.Store
	Normalizer *Normalizer
	Strategies []SubmitterStrategy
	Forms      provider.FormProvider
	Events     events.Writer
	Lock       lock.Locker
	LockWait   time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Build normalizes a submission into record fields without touching the store.
func (h *Handler) Build(sub provider.Submission) (map[string]string, error) {
	norm := h.Normalizer
	if norm == nil {
		norm = NewNormalizer(nil)
	}
	fields, unmapped := norm.Fields(sub.NamedFields)
	if len(unmapped) > 0 {
		h.logger().Info("intake fields ignored", "response", sub.ID, "fields", strings.Join(unmapped, ", "))
	}
	strategies := h.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies(1)
	}
	submitter, err := ResolveSubmitter(strategies, sub, fields)
	if err != nil {
		return nil, err
	}
	delete(fields, KeyEmail)
	if fields[records.KeyRequestedBy] == "" || !directory.IsAddress(fields[records.KeyRequestedBy]) {
		// The submitter address is the one value we know resolves.
		fields[records.KeyRequestedBy] = submitter
	}
	fields[records.KeyAutomationStatus] = string(domain.StatusReady)
	received := sub.ReceivedAt
	if received.IsZero() {
		received = h.now()
	}
	fields[records.KeyCreatedAt] = received.UTC().Format(time.RFC3339)
	return fields, nil
}

// Submit appends one submission as a Ready record. A busy lock is returned as an
// error; a submission is never dropped silently.
func (h *Handler) Submit(ctx context.Context, sub provider.Submission) (*records.Record, error) {
	fields, err := h.Build(sub)
	if err != nil {
		return nil, err
	}
	if h.Lock != nil {
		release, err := h.Lock.Acquire(ctx, h.LockWait)
		if err != nil {
			return nil, fmt.Errorf("intake %s: %w", sub.ID, err)
		}
		defer func() {
			if err := release(); err != nil {
				h.logger().Error("release automation lock", "error", err)
			}
		}()
	}
	rec, err := h.Store.AppendRecord(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("append intake record: %w", err)
	}
	if err := h.Events.Append(ctx, nil, events.TypeIntake, "record", "", "intake", events.EventPayload{
		"row": rec.Row, "response": sub.ID, "requested_by": fields[records.KeyRequestedBy],
	}); err != nil {
		h.logger().Warn("intake event not recorded", "row", rec.Row, "error", err)
	}
	h.logger().Info("intake accepted", "row", rec.Row, "response", sub.ID, "name", rec.Name())
	return rec, nil
}

type DrainReport struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	Rows     []int    `json:"rows,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Drain submits every pending form response. Responses are acknowledged only after
// their record is stored, so failures stay pending for the next drain. A busy lock
// stops the drain and is returned.
func (h *Handler) Drain(ctx context.Context) (DrainReport, error) {
	var rep DrainReport
	if h.Forms == nil {
		return rep, errors.New("no form provider configured")
	}
	pending, err := h.Forms.Pending(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pending responses: %w", err)
	}
	for _, sub := range pending {
		rec, err := h.Submit(ctx, sub)
		if errors.Is(err, lock.ErrLockTimeout) {
			return rep, err
		}
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, err.Error())
			h.logger().Error("intake rejected", "response", sub.ID, "error", err)
			continue
		}
		if err := h.Forms.Ack(ctx, sub.ID); err != nil {
			// The record exists; leaving the response pending would duplicate it.
			h.logger().Error("ack response", "response", sub.ID, "row", rec.Row, "error", err)
		}
		rep.Accepted++
		rep.Rows = append(rep.Rows, rec.Row)
	}
	return rep, nil
}
