package server

import (
	"projectflow/internal/domain"
	"projectflow/internal/records"
)

// Request payloads

type IntakeRequest struct {
	ResponseID string            `json:"response_id,omitempty" doc:"Form response id, generated when omitted"`
	Fields     map[string]string `json:"fields" doc:"Form field name to answer"`
	RawValues  []string          `json:"raw_values,omitempty" doc:"Answers in form order, used to recover the submitter address"`
}

type StatusEditRequest struct {
	Status string `json:"status" enum:"Ready,Updated,DeleteNotify,DeleteNoNotify"`
}

type FieldsEditRequest struct {
	Fields map[string]string `json:"fields"`
}

// Response payloads

type RecordResponse struct {
	Row              int               `json:"row"`
	ID               string            `json:"id,omitempty"`
	Name             string            `json:"name"`
	AutomationStatus string            `json:"automation_status"`
	AllowedStatuses  []string          `json:"allowed_statuses"`
	Hidden           bool              `json:"hidden,omitempty"`
	Fields           map[string]string `json:"fields"`
}

type AllowedStatusesResponse struct {
	Row     int      `json:"row"`
	Current string   `json:"current"`
	Allowed []string `json:"allowed"`
}

type StatusEditResponse struct {
	Record RecordResponse `json:"record"`
	From   string         `json:"from"`
	To     string         `json:"to"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type SummaryResponse struct {
	Total    int                  `json:"total"`
	ByStatus []StatusCountResponse `json:"by_status"`
}

type StatusCountResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type EventResponse = domain.Event

func recordResponse(rec *records.Record) RecordResponse {
	return RecordResponse{
		Row:              rec.Row,
		ID:               rec.ID(),
		Name:             rec.Name(),
		AutomationStatus: string(rec.Status()),
		AllowedStatuses:  nonNilSlice(domain.AllowedNextStrings(rec.Status())),
		Hidden:           rec.Hidden,
		Fields:           rec.Fields(),
	}
}

func mapRecords(recs []*records.Record) []RecordResponse {
	out := make([]RecordResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordResponse(r))
	}
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
