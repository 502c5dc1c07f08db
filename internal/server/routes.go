package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"projectflow/internal/auth"
	"projectflow/internal/directory"
	"projectflow/internal/domain"
	"projectflow/internal/engine"
	"projectflow/internal/events"
	"projectflow/internal/guard"
	"projectflow/internal/intake"
	"projectflow/internal/maintenance"
	"projectflow/internal/provider"
	"projectflow/internal/records"
)

type rowPath struct {
	Row int `path:"row" minimum:"1"`
}

func (a *api) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(a.policy.Effective(p)),
			Source:      p.Source,
		}}, nil
	})
}

func (a *api) registerRecords(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List visible records",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Filter by automation status"`
	}) (*struct {
		Body []RecordResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, auth.PermRecordsRead); err != nil {
			return nil, err
		}
		recs, err := a.app.Sheet.LoadAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Status != "" {
			want, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, handleError(err)
			}
			kept := recs[:0]
			for _, r := range recs {
				if r.Status() == want {
					kept = append(kept, r)
				}
			}
			recs = kept
		}
		return &struct {
			Body []RecordResponse `json:"body"`
		}{Body: mapRecords(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{row}",
		Summary:     "Get record by row",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *rowPath) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, auth.PermRecordsRead); err != nil {
			return nil, err
		}
		rec, err := a.app.Sheet.Get(ctx, input.Row)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "allowed-statuses",
		Method:      http.MethodGet,
		Path:        "/records/{row}/allowed-statuses",
		Summary:     "Automation statuses a person may set next",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *rowPath) (*struct {
		Body AllowedStatusesResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, auth.PermRecordsRead); err != nil {
			return nil, err
		}
		rec, err := a.app.Sheet.Get(ctx, input.Row)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AllowedStatusesResponse `json:"body"`
		}{Body: AllowedStatusesResponse{
			Row:     rec.Row,
			Current: string(rec.Status()),
			Allowed: nonNilSlice(a.app.Guard.Allowed(ctx, rec)),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-automation-status",
		Method:      http.MethodPatch,
		Path:        "/records/{row}/automation-status",
		Summary:     "Request a lifecycle action by editing the automation status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Row  int               `path:"row" minimum:"1"`
		Body StatusEditRequest `json:"body"`
	}) (*struct {
		Body StatusEditResponse `json:"body"`
	}, error) {
		p, err := a.require(ctx, auth.PermRecordsStatusWrite)
		if err != nil {
			return nil, err
		}
		var resp StatusEditResponse
		err = a.withLock(ctx, func() error {
			rec, err := a.app.Sheet.Get(ctx, input.Row)
			if err != nil {
				return err
			}
			from, to, err := guard.ApplyEdit(rec, input.Body.Status)
			if err != nil {
				return err
			}
			if _, err := a.app.Sheet.FlushDirty(ctx, []*records.Record{rec}); err != nil {
				return err
			}
			if err := a.app.Guard.Refresh(ctx, rec); err != nil {
				a.logger.Warn("row guard not refreshed", "row", rec.Row, "error", err)
			}
			if err := a.app.Events.Append(ctx, nil, events.TypeTransition, "record", rec.ID(), p.ActorID, events.EventPayload{
				"row": rec.Row, "from": string(from), "to": string(to), "source": "api",
			}); err != nil {
				a.logger.Warn("transition event not recorded", "row", rec.Row, "error", err)
			}
			resp = StatusEditResponse{Record: recordResponse(rec), From: string(from), To: string(to)}
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusEditResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-record",
		Method:      http.MethodPatch,
		Path:        "/records/{row}",
		Summary:     "Edit human-owned record fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Row  int               `path:"row" minimum:"1"`
		Body FieldsEditRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, auth.PermRecordsWrite); err != nil {
			return nil, err
		}
		var rejected []string
		for key := range input.Body.Fields {
			if records.AutomationOwned(key) {
				rejected = append(rejected, key)
			}
		}
		if len(rejected) > 0 {
			sort.Strings(rejected)
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "fields are written by automation: "+strings.Join(rejected, ", "), nil)
		}
		var resp RecordResponse
		err := a.withLock(ctx, func() error {
			rec, err := a.app.Sheet.Get(ctx, input.Row)
			if err != nil {
				return err
			}
			var unknown []string
			for key, value := range input.Body.Fields {
				if _, ok := rec.Layout().ColumnIndex(key); !ok {
					unknown = append(unknown, key)
					continue
				}
				rec.Set(key, value)
			}
			if len(unknown) > 0 {
				sort.Strings(unknown)
				return newAPIError(http.StatusBadRequest, "bad_request", "unknown fields: "+strings.Join(unknown, ", "), nil)
			}
			engine.StampCompletion(rec, a.app.Settings, time.Now())
			if _, err := a.app.Sheet.FlushDirty(ctx, []*records.Record{rec}); err != nil {
				return err
			}
			resp = recordResponse(rec)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "records-summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Record counts by automation status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, auth.PermRecordsRead); err != nil {
			return nil, err
		}
		recs, err := a.app.Sheet.LoadAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SummaryResponse{Total: len(recs), ByStatus: []StatusCountResponse{}}
		for _, c := range guard.Summary(recs) {
			resp.ByStatus = append(resp.ByStatus, StatusCountResponse{Status: string(c.Status), Count: c.Count})
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (a *api) registerIntake(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-intake",
		Method:        http.MethodPost,
		Path:          "/intake",
		Summary:       "Submit a project request form response",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body IntakeRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := a.require(ctx, auth.PermIntakeSubmit); err != nil {
			return nil, err
		}
		id := strings.TrimSpace(input.Body.ResponseID)
		if id == "" {
			id = "api-" + uuid.NewString()
		}
		rec, err := a.app.Intake.Submit(ctx, provider.Submission{
			ID:          id,
			NamedFields: input.Body.Fields,
			RawValues:   input.Body.RawValues,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})
}

func (a *api) registerBatch(api huma.API) {
	batchErrors := []int{http.StatusForbidden, http.StatusServiceUnavailable}

	huma.Register(api, huma.Operation{
		OperationID: "run-batch",
		Method:      http.MethodPost,
		Path:        "/process",
		Summary:     "Run the lifecycle processor once",
		Errors:      batchErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Report `json:"body"`
	}, error) {
		if err := a.preflight(ctx); err != nil {
			return nil, err
		}
		rep, err := a.app.Processor.Run(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-maintenance",
		Method:      http.MethodPost,
		Path:        "/maintenance",
		Summary:     "Run the daily maintenance sweep once",
		Errors:      batchErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body maintenance.SweepReport `json:"body"`
	}, error) {
		if err := a.preflight(ctx); err != nil {
			return nil, err
		}
		rep, err := a.app.Sweeper.Run(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body maintenance.SweepReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-permissions",
		Method:      http.MethodPost,
		Path:        "/permissions/refresh",
		Summary:     "Reconcile folder and record store grants against the directory",
		Errors:      batchErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body directory.SyncResult `json:"body"`
	}, error) {
		if err := a.preflight(ctx); err != nil {
			return nil, err
		}
		p, _ := auth.FromContext(ctx)
		res, err := a.app.RefreshPermissions(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body directory.SyncResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drain-intake",
		Method:      http.MethodPost,
		Path:        "/intake/drain",
		Summary:     "Append every pending form response",
		Errors:      batchErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body intake.DrainReport `json:"body"`
	}, error) {
		if _, err := a.require(ctx, auth.PermBatchRun); err != nil {
			return nil, err
		}
		rep, err := a.app.Intake.Drain(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body intake.DrainReport `json:"body"`
		}{Body: rep}, nil
	})
}

func (a *api) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id" doc:"Project id"`
		Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, auth.PermRecordsRead); err != nil {
			return nil, err
		}
		items, err := a.app.Repo.TailEvents(ctx, input.Limit, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []EventResponse{}
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: items}, nil
	})
}

func (a *api) registerTemplates(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "put-template",
		Method:      http.MethodPut,
		Path:        "/templates/{name}",
		Summary:     "Replace a mail template",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body struct {
			Subject string `json:"subject"`
			Body    string `json:"body"`
		}
	}) (*struct {
		Body domain.MailTemplate `json:"body"`
	}, error) {
		if _, err := a.require(ctx, auth.PermBatchRun); err != nil {
			return nil, err
		}
		tpl := domain.MailTemplate{Name: input.Name, Subject: input.Body.Subject, Body: input.Body.Body}
		if err := a.app.Templates.Save(ctx, a.app.Repo, tpl); err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_template", err.Error(), nil)
		}
		return &struct {
			Body domain.MailTemplate `json:"body"`
		}{Body: tpl}, nil
	})
}

// preflight checks batch permission and the startup guard.
func (a *api) preflight(ctx context.Context) error {
	if _, err := a.require(ctx, auth.PermBatchRun); err != nil {
		return err
	}
	if err := a.app.Preflight(ctx); err != nil {
		return newAPIError(http.StatusServiceUnavailable, "not_configured", err.Error(), nil)
	}
	return nil
}

// withLock runs fn under the automation lock so an edit never interleaves with a batch.
func (a *api) withLock(ctx context.Context, fn func() error) error {
	release, err := a.app.Lock.Acquire(ctx, a.app.Config.Lock.Wait)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			a.logger.Error("release automation lock", "error", err)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("row edit: %w", err)
	}
	return nil
}
