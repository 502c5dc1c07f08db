package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"projectflow/internal/app"
	"projectflow/internal/auth"
	"projectflow/internal/domain"
	"projectflow/internal/engine"
	"projectflow/internal/guard"
	"projectflow/internal/intake"
	"projectflow/internal/lock"
	"projectflow/internal/records"
	"projectflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.Context
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid automation status transition Ready -> Created (actor)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	app    *app.Context
	policy auth.Policy
	logger *slog.Logger
}

// New returns an HTTP handler exposing the projectflow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app context required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures are client errors, not domain validation.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	cfg.Auth.Repo = cfg.App.Repo
	cfg.Auth.Logger = logger
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("projectflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := &api{app: cfg.App, policy: auth.Policy{Roles: cfg.App.Config.Auth.Roles}, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	a.registerMe(group)
	a.registerRecords(group)
	a.registerIntake(group)
	a.registerBatch(group)
	a.registerEvents(group)
	a.registerTemplates(group)
	registerOpenAPI(router, humaAPI, basePath)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(te.From), "to": string(te.To), "allowed": domain.AllowedNextStrings(te.From),
		})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"problems": ve.Problems})
	}
	if startup, ok := guard.AsStartupError(err); ok {
		return newAPIError(http.StatusServiceUnavailable, "not_configured", startup.Error(), nil)
	}
	switch {
	case errors.Is(err, lock.ErrLockTimeout):
		return newAPIError(http.StatusServiceUnavailable, "busy", err.Error(), nil)
	case errors.Is(err, intake.ErrSubmitterUnresolved):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, records.ErrRecordNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown automation status"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "busy"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func (a *api) require(ctx context.Context, perm string) (auth.Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return auth.Principal{}, authErr
	}
	if err := a.policy.Require(p, perm); err != nil {
		return p, handleError(err)
	}
	return p, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>projectflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}
