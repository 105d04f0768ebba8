package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fieldgate/internal/domain"
	"fieldgate/internal/engine"
	"fieldgate/internal/engine/auth"
	"fieldgate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"assessment is approved and cannot be submitted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"retryable\":true}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fieldgate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fieldgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerAssessments(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"required_role": string(fe.Required)})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"retryable": ce.Retryable})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"missing": ve.Missing})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fieldgate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.HasRole(actor.Role, auth.RoleSupervisor) {
			return nil, handleError(auth.ForbiddenError{Required: auth.RoleSupervisor, ActorID: actor.ID})
		}
		p, err := e.CreateProject(ctx, domain.Project{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: stringOrEmpty(input.Body.Description),
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx, actor.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerAssessments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assessment",
		Method:        http.MethodPost,
		Path:          "/assessments",
		Summary:       "Create risk assessment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAssessmentRequest `json:"body"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAssessment(ctx, engine.CreateAssessmentOptions{
			ID:          input.Body.ID,
			ProjectID:   input.Body.ProjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Steps:       stepsFromRequest(input.Body.Steps),
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assessments",
		Method:      http.MethodGet,
		Path:        "/assessments",
		Summary:     "List risk assessments",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body []AssessmentResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAssessments(ctx, input.ProjectID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssessmentResponse `json:"body"`
		}{Body: mapAssessments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assessment",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}",
		Summary:     "Get risk assessment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAssessment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-assessment",
		Method:      http.MethodPatch,
		Path:        "/assessments/{id}",
		Summary:     "Update risk assessment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdateAssessmentRequest `json:"body"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.UpdateAssessmentOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Actor:       actor,
		}
		if input.Body.Steps != nil {
			steps := stepsFromRequest(*input.Body.Steps)
			opts.Steps = &steps
		}
		a, err := e.UpdateAssessment(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-assessment",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/submit",
		Summary:     "Submit assessment for approval",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Submit(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-assessment",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/decide",
		Summary:     "Approve or reject the current workflow step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DecideRequest `json:"body"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Decide(ctx, engine.DecideOptions{
			AssessmentID: input.ID,
			Actor:        actor,
			Decision:     input.Body.Decision,
			StepNumber:   input.Body.StepNumber,
			Comments:     input.Body.Comments,
			Signature:    signatureFromRequest(input.Body.Signature),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-assessment-step",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/signature",
		Summary:     "Attach a signature to a workflow step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body AttachSignatureRequest `json:"body"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AttachSignature(ctx, input.ID, actor, input.Body.StepNumber, input.Body.Blob, input.Body.Name, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-assessment-status",
		Method:      http.MethodPatch,
		Path:        "/assessments/{id}/status",
		Summary:     "Activate, expire, or archive an assessment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body SetAssessmentStatusRequest `json:"body"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetAssessmentStatus(ctx, input.ID, input.Body.Status, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start an LMRA session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.TRAID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tra_id is required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.StartSession(ctx, engine.StartSessionOptions{
			TRAID:       input.Body.TRAID,
			Actor:       actor,
			TeamMembers: input.Body.TeamMembers,
			Location:    input.Body.Location,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List LMRA sessions",
	}, func(ctx context.Context, input *struct {
		TRAID     string `query:"tra_id"`
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListSessions(ctx, input.TRAID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get LMRA session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-session",
		Method:      http.MethodPatch,
		Path:        "/sessions/{id}",
		Summary:     "Update LMRA session checklists",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateSession(ctx, engine.UpdateSessionOptions{
			ID:                  input.ID,
			Actor:               actor,
			Location:            input.Body.Location,
			TeamMembers:         input.Body.TeamMembers,
			EnvironmentalChecks: input.Body.EnvironmentalChecks,
			PersonnelChecks:     input.Body.PersonnelChecks,
			EquipmentChecks:     input.Body.EquipmentChecks,
			Photos:              input.Body.Photos,
			Comments:            input.Body.Comments,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/complete",
		Summary:     "Complete an LMRA session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body CompleteSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CompleteSession(ctx, engine.CompleteSessionOptions{
			ID:                input.ID,
			Actor:             actor,
			OverallAssessment: input.Body.OverallAssessment,
			Comments:          input.Body.Comments,
			Signature:         signatureFromRequest(input.Body.Signature),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		After     int64  `query:"after"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, limit, input.After, input.ProjectID)
		} else {
			items, err = e.Repo.ListEvents(ctx, input.ProjectID, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := []EventResponse{}
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/roles",
		Summary:     "Assign an org role to an actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body AssignRoleRequest `json:"body"`
	}) (*struct {
		Body RoleAssignmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.HasRole(actor.Role, auth.RoleAdmin) {
			return nil, handleError(auth.ForbiddenError{Required: auth.RoleAdmin, ActorID: actor.ID})
		}
		role, err := auth.ParseRole(input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.EnsureActor(ctx, tx, input.Body.ActorID, "", now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AssignOrgRole(ctx, tx, actor.OrgID, input.Body.ActorID, role); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleAssignmentResponse `json:"body"`
		}{Body: RoleAssignmentResponse{ActorID: input.Body.ActorID, Role: string(role)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List org role assignments",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RoleAssignmentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.HasRole(actor.Role, auth.RoleSafetyManager) {
			return nil, handleError(auth.ForbiddenError{Required: auth.RoleSafetyManager, ActorID: actor.ID})
		}
		roles, err := e.Repo.ListOrgRoles(ctx, actor.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		out := []RoleAssignmentResponse{}
		for actorID, role := range roles {
			out = append(out, RoleAssignmentResponse{ActorID: actorID, Role: string(role)})
		}
		return &struct {
			Body []RoleAssignmentResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, _ := principalFromContext(ctx)
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"actor_id": actor.ID,
			"role":     string(actor.Role),
			"org_id":   actor.OrgID,
			"source":   p.Source,
		}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.HasRole(actor.Role, auth.RoleAdmin) {
			return nil, handleError(auth.ForbiddenError{Required: auth.RoleAdmin, ActorID: actor.ID})
		}
		// the raw key is returned exactly once
		rawKey := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(rawKey),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     rawKey,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.HasRole(actor.Role, auth.RoleAdmin) {
			return nil, handleError(auth.ForbiddenError{Required: auth.RoleAdmin, ActorID: actor.ID})
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
