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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"covenant/internal/config"
	"covenant/internal/decompose"
	"covenant/internal/dispatch"
	"covenant/internal/domain"
	"covenant/internal/engine"
	"covenant/internal/gate"
	"covenant/internal/lineage"
	"covenant/internal/repo"
	"covenant/internal/state"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_pending"`
	Message string         `json:"message" example:"a pending gate blocks this operation"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Covenant API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Covenant API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerDesign(group, cfg.Engine)
	registerCharter(group, cfg.Engine)
	registerContracts(group, cfg.Engine)
	registerGates(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerCosts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrGateBlocked), errors.Is(err, gate.ErrGatePending):
		return newAPIError(http.StatusConflict, "gate_pending", err.Error(), nil)
	case errors.Is(err, gate.ErrGateResolved):
		return newAPIError(http.StatusConflict, "gate_resolved", err.Error(), nil)
	case errors.Is(err, state.ErrConcurrencyConflict):
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error(), nil)
	case errors.Is(err, dispatch.ErrDependencyUnmet):
		return newAPIError(http.StatusConflict, "dependency_unmet", err.Error(), nil)
	case errors.Is(err, decompose.ErrTierNotApproved):
		return newAPIError(http.StatusUnprocessableEntity, "tier_not_approved", err.Error(), nil)
	case errors.Is(err, decompose.ErrCyclicDependency):
		return newAPIError(http.StatusUnprocessableEntity, "cyclic_dependency", err.Error(), nil)
	case errors.Is(err, engine.ErrPhase):
		return newAPIError(http.StatusUnprocessableEntity, "wrong_phase", err.Error(), nil)
	case errors.Is(err, gate.ErrUnknownOption):
		return newAPIError(http.StatusBadRequest, "unknown_option", err.Error(), nil)
	case errors.Is(err, lineage.ErrBrokenChain), errors.Is(err, lineage.ErrCyclicChain):
		return newAPIError(http.StatusUnprocessableEntity, "lineage_broken", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "requires"):
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
	security := []map[string][]string{
		{"bearerAuth": {}},
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
    <title>Covenant API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

type ProjectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project from a design document",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body struct {
			Project domain.Project `json:"project"`
			Gate    domain.Gate    `json:"gate"`
		} `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 || input.Body.DesignYAML == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "design_yaml is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, g, err := e.InitProject(ctx, input.Body.ID, input.Body.Name, []byte(input.Body.DesignYAML), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Project domain.Project `json:"project"`
				Gate    domain.Gate    `json:"gate"`
			} `json:"body"`
		}{}
		resp.Body.Project = p
		resp.Body.Gate = g
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status summary",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body engine.StatusReport `json:"body"`
	}, error) {
		report, err := e.Status(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerDesign(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-design",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/design",
		Summary:     "Latest design document",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body domain.DesignDocument `json:"body"`
	}, error) {
		d, err := e.Repo.LatestDesignDocument(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DesignDocument `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revise-design",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/design",
		Summary:       "Submit a design revision",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body ReviseDesignRequest `json:"body"`
	}) (*struct {
		Body struct {
			Design domain.DesignDocument `json:"design"`
			Gate   domain.Gate           `json:"gate"`
		} `json:"body"`
	}, error) {
		if input.Body.DesignYAML == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "design_yaml is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, g, err := e.ReviseDesign(ctx, input.ProjectID, []byte(input.Body.DesignYAML), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Design domain.DesignDocument `json:"design"`
				Gate   domain.Gate           `json:"gate"`
			} `json:"body"`
		}{}
		resp.Body.Design = d
		resp.Body.Gate = g
		return resp, nil
	})
}

func registerCharter(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-charter",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/charter",
		Summary:     "Project charter",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body config.Charter `json:"body"`
	}, error) {
		c, err := e.Repo.GetCharter(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Charter `json:"body"`
		}{Body: *c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-charter",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/charter",
		Summary:     "Replace the project charter",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body ImportCharterRequest `json:"body"`
	}) (*struct {
		Body config.Charter `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := config.FromYAML([]byte(input.Body.CharterYAML))
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.ImportCharter(ctx, input.ProjectID, c, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Charter `json:"body"`
		}{Body: *c}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "plan-tier",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/plan",
		Summary:       "Plan task contracts for a tier",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body PlanTierRequest `json:"body"`
	}) (*struct {
		Body []domain.TaskContract `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tier := input.Body.Tier
		if tier == 0 {
			p, err := e.Repo.GetProject(ctx, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			tier = p.Tier
		}
		contracts, err := e.PlanTier(ctx, input.ProjectID, tier, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskContract `json:"body"`
		}{Body: contracts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/contracts",
		Summary:     "List task contracts",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Tier   int    `query:"tier"`
		Status string `query:"status"`
	}) (*struct {
		Body []domain.TaskContract `json:"body"`
	}, error) {
		contracts, err := e.Repo.ListContracts(ctx, repo.ContractFilters{
			ProjectID: input.ProjectID,
			Tier:      input.Tier,
			HasTier:   input.Tier > 0,
			Status:    input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskContract `json:"body"`
		}{Body: contracts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}",
		Summary:     "Contract with its outputs and verdicts",
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body struct {
			Contract domain.TaskContract    `json:"contract"`
			Outputs  []domain.WorkerOutput  `json:"outputs,omitempty"`
			Verdicts []domain.ReviewVerdict `json:"verdicts,omitempty"`
		} `json:"body"`
	}, error) {
		c, err := e.Repo.GetContract(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		outputs, err := e.Repo.ListWorkerOutputs(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		verdicts, err := e.Repo.ListVerdicts(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Contract domain.TaskContract    `json:"contract"`
				Outputs  []domain.WorkerOutput  `json:"outputs,omitempty"`
				Verdicts []domain.ReviewVerdict `json:"verdicts,omitempty"`
			} `json:"body"`
		}{}
		resp.Body.Contract = c
		resp.Body.Outputs = outputs
		resp.Body.Verdicts = verdicts
		return resp, nil
	})
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-gates",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates",
		Summary:     "List gates",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Status string `query:"status" enum:"pending,approved,rejected,deferred"`
	}) (*struct {
		Body []domain.Gate `json:"body"`
	}, error) {
		gates, err := e.Repo.ListGates(ctx, input.ProjectID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Gate `json:"body"`
		}{Body: gates}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}",
		Summary:     "Gate with its options",
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
	}) (*struct {
		Body domain.Gate `json:"body"`
	}, error) {
		g, err := e.Repo.GetGate(ctx, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Gate `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-gate",
		Method:      http.MethodPost,
		Path:        "/gates/{gate_id}/resolve",
		Summary:     "Resolve a pending gate",
	}, func(ctx context.Context, input *struct {
		GateID string             `path:"gate_id"`
		Body   ResolveGateRequest `json:"body"`
	}) (*struct {
		Body domain.Gate `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.ResolveGate(ctx, input.GateID, domain.GateResponse{
			Kind:            input.Body.Kind,
			SelectedOption:  input.Body.SelectedOption,
			CombinedOptions: input.Body.CombinedOptions,
			Modifications:   input.Body.Modifications,
			Feedback:        input.Body.Feedback,
			Reason:          input.Body.Reason,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Gate `json:"body"`
		}{Body: g}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifacts",
		Summary:     "List accepted artifacts",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body []domain.Artifact `json:"body"`
	}, error) {
		items, err := e.Repo.ListArtifacts(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Artifact `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trace-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}/trace",
		Summary:     "Decision chain from artifact to design",
	}, func(ctx context.Context, input *struct {
		ArtifactID string `path:"artifact_id"`
	}) (*struct {
		Body []domain.Decision `json:"body"`
	}, error) {
		chain, err := e.Trace(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Decision `json:"body"`
		}{Body: chain}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/decisions",
		Summary:     "Decision log",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body []domain.Decision `json:"body"`
	}, error) {
		items, err := e.Decisions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Decision `json:"body"`
		}{Body: items}, nil
	})
}

func registerCosts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-costs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/costs",
		Summary:     "Aggregated resource usage",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body lineage.CostReport `json:"body"`
	}, error) {
		report, err := e.Costs(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body lineage.CostReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Journal tail",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
