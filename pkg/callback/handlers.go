package callback

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/config"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// NotifyRequest asks for an immediate poll of the run behind a native handle.
type NotifyRequest struct {
	Runtime  string `json:"runtime"`
	NativeID string `json:"native_id"`
}

// StatusRequest pushes a state for a run.
type StatusRequest struct {
	Key string `json:"key"`
	engine.StatusUpdate
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

// ErrorMessage describes a failure.
type ErrorMessage struct {
	Reason   string                 `json:"reason"`
	Code     string                 `json:"code,omitempty"`
	Resource string                 `json:"resource,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

func (s *Server) submit(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return engine.NewValidationError("submission is not valid JSON", err)
	}
	if s.schemas != nil {
		if err := s.schemas.ValidateAgainstSchema(c.Request().Context(), config.SchemaSubmission, doc); err != nil {
			return err
		}
	}

	var payload engine.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return engine.NewValidationError("submission does not match the payload shape", err)
	}
	handle, err := s.dispatcher.SubmitPayload(c.Request().Context(), &payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, handle)
}

func (s *Server) notify(c echo.Context) error {
	var req NotifyRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Runtime == "" || req.NativeID == "" {
		return engine.NewValidationError("runtime and native_id are required", nil)
	}
	run, err := s.dispatcher.Notify(c.Request().Context(), req.Runtime, req.NativeID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) status(c echo.Context) error {
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	key, err := engine.ParseKey(req.Key)
	if err != nil {
		return err
	}
	if key.EntityType != engine.EntityRun {
		return engine.NewValidationError("key must reference a run", nil).WithResource(req.Key)
	}
	run, err := s.dispatcher.Apply(c.Request().Context(), key, req.StatusUpdate)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// getRun serves a run version by project and name. The run kind is not
// part of the path; "latest" selects the newest version.
func (s *Server) getRun(c echo.Context) error {
	project, name, version := c.Param("project"), c.Param("name"), c.Param("version")
	runs, err := s.dispatcher.Catalog().List(c.Request().Context(), project, engine.EntityRun, engine.ListFilter{Name: name})
	if err != nil {
		return err
	}
	for _, run := range runs {
		if version == engine.LatestVersion || run.Metadata.Version == version {
			return c.JSON(http.StatusOK, run)
		}
	}
	return engine.NewNotFoundError("run", project+"/"+name+":"+version)
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		reason := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			reason = msg
		}
		_ = c.JSON(he.Code, ErrorResponse{Message: ErrorMessage{Reason: reason}})
		return
	}

	msg := ErrorMessage{Reason: err.Error(), Code: engine.ErrCodeInternal}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		msg.Code = ee.Code
		msg.Resource = ee.Resource
		msg.Details = ee.Details
	}
	_ = c.JSON(StatusOf(err), ErrorResponse{Message: msg})
}

// StatusOf maps an error to an HTTP status code.
func StatusOf(err error) int {
	switch engine.CodeOf(err) {
	case engine.ErrCodeValidation, engine.ErrCodeMalformedKey, engine.ErrCodeUnsupportedKind, engine.ErrCodePolicyDenied:
		return http.StatusBadRequest
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeAlreadyExists, engine.ErrCodeConflict, engine.ErrCodeInvalidTransition, engine.ErrCodeDuplicateKind:
		return http.StatusConflict
	case engine.ErrCodeBackendUnavailable, engine.ErrCodeRateLimited:
		return http.StatusServiceUnavailable
	case engine.ErrCodeRejectedByBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
