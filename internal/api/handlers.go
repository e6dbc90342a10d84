package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/markus41/advisorflow/internal/engine"
	"github.com/markus41/advisorflow/internal/models"
)

type startWorkflowRequest struct {
	TemplateID string         `json:"template_id" validate:"required"`
	Version    int            `json:"version" validate:"gte=0"`
	ClientID   string         `json:"client_id" validate:"required"`
	Variables  map[string]any `json:"variables"`
}

type startCampaignRequest struct {
	CampaignID string `json:"campaign_id" validate:"required"`
	ClientID   string `json:"client_id" validate:"required"`
}

type completeStepRequest struct {
	Outputs map[string]any `json:"outputs"`
}

type failStepRequest struct {
	Reason string `json:"reason"`
}

type recordResponseRequest struct {
	StepID       string `json:"step_id" validate:"required"`
	ResponseType string `json:"response_type" validate:"required"`
	Content      string `json:"content"`
}

type fireEventRequest struct {
	Event     string         `json:"event" validate:"required"`
	ClientID  string         `json:"client_id" validate:"required"`
	Variables map[string]any `json:"variables"`
}

// statusForError maps service sentinel errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrTemplateNotFound),
		errors.Is(err, models.ErrExecutionNotFound),
		errors.Is(err, models.ErrCampaignNotFound),
		errors.Is(err, models.ErrCampaignExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrCooldownActive),
		errors.Is(err, models.ErrConcurrencyLimit),
		errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrMissingRequiredVariable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeAndValidate decodes the request body into dst and runs struct
// validation. It writes the error response itself and reports success.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Warn("Server.decodeAndValidate: failed to decode JSON", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		slog.Warn("Server.decodeAndValidate: validation failed", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return false
	}
	return true
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// templatesHandler creates template versions (POST) and reads them back
// (GET ?id=&version=; version 0 resolves to the latest).
func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodPost:
		var tpl models.WorkflowTemplate
		if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if tpl.ID == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("template id is required"))
			return
		}
		if err := engine.ValidateTemplate(&tpl); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		// Deployed versions are immutable; an unversioned save lands as the
		// next version.
		if tpl.Version == 0 {
			latest, err := s.store.LatestTemplateVersion(tpl.ID)
			if err != nil {
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resolve template version"))
				return
			}
			tpl.Version = latest + 1
		}
		if err := s.store.SaveTemplate(tpl); err != nil {
			slog.Error("Server.templatesHandler: save failed", "templateID", tpl.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save template"))
			return
		}
		if s.triggers != nil {
			if err := s.triggers.RegisterTemplate(&tpl); err != nil {
				slog.Error("Server.templatesHandler: trigger registration failed", "templateID", tpl.ID, "error", err)
			}
		}
		slog.Info("Server.templatesHandler: template saved", "templateID", tpl.ID, "version", tpl.Version)
		writeJSONResponse(w, http.StatusCreated, models.Success(map[string]any{"id": tpl.ID, "version": tpl.Version}))

	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("id query parameter is required"))
			return
		}
		version, _ := strconv.Atoi(r.URL.Query().Get("version"))
		if version == 0 {
			latest, err := s.store.LatestTemplateVersion(id)
			if err != nil {
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resolve template version"))
				return
			}
			version = latest
		}
		tpl, err := s.store.GetTemplate(id, version)
		if err != nil {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load template"))
			return
		}
		if tpl == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Template not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(tpl))

	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) startWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req startWorkflowRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	id, err := s.engine.StartWorkflow(r.Context(), req.TemplateID, req.Version, req.ClientID, req.Variables)
	if err != nil {
		slog.Warn("Server.startWorkflowHandler: start failed", "templateID", req.TemplateID, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"execution_id": id}))
}

// executionsHandler routes /executions/{id} and its sub-actions: tick,
// cancel, pause, resume, steps/{stepID}/complete, steps/{stepID}/fail.
func (s *Server) executionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/executions/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("execution id is required"))
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		exec, err := s.engine.GetExecution(id)
		if err != nil {
			writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(exec))
		return
	}

	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var err error
	switch {
	case len(parts) == 2 && parts[1] == "tick":
		err = s.engine.Tick(r.Context(), id)
	case len(parts) == 2 && parts[1] == "cancel":
		err = s.engine.Cancel(r.Context(), id)
	case len(parts) == 2 && parts[1] == "pause":
		err = s.engine.Pause(r.Context(), id)
	case len(parts) == 2 && parts[1] == "resume":
		err = s.engine.Resume(r.Context(), id)
	case len(parts) == 4 && parts[1] == "steps" && parts[3] == "complete":
		var req completeStepRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		err = s.engine.CompleteStep(r.Context(), id, parts[2], req.Outputs)
	case len(parts) == 4 && parts[1] == "steps" && parts[3] == "fail":
		var req failStepRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		err = s.engine.FailStep(r.Context(), id, parts[2], req.Reason)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown execution action"))
		return
	}

	if err != nil {
		slog.Warn("Server.executionsHandler: action failed", "executionID", id, "path", r.URL.Path, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	exec, err := s.engine.GetExecution(id)
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(exec))
}

// campaignsHandler saves campaign definitions.
func (s *Server) campaignsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var c models.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if c.ID == "" || len(c.Steps) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("campaign id and steps are required"))
		return
	}
	if err := s.store.SaveCampaign(c); err != nil {
		slog.Error("Server.campaignsHandler: save failed", "campaignID", c.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save campaign"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"id": c.ID}))
}

func (s *Server) startCampaignHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req startCampaignRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	id, err := s.campaigns.StartForClient(r.Context(), req.CampaignID, req.ClientID)
	if err != nil {
		slog.Warn("Server.startCampaignHandler: start failed", "campaignID", req.CampaignID, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"campaign_execution_id": id}))
}

// campaignExecutionsHandler routes /campaigns/executions/{id} and its
// sub-actions: responses, cancel.
func (s *Server) campaignExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/campaigns/executions/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("campaign execution id is required"))
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		cx, err := s.campaigns.GetExecution(id)
		if err != nil {
			writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(cx))
		return
	}

	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var err error
	switch parts[1] {
	case "responses":
		var req recordResponseRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		err = s.campaigns.RecordResponse(r.Context(), id, req.StepID, req.ResponseType, req.Content)
	case "cancel":
		err = s.campaigns.Cancel(r.Context(), id)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown campaign execution action"))
		return
	}
	if err != nil {
		slog.Warn("Server.campaignExecutionsHandler: action failed", "campaignExecutionID", id, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	cx, err := s.campaigns.GetExecution(id)
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(cx))
}

// teamHandler saves roster members (POST) and lists the roster (GET).
func (s *Server) teamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodPost:
		var m models.TeamMember
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if m.ID == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("member id is required"))
			return
		}
		if err := s.store.SaveTeamMember(m); err != nil {
			slog.Error("Server.teamHandler: save failed", "memberID", m.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save team member"))
			return
		}
		writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"id": m.ID}))
	case http.MethodGet:
		members, err := s.store.ListTeamMembers()
		if err != nil {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list team members"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(members))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// segmentsHandler saves segment definitions.
func (s *Server) segmentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var seg models.Segment
	if err := json.NewDecoder(r.Body).Decode(&seg); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if seg.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("segment id is required"))
		return
	}
	if err := s.store.SaveSegment(seg); err != nil {
		slog.Error("Server.segmentsHandler: save failed", "segmentID", seg.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save segment"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"id": seg.ID}))
}

// eventsHandler fires business events into the trigger service.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.triggers == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("No trigger service deployed"))
		return
	}
	var req fireEventRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	ids, err := s.triggers.FireEvent(r.Context(), req.Event, req.ClientID, req.Variables)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(map[string]any{"execution_ids": ids}))
}

func (s *Server) workflowAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	rep, err := s.reports.WorkflowReport(r.URL.Query().Get("template_id"))
	if err != nil {
		slog.Error("Server.workflowAnalyticsHandler: report failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to build report"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rep))
}

func (s *Server) campaignAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	rep, err := s.reports.CampaignReport(r.URL.Query().Get("campaign_id"))
	if err != nil {
		slog.Error("Server.campaignAnalyticsHandler: report failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to build report"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rep))
}
