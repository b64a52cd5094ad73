/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/saltline/startline/internal/audit"
	"github.com/saltline/startline/internal/auth"
	"github.com/saltline/startline/internal/broadcast"
	"github.com/saltline/startline/internal/models"
	"github.com/saltline/startline/internal/notifications"
	"github.com/saltline/startline/internal/scheduler"
	"github.com/saltline/startline/internal/sequence"
	"github.com/saltline/startline/internal/stats"
	"github.com/saltline/startline/internal/version"
	"github.com/saltline/startline/internal/webhooks"
)

// API exposes HTTP handlers.
type API struct {
	db          *gorm.DB
	jwtSecret   []byte
	scheduler   *scheduler.Service
	auditSvc    *audit.Service
	hub         *broadcast.Hub
	statsSvc    *stats.Service
	notifySvc   *notifications.Service
	webhooksSvc *webhooks.Service
	logger      zerolog.Logger
}

// New creates the API router wrapper.
func New(db *gorm.DB, jwtSecret []byte, sched *scheduler.Service, auditSvc *audit.Service, hub *broadcast.Hub, statsSvc *stats.Service, notifySvc *notifications.Service, webhooksSvc *webhooks.Service, logger zerolog.Logger) *API {
	return &API{
		db:          db,
		jwtSecret:   jwtSecret,
		scheduler:   sched,
		auditSvc:    auditSvc,
		hub:         hub,
		statsSvc:    statsSvc,
		notifySvc:   notifySvc,
		webhooksSvc: webhooksSvc,
		logger:      logger,
	}
}

type createScheduleRequest struct {
	RegattaID              string    `json:"regatta_id"`
	Name                   string    `json:"name"`
	ScheduledDate          time.Time `json:"scheduled_date"`
	SequenceType           string    `json:"sequence_type"`
	StartIntervalMinutes   int       `json:"start_interval_minutes"`
	FirstWarningTime       time.Time `json:"first_warning_time"`
	CustomWarningMinutes   int       `json:"custom_warning_minutes"`
	CustomPrepMinutes      int       `json:"custom_prep_minutes"`
	CustomOneMinuteMinutes int       `json:"custom_one_minute_minutes"`
}

type fleetRequest struct {
	FleetName             string `json:"fleet_name"`
	ClassFlag             string `json:"class_flag"`
	RaceNumber            int    `json:"race_number"`
	CustomIntervalMinutes int    `json:"custom_interval_minutes"`
}

type addFleetsRequest struct {
	Fleets []fleetRequest `json:"fleets"`
}

type reorderRequest struct {
	EntryIDs []string `json:"entry_ids"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type resumeRequest struct {
	NewWarningTime time.Time `json:"new_warning_time"`
}

type individualRecallRequest struct {
	BoatIDs []string `json:"boat_ids"`
}

type webhookRequest struct {
	RegattaID string `json:"regatta_id"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	Events    string `json:"events"`
}

// Routes mounts API routes on provided router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))

			pr.Get("/sequence-types", a.handleSequenceTypes)

			pr.Route("/schedules", func(r chi.Router) {
				r.Get("/", a.handleSchedulesList)
				r.With(a.requireOfficer()).Post("/", a.handleScheduleCreate)
				r.Route("/{scheduleID}", func(r chi.Router) {
					r.Get("/", a.handleScheduleGet)
					r.Get("/timeline", a.handleScheduleTimeline)
					r.Get("/stats", a.handleScheduleStats)
					r.Group(func(cr chi.Router) {
						cr.Use(a.requireOfficer())
						cr.Post("/fleets", a.handleFleetsAdd)
						cr.Post("/reorder", a.handleFleetsReorder)
						cr.Post("/ready", a.handleMarkReady)
						cr.Post("/start", a.handleStartSequence)
					})
				})
			})

			pr.Route("/entries/{entryID}", func(r chi.Router) {
				r.Use(a.requireOfficer())
				r.Post("/warning", a.handleSignalWarning)
				r.Post("/preparatory", a.handleSignalPreparatory)
				r.Post("/one-minute", a.handleSignalOneMinute)
				r.Post("/start", a.handleSignalStart)
				r.Post("/general-recall", a.handleGeneralRecall)
				r.Post("/individual-recall", a.handleIndividualRecall)
				r.Post("/postpone", a.handlePostpone)
				r.Post("/resume", a.handleResume)
				r.Post("/abandon", a.handleAbandon)
			})

			pr.Get("/regattas/{regattaID}/stats", a.handleRegattaStats)

			pr.Route("/notifications", func(r chi.Router) {
				r.Get("/", a.handleNotificationsList)
				r.Post("/{notificationID}/read", a.handleNotificationRead)
			})

			pr.Route("/webhooks", func(r chi.Router) {
				r.Use(a.requireOfficer())
				r.Get("/", a.handleWebhooksList)
				r.Post("/", a.handleWebhookRegister)
				r.Delete("/{webhookID}", a.handleWebhookDelete)
				r.Post("/{webhookID}/test", a.handleWebhookTest)
			})

			pr.Route("/users", func(r chi.Router) {
				r.Use(auth.RequireRole(models.RoleAdmin))
				r.Get("/", a.handleUsersList)
				r.Post("/", a.handleUserCreate)
				r.Delete("/{userID}", a.handleUserDelete)
			})

			pr.With(auth.RequireRole(models.RoleAdmin)).Get("/audit", a.handleAuditList)

			pr.Get("/events", a.hub.ServeHTTP)
		})
	})
}

func (a *API) requireOfficer() func(http.Handler) http.Handler {
	return auth.RequireRole(models.RoleOfficer)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (a *API) handleSequenceTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sequence_types": a.scheduler.SequenceTypes()})
}

func (a *API) handleSchedulesList(w http.ResponseWriter, r *http.Request) {
	schedules, err := a.scheduler.ListSchedules(r.Context(), r.URL.Query().Get("regatta_id"))
	if err != nil {
		a.logger.Error().Err(err).Msg("list schedules failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (a *API) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}

	sched, err := a.scheduler.CreateSchedule(r.Context(), scheduler.CreateScheduleInput{
		RegattaID:              req.RegattaID,
		Name:                   req.Name,
		ScheduledDate:          req.ScheduledDate,
		SequenceType:           req.SequenceType,
		StartIntervalMinutes:   req.StartIntervalMinutes,
		FirstWarningTime:       req.FirstWarningTime,
		CustomWarningMinutes:   req.CustomWarningMinutes,
		CustomPrepMinutes:      req.CustomPrepMinutes,
		CustomOneMinuteMinutes: req.CustomOneMinuteMinutes,
	})
	if err != nil {
		a.writeSchedulerError(w, err, "create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (a *API) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	sched, err := a.scheduler.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		a.writeSchedulerError(w, err, "get schedule")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (a *API) handleScheduleTimeline(w http.ResponseWriter, r *http.Request) {
	entries, err := a.scheduler.Timeline(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		a.writeSchedulerError(w, err, "schedule timeline")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": entries})
}

func (a *API) handleFleetsAdd(w http.ResponseWriter, r *http.Request) {
	var req addFleetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Fleets) == 0 {
		writeError(w, http.StatusBadRequest, "fleets_required")
		return
	}

	fleets := make([]scheduler.FleetInput, 0, len(req.Fleets))
	for _, f := range req.Fleets {
		if f.FleetName == "" {
			writeError(w, http.StatusBadRequest, "fleet_name_required")
			return
		}
		fleets = append(fleets, scheduler.FleetInput{
			FleetName:             f.FleetName,
			ClassFlag:             f.ClassFlag,
			RaceNumber:            f.RaceNumber,
			CustomIntervalMinutes: f.CustomIntervalMinutes,
		})
	}

	sched, err := a.scheduler.AddFleets(r.Context(), chi.URLParam(r, "scheduleID"), fleets)
	if err != nil {
		a.writeSchedulerError(w, err, "add fleets")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (a *API) handleFleetsReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	sched, err := a.scheduler.ReorderFleets(r.Context(), chi.URLParam(r, "scheduleID"), req.EntryIDs)
	if err != nil {
		a.writeSchedulerError(w, err, "reorder fleets")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (a *API) handleMarkReady(w http.ResponseWriter, r *http.Request) {
	sched, err := a.scheduler.MarkReady(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		a.writeSchedulerError(w, err, "mark ready")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (a *API) handleStartSequence(w http.ResponseWriter, r *http.Request) {
	sched, err := a.scheduler.StartSequence(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		a.writeSchedulerError(w, err, "start sequence")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (a *API) handleSignalWarning(w http.ResponseWriter, r *http.Request) {
	entry, err := a.scheduler.SignalWarning(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		a.writeSchedulerError(w, err, "signal warning")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleSignalPreparatory(w http.ResponseWriter, r *http.Request) {
	entry, err := a.scheduler.SignalPreparatory(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		a.writeSchedulerError(w, err, "signal preparatory")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleSignalOneMinute(w http.ResponseWriter, r *http.Request) {
	entry, err := a.scheduler.SignalOneMinute(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		a.writeSchedulerError(w, err, "signal one minute")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleSignalStart(w http.ResponseWriter, r *http.Request) {
	entry, err := a.scheduler.SignalStart(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		a.writeSchedulerError(w, err, "signal start")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleGeneralRecall(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	entry, err := a.scheduler.GeneralRecall(r.Context(), chi.URLParam(r, "entryID"), req.Reason)
	if err != nil {
		a.writeSchedulerError(w, err, "general recall")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleIndividualRecall(w http.ResponseWriter, r *http.Request) {
	var req individualRecallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.BoatIDs) == 0 {
		writeError(w, http.StatusBadRequest, "boat_ids_required")
		return
	}
	entry, err := a.scheduler.IndividualRecall(r.Context(), chi.URLParam(r, "entryID"), req.BoatIDs)
	if err != nil {
		a.writeSchedulerError(w, err, "individual recall")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handlePostpone(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	entry, err := a.scheduler.Postpone(r.Context(), chi.URLParam(r, "entryID"), req.Reason)
	if err != nil {
		a.writeSchedulerError(w, err, "postpone")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	entry, err := a.scheduler.Resume(r.Context(), chi.URLParam(r, "entryID"), req.NewWarningTime)
	if err != nil {
		a.writeSchedulerError(w, err, "resume")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleAbandon(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	entry, err := a.scheduler.Abandon(r.Context(), chi.URLParam(r, "entryID"), req.Reason)
	if err != nil {
		a.writeSchedulerError(w, err, "abandon")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleScheduleStats(w http.ResponseWriter, r *http.Request) {
	report, err := a.statsSvc.ForSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		a.logger.Error().Err(err).Msg("schedule stats failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleRegattaStats(w http.ResponseWriter, r *http.Request) {
	report, err := a.statsSvc.ForRegatta(r.Context(), chi.URLParam(r, "regattaID"))
	if err != nil {
		a.logger.Error().Err(err).Msg("regatta stats failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleNotificationsList(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := r.URL.Query()
	unreadOnly := q.Get("unread") == "true"
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, total, err := a.notifySvc.ListForUser(r.Context(), claims.UserID, unreadOnly, limit, offset)
	if err != nil {
		a.logger.Error().Err(err).Msg("list notifications failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"total":         total,
	})
}

func (a *API) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := a.notifySvc.MarkAsRead(r.Context(), chi.URLParam(r, "notificationID"), claims.UserID); err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (a *API) handleWebhooksList(w http.ResponseWriter, r *http.Request) {
	targets, err := a.webhooksSvc.List(r.Context(), r.URL.Query().Get("regatta_id"))
	if err != nil {
		a.logger.Error().Err(err).Msg("list webhooks failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (a *API) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url_required")
		return
	}

	target := &models.WebhookTarget{
		RegattaID: req.RegattaID,
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    req.Events,
	}
	if err := a.webhooksSvc.Register(r.Context(), target); err != nil {
		a.logger.Error().Err(err).Msg("register webhook failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

func (a *API) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.webhooksSvc.Delete(r.Context(), chi.URLParam(r, "webhookID")); err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *API) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	if err := a.webhooksSvc.Test(r.Context(), chi.URLParam(r, "webhookID")); err != nil {
		writeError(w, http.StatusBadGateway, "webhook_test_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	filters := audit.QueryFilters{}
	q := r.URL.Query()

	if scheduleID := q.Get("schedule_id"); scheduleID != "" {
		filters.ScheduleID = &scheduleID
	}
	if userID := q.Get("user_id"); userID != "" {
		filters.UserID = &userID
	}
	if action := q.Get("action"); action != "" {
		a := models.AuditAction(action)
		filters.Action = &a
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filters.StartTime = &t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filters.EndTime = &t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filters.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			filters.Offset = n
		}
	}

	logs, total, err := a.auditSvc.Query(r.Context(), filters)
	if err != nil {
		a.logger.Error().Err(err).Msg("audit query failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"total": total,
	})
}

// writeSchedulerError turns domain errors into HTTP responses.
func (a *API) writeSchedulerError(w http.ResponseWriter, err error, operation string) {
	switch {
	case errors.Is(err, scheduler.ErrScheduleNotFound), errors.Is(err, scheduler.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, scheduler.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition")
	case errors.Is(err, scheduler.ErrScheduleNotReady):
		writeError(w, http.StatusConflict, "schedule_frozen")
	case errors.Is(err, scheduler.ErrScheduleBusy), errors.Is(err, scheduler.ErrPersistenceConflict):
		writeError(w, http.StatusConflict, "schedule_busy")
	case errors.Is(err, scheduler.ErrDuplicateStartOrder):
		writeError(w, http.StatusUnprocessableEntity, "invalid_start_order")
	case errors.Is(err, scheduler.ErrInvalidInterval):
		writeError(w, http.StatusUnprocessableEntity, "invalid_interval")
	case errors.Is(err, sequence.ErrInvalidSequenceType):
		writeError(w, http.StatusUnprocessableEntity, "invalid_sequence_type")
	default:
		a.logger.Error().Err(err).Str("operation", operation).Msg("scheduler command failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
