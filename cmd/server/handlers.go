package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stockflow/automation/dispatch"
	"github.com/stockflow/automation/rules"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handlePublishEvent reports a business event to the engine. Matching rules
// run synchronously before the response; rule failures surface in the
// execution log, never in the response.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	ctx := r.Context()
	switch rules.TriggerKind(req.EventType) {
	case rules.TriggerEntityCreated:
		s.publisher.PublishEntityCreated(ctx, tenantID, req.EntityType, req.Entity)
	case rules.TriggerEntityUpdated:
		s.publisher.PublishEntityUpdated(ctx, tenantID, req.EntityType, req.Entity, req.Previous)
	case rules.TriggerEntityDeleted:
		s.publisher.PublishEntityDeleted(ctx, tenantID, req.EntityType, req.EntityID)
	case rules.TriggerStatusChanged:
		s.publisher.PublishStatusChanged(ctx, tenantID, req.EntityType, req.Entity, req.OldStatus, req.NewStatus)
	case rules.TriggerThresholdCrossed:
		s.publisher.PublishThresholdCrossed(ctx, tenantID, req.EntityType, req.EntityID,
			req.Field, req.PreviousValue, req.NewValue, req.Threshold)
	case rules.TriggerWebhookReceived:
		if req.EventName == "" {
			respondError(w, http.StatusBadRequest, "eventName is required for webhook_received events", nil)
			return
		}
		s.publisher.PublishCustomEvent(ctx, tenantID, req.EventName, req.Data)
	default:
		respondError(w, http.StatusBadRequest, "unknown eventType", nil)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule(tenantID)
	rule.ID = uuid.New().String()
	if err := s.validateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := s.ruleStore.Create(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create rule", err)
		return
	}
	s.matcher.Invalidate(tenantID)

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	q := r.URL.Query()

	filter := rules.RuleFilter{
		Trigger: rules.TriggerKind(q.Get("trigger")),
		Action:  rules.ActionKind(q.Get("action")),
		Search:  q.Get("search"),
		Limit:   intParam(q.Get("limit"), 50),
		Offset:  intParam(q.Get("offset"), 0),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid active parameter", err)
			return
		}
		filter.Active = &active
	}

	list, total, err := s.ruleStore.List(r.Context(), tenantID, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	respondJSON(w, http.StatusOK, RulesListResponse{
		Rules:  list,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := s.ruleStore.Get(r.Context(), tenantID, ruleID)
	if err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get rule", err)
		return
	}

	recent, err := s.execStore.ListByRule(r.Context(), tenantID, ruleID, recentExecutionsLimit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list recent executions", err)
		return
	}
	respondJSON(w, http.StatusOK, RuleDetailResponse{Rule: rule, RecentExecutions: recent})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule(tenantID)
	rule.ID = ruleID
	if err := s.validateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := s.ruleStore.Update(r.Context(), rule); err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to update rule", err)
		return
	}
	s.matcher.Invalidate(tenantID)

	updated, err := s.ruleStore.Get(r.Context(), tenantID, ruleID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load updated rule", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.ruleStore.Delete(r.Context(), tenantID, ruleID); err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete rule", err)
		return
	}
	s.matcher.Invalidate(tenantID)
	s.expressions.Remove(ruleID)

	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerRule runs a rule immediately against a caller-supplied
// payload. Manual triggers bypass the cooldown and daily cap.
func (s *Server) handleTriggerRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	var req TestRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.ruleStore.Get(r.Context(), tenantID, ruleID)
	if err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get rule", err)
		return
	}

	entityType, _ := req.Payload["entityType"].(string)
	entityID, _ := req.Payload["entityId"].(string)
	exec, err := s.engine.TriggerRule(r.Context(), rule, req.Payload, entityType, entityID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to trigger rule", err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// handleTestRule evaluates conditions without running the action or
// recording an execution.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	var req TestRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.ruleStore.Get(r.Context(), tenantID, ruleID)
	if err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get rule", err)
		return
	}

	met, results, err := s.engine.TestRule(rule, req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "rule evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, TestRuleResponse{ConditionsMet: met, Results: results})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	q := r.URL.Query()

	filter := rules.ExecutionFilter{
		RuleID: q.Get("ruleId"),
		Status: rules.ExecutionStatus(q.Get("status")),
		Limit:  intParam(q.Get("limit"), 50),
		Offset: intParam(q.Get("offset"), 0),
	}
	if v := q.Get("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from parameter", err)
			return
		}
		filter.From = &from
	}
	if v := q.Get("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid to parameter", err)
			return
		}
		filter.To = &to
	}

	list, total, err := s.execStore.List(r.Context(), tenantID, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}

	respondJSON(w, http.StatusOK, ExecutionsListResponse{
		Executions: list,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	stats, err := s.execStore.Stats(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// validateRule applies structural validation, action config decoding and,
// for expression rules, CEL compilation so bad rules are rejected at write
// time rather than at trigger time.
func (s *Server) validateRule(rule *rules.Rule) error {
	if err := rules.ValidateRule(rule); err != nil {
		return err
	}
	if err := dispatch.ValidateConfig(rule.Action, rule.ActionConfig); err != nil {
		return err
	}
	if rule.Expression != "" {
		if err := s.expressions.Compile(rule.ID, rule.Expression); err != nil {
			return err
		}
	}
	return nil
}

func intParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
