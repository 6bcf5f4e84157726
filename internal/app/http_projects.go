package app

import (
	"encoding/json"
	"net/http"

	"storyforge/api/internal/content"
)

func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		project, err := s.service.GetProject(r.Context(), projectID, session.UserID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": toProjectView(project)})

	case len(rest) == 1 && rest[0] == "status" && r.Method == http.MethodPost:
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		result, err := s.service.RequestStatusTransition(r.Context(), projectID, session.UserID, body.Status)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(rest) == 1 && rest[0] == "publish-gate" && r.Method == http.MethodGet:
		gate, err := s.service.EvaluatePublishGate(r.Context(), projectID, session.UserID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, gate)

	case len(rest) >= 1 && rest[0] == "truth":
		s.handleTruth(w, r, session, projectID, rest[1:])

	case len(rest) >= 1 && rest[0] == "modules":
		s.handleModules(w, r, session, projectID, rest[1:])

	case len(rest) == 3 && rest[0] == "snapshots" && rest[2] == "issues" && r.Method == http.MethodPut:
		var body struct {
			Source string       `json:"source"`
			Issues []IssueInput `json:"issues"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		issues, err := s.service.RecordIssues(r.Context(), projectID, session.UserID, rest[1], body.Source, body.Issues)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"issues": mapSlice(issues, toIssueView)})

	case len(rest) == 1 && rest[0] == "issues" && r.Method == http.MethodGet:
		issues, err := s.service.ListIssues(r.Context(), projectID, session.UserID, r.URL.Query().Get("snapshotId"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"issues": mapSlice(issues, toIssueView)})

	case len(rest) == 1 && rest[0] == "impact-reports" && r.Method == http.MethodGet:
		reports, err := s.service.ListImpactReports(r.Context(), projectID, session.UserID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": mapSlice(reports, toImpactReportView)})

	case len(rest) >= 1 && rest[0] == "candidates":
		s.handleCandidates(w, r, session, projectID, rest[1:])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleTruth(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		state, err := s.service.GetTruth(r.Context(), projectID, session.UserID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		payload := map[string]any{"truth": nil, "snapshot": nil}
		if state.Truth != nil {
			payload["truth"] = toTruthView(*state.Truth)
		}
		if state.Snapshot != nil {
			payload["snapshot"] = toSnapshotView(*state.Snapshot)
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 0 && r.Method == http.MethodPut:
		var body struct {
			Content json.RawMessage `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		doc, err := content.ParseDoc(body.Content)
		if err != nil {
			writeBodyError(w, err)
			return
		}
		truth, err := s.service.SaveTruth(r.Context(), projectID, session.UserID, doc)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"truth": toTruthView(truth)})

	case len(rest) == 1 && rest[0] == "lock" && r.Method == http.MethodPost:
		result, err := s.service.LockTruth(r.Context(), projectID, session.UserID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		payload := map[string]any{
			"truthId":  result.TruthID,
			"status":   result.Status,
			"changed":  result.Changed,
			"snapshot": nil,
		}
		if result.Snapshot.ID != "" {
			payload["snapshot"] = toSnapshotView(result.Snapshot)
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && rest[0] == "unlock" && r.Method == http.MethodPost:
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		result, err := s.service.UnlockTruth(r.Context(), projectID, session.UserID, body.Reason)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(rest) == 1 && rest[0] == "audit" && r.Method == http.MethodGet:
		entries, err := s.service.ListTruthAudit(r.Context(), projectID, session.UserID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": mapSlice(entries, toAuditEntryView)})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleModules(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		documents, err := s.service.ListModuleDocuments(r.Context(), projectID, session.UserID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"modules": mapSlice(documents, toModuleDocumentView)})

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Content json.RawMessage `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		value, err := content.Parse(body.Content)
		if err != nil {
			writeBodyError(w, err)
			return
		}
		saved, err := s.service.SaveModuleDocument(r.Context(), projectID, session.UserID, rest[0], value)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"module": toModuleDocumentView(saved)})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCandidates(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		candidates, err := s.service.ListCandidates(r.Context(), projectID, session.UserID, r.URL.Query().Get("status"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"candidates": mapSlice(candidates, toCandidateView)})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Target string `json:"target"`
			Output string `json:"output"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		result, err := s.service.IngestCandidates(r.Context(), projectID, session.UserID, body.Target, body.Output)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"candidates": mapSlice(result.Candidates, toCandidateView),
			"skipped":    result.Skipped,
		})

	case len(rest) == 2 && rest[1] == "accept" && r.Method == http.MethodPost:
		var body struct {
			TargetEntryID *string `json:"targetEntryId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		decision, err := s.service.AcceptCandidate(r.Context(), projectID, session.UserID, rest[0], body.TargetEntryID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)

	case len(rest) == 2 && rest[1] == "reject" && r.Method == http.MethodPost:
		decision, err := s.service.RejectCandidate(r.Context(), projectID, session.UserID, rest[0])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
