package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/engine"
)

// StartRunRequest is the body of POST /api/runs
type StartRunRequest struct {
	SectionCount int             `json:"section_count,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	HistoryHint  string          `json:"history_hint,omitempty"`
}

// UnitResponse is the API response for a section unit
type UnitResponse struct {
	ID         string   `json:"id"`
	Section    int      `json:"section"`
	Status     string   `json:"status"`
	Score      *float64 `json:"score,omitempty"`
	RetryCount int      `json:"retry_count"`
	Feedback   string   `json:"feedback,omitempty"`
	UpdatedAt  string   `json:"updated_at"`
}

// RunResponse is the API response for a run
type RunResponse struct {
	ID            string         `json:"id"`
	Generation    int64          `json:"generation"`
	Status        string         `json:"status"`
	SectionCount  int            `json:"section_count"`
	WeightedScore *float64       `json:"weighted_score,omitempty"`
	FinalText     string         `json:"final_text,omitempty"`
	FinalFeedback string         `json:"final_feedback,omitempty"`
	Attempts      int            `json:"attempts"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     string         `json:"created_at"`
	FinishedAt    *string        `json:"finished_at,omitempty"`
	Units         []UnitResponse `json:"units"`
}

func unitToResponse(u *domain.Unit) UnitResponse {
	return UnitResponse{
		ID:         u.ID,
		Section:    u.Index,
		Status:     string(u.Status),
		Score:      u.Score,
		RetryCount: u.RetryCount,
		Feedback:   u.Feedback,
		UpdatedAt:  u.UpdatedAt.Format(time.RFC3339),
	}
}

func runToResponse(r *domain.Run) RunResponse {
	resp := RunResponse{
		ID:            r.ID,
		Generation:    r.Generation,
		Status:        string(r.Status),
		SectionCount:  r.SectionCount,
		WeightedScore: r.WeightedScore,
		FinalText:     r.FinalText,
		FinalFeedback: r.FinalFeedback,
		Attempts:      r.Attempts,
		Error:         r.Error,
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
		Units:         make([]UnitResponse, 0, len(r.Units)),
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	for _, u := range r.Units {
		resp.Units = append(resp.Units, unitToResponse(u))
	}
	return resp
}

func (s *Server) startRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req StartRunRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if req.SectionCount < 0 {
			writeError(w, http.StatusBadRequest, "section_count must not be negative")
			return
		}

		payload := string(req.Payload)
		if payload == "" {
			payload = "{}"
		}

		run, err := s.engine.StartRun(r.Context(), engine.StartRequest{
			SectionCount: req.SectionCount,
			Payload:      payload,
			HistoryHint:  req.HistoryHint,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}

		writeJSONStatus(w, http.StatusAccepted, runToResponse(run))
	}
}

// runHandler serves /api/runs/{id} and /api/runs/{id}/resume
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		runID, action, _ := strings.Cut(path, "/")
		switch action {
		case "":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			run, err := s.engine.PollRun(r.Context(), runID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, runToResponse(run))

		case "resume":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			run, err := s.engine.ResumeRun(r.Context(), runID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSONStatus(w, http.StatusAccepted, runToResponse(run))

		default:
			writeError(w, http.StatusNotFound, "unknown run action")
		}
	}
}

func (s *Server) resetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		report, err := s.engine.ResetAll(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, report)
	}
}

// killHandler stops in-flight jobs without reseeding; units keep their
// committed status
func (s *Server) killHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		stats, err := s.engine.Kill(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, stats)
	}
}

func (s *Server) poolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, s.engine.Slots())
	}
}

func (s *Server) listUnitsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		units, err := s.engine.Units(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}

		resp := make([]UnitResponse, len(units))
		for i, u := range units {
			resp[i] = unitToResponse(u)
		}
		writeJSON(w, resp)
	}
}
