package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/linksentry/linksentry/internal/linkcheck"
	"github.com/linksentry/linksentry/internal/task"
)

type createTaskRequest struct {
	ProjectID string            `json:"project_id"`
	OwnerID   string            `json:"owner_id"`
	Source    string            `json:"source"`
	Links     []linkSourceInput `json:"links"`
}

type linkSourceInput struct {
	URL           string   `json:"url"`
	TargetDomains []string `json:"target_domains"`
	RowIndex      int      `json:"row_index"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		writeError(w, http.StatusBadRequest, "project_id required")
		return
	}
	if len(req.Links) == 0 {
		writeError(w, http.StatusBadRequest, "at least one link required")
		return
	}
	source := linkcheck.SourceKind(req.Source)
	switch source {
	case linkcheck.SourceManual, linkcheck.SourceImported:
	case "":
		source = linkcheck.SourceManual
	default:
		writeError(w, http.StatusBadRequest, "unknown source")
		return
	}

	rows := make([]linkcheck.LinkSource, 0, len(req.Links))
	for i, in := range req.Links {
		if strings.TrimSpace(in.URL) == "" {
			writeError(w, http.StatusBadRequest, "link url required")
			return
		}
		rowIndex := in.RowIndex
		if rowIndex == 0 {
			rowIndex = i + 1
		}
		rows = append(rows, linkcheck.LinkSource{
			URL:           in.URL,
			TargetDomains: in.TargetDomains,
			RowIndex:      rowIndex,
		})
	}

	created, err := s.ctrl.Launch(r.Context(), req.ProjectID, req.OwnerID, source, rows)
	if err != nil {
		s.logger.Error("launch task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to launch task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":     created.ID,
		"status":      created.Status,
		"total_links": created.TotalLinks,
	})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	prog, err := s.ctrl.Progress(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, linkcheck.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get progress failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	writeJSON(w, http.StatusOK, prog)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	taskRec, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, linkcheck.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	links, err := s.links.ListLinks(r.Context(), taskID)
	if err != nil {
		s.logger.Error("list links failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load links")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":  taskRec,
		"links": links,
	})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := s.ctrl.Cancel(r.Context(), taskID); err != nil {
		switch {
		case errors.Is(err, linkcheck.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, task.ErrNotCancellable):
			writeError(w, http.StatusConflict, "task already finished")
		default:
			s.logger.Error("cancel task failed", zap.String("task_id", taskID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to cancel task")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": taskID,
		"status":  string(linkcheck.TaskStatusCancelled),
	})
}
