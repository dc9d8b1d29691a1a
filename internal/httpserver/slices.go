package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"slicer3d/internal/engine"
	"slicer3d/internal/errs"
	"slicer3d/internal/model"
	"slicer3d/internal/slicer"
)

type slicesResponse struct {
	Jobs    []model.JobInfo     `json:"jobs"`
	History []model.SliceRecord `json:"history"`
}

type cancelRequest struct {
	Output string `json:"output"`
}

// createSlice starts a slicing job. The job runs in the background and the
// request returns 202, unless ?wait=true asks for the finished result. A job
// already writing the same output is refused with 409 either way.
func (s *Server) createSlice(w http.ResponseWriter, r *http.Request) {
	var req slicer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ModelPath == "" {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if req.OutputPath == "" {
		req.OutputPath = engine.OutputPathFor(req.ModelPath)
	}

	if r.URL.Query().Get("wait") == "true" {
		res, err := s.svc.Slice(r.Context(), req)
		switch {
		case errors.Is(err, errs.ErrJobInProgress):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, errs.ErrCancelled), err == nil && res.OK():
			writeJSON(w, http.StatusOK, res)
		default:
			writeJSON(w, kindStatus(res.Kind), res)
		}
		return
	}

	s.wg.Add(1)
	output, err := s.svc.Start(s.ctx, req, func(res slicer.Result, err error) {
		defer s.wg.Done()
		s.logger.Info("background slice finished", "output", res.OutputPath, "status", res.Status, "error", err)
	})
	if err != nil {
		s.wg.Done()
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, model.JobInfo{OutputPath: output, Status: model.StatusRunning})
}

func (s *Server) listSlices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, slicesResponse{
		Jobs:    s.svc.Jobs(),
		History: s.svc.History(),
	})
}

func (s *Server) cancelSlice(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Output == "" {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"output":    req.Output,
		"cancelled": s.svc.Cancel(req.Output),
	})
}
