package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"slicer3d/internal/config"
	"slicer3d/internal/errs"
	"slicer3d/internal/profile"
	"slicer3d/internal/slicer"
)

const maxUploadSize = 32 << 20

type profileResponse struct {
	Name        string           `json:"name"`
	DisplayName string           `json:"displayName,omitempty"`
	Description string           `json:"description,omitempty"`
	Default     bool             `json:"default"`
	Settings    profile.Settings `json:"settings,omitempty"`
}

type importResponse struct {
	Resource    string `json:"resource"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

func profileURL(name string) string {
	return "/api/v1/profiles/" + url.PathEscape(name)
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Profiles())
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	p, err := s.svc.Profile(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	def := false
	for _, summary := range s.svc.Profiles() {
		if summary.Name == name {
			def = summary.Default
		}
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Name:        p.Name,
		DisplayName: p.Metadata.Name(),
		Description: p.Metadata.Text(),
		Default:     def,
		Settings:    p.Settings,
	})
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteProfile(mux.Vars(r)["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setDefault(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.SetDefault(mux.Vars(r)["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) exportProfile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.svc.Export(mux.Vars(r)["name"], r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// importProfile takes a multipart upload in the field "file". The form
// fields name, displayName, description, allowOverwrite and default
// override the values derived from the file name.
func (s *Server) importProfile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "No file included", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file included", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Could not read uploaded file", http.StatusBadRequest)
		return
	}

	opts := slicer.ImportOptions{
		Name:           r.FormValue("name"),
		DisplayName:    r.FormValue("displayName"),
		Description:    r.FormValue("description"),
		AllowOverwrite: config.IsTrue(r.FormValue("allowOverwrite")),
		MakeDefault:    config.IsTrue(r.FormValue("default")),
	}
	p, err := s.svc.ImportProfile(header.Filename, data, opts)
	switch {
	case errors.Is(err, errs.ErrProfileExists):
		http.Error(w, "A profile with this name already exists", http.StatusConflict)
		return
	case err != nil && (errs.KindOf(err) == errs.KindProfileLoad || errs.KindOf(err) == errs.KindInvalid):
		http.Error(w, "Could not convert profile: "+err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("profile import failed", "file", header.Filename, "error", err)
		http.Error(w, "Something went wrong while importing the profile: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", profileURL(p.Name))
	writeJSON(w, http.StatusCreated, importResponse{
		Resource:    profileURL(p.Name),
		Name:        p.Name,
		DisplayName: p.Metadata.Name(),
		Description: p.Metadata.Text(),
	})
}

func (s *Server) getEditable(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.EditableProfile(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) saveEditable(w http.ResponseWriter, r *http.Request) {
	var e slicer.EditableProfile
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	saved, err := s.svc.SaveEditable(mux.Vars(r)["name"], e)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
