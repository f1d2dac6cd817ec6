package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/pluginhost/internal/events"
	"github.com/mattjoyce/pluginhost/internal/metadata"
)

const maxSettingsBody = 1 << 20

// handleListPlugins handles GET /plugins.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	out := make([]PluginSummary, 0, len(all))
	for _, d := range all {
		out = append(out, PluginSummary{ID: d.ID, Version: d.Version, Extensions: d.ExtensionNames()})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetPlugin handles GET /plugins/{id}.
func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.registry.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	}

	detail := PluginDetail{
		ID:          d.ID,
		Version:     d.Version,
		Description: d.Description,
		Path:        d.Path,
		Extensions:  make([]ExtensionStatus, 0, len(d.Extensions)),
	}
	for _, name := range d.ExtensionNames() {
		versions, _ := d.Versions(name)
		status := ExtensionStatus{Extension: name, Versions: versions}
		if store := s.storeFor(name); store != nil {
			if m, ok := store.Get(id); ok {
				status.Metadata = &m
			}
			if err := store.Err(id); err != nil {
				status.Error = err.Error()
			}
		}
		detail.Extensions = append(detail.Extensions, status)
	}
	respondJSON(w, http.StatusOK, detail)
}

// handleRefreshMetadata handles POST /plugins/{id}/metadata/refresh. Every
// extension the plugin implements is refreshed; failures are reported per
// extension and leave earlier metadata in place.
func (s *Server) handleRefreshMetadata(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	}

	resp := RefreshResponse{PluginID: id, Refreshed: []metadata.Metadata{}, At: time.Now().UTC()}
	for _, src := range s.sources {
		if !src.Store().Present(id) {
			continue
		}
		m, err := src.Refresh(r.Context(), id)
		if err != nil {
			if errors.Is(err, metadata.ErrNotLoaded) {
				continue
			}
			if resp.Errors == nil {
				resp.Errors = map[string]string{}
			}
			resp.Errors[src.Store().Extension()] = err.Error()
			continue
		}
		resp.Refreshed = append(resp.Refreshed, m)
		s.events.Publish(events.MetadataRefreshed, map[string]string{
			"plugin_id": id, "extension": m.Extension, "fingerprint": m.Fingerprint,
		})
	}

	status := http.StatusOK
	if len(resp.Errors) > 0 && len(resp.Refreshed) == 0 {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, resp)
}

// handlePutSettings handles PUT /plugins/{id}/settings. The change is queued
// and delivered asynchronously.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	if s.settings == nil {
		s.writeError(w, http.StatusServiceUnavailable, "settings notification disabled")
		return
	}

	var req SettingsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if !s.settings.Notify(id, req.Settings) {
		s.writeError(w, http.StatusServiceUnavailable, "settings change could not be queued")
		return
	}
	respondJSON(w, http.StatusAccepted, SettingsResponse{PluginID: id, Status: "queued"})
}

func (s *Server) storeFor(extension string) *metadata.Store {
	for _, src := range s.sources {
		if src.Store().Extension() == extension {
			return src.Store()
		}
	}
	return nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
