package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

// redactedSecret replaces stored credentials in responses. Sending it back on PUT
// keeps the stored value.
const redactedSecret = "********"

func (s *Server) listReleases(w http.ResponseWriter, r *http.Request) {
	titleID, err := parseTitleID(chi.URLParam(r, "title_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultReleaseLimit, maxReleaseLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	releases, err := s.repos.Releases.ListByTitle(ctx, titleID, limit, offset)
	if err != nil {
		s.writeStoreError(w, err, "list releases")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"releases": nonNil(releases)})
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	profiles, err := s.repos.Profiles.List(ctx)
	if err != nil {
		s.writeStoreError(w, err, "list profiles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": nonNil(profiles)})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	titleID, err := parseTitleID(chi.URLParam(r, "title_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	profile, err := s.repos.Profiles.Get(ctx, titleID)
	if err != nil {
		s.writeStoreError(w, err, "load profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": profile})
}

// putProfile replaces the profile; the path id wins over any id in the body.
func (s *Server) putProfile(w http.ResponseWriter, r *http.Request) {
	titleID, err := parseTitleID(chi.URLParam(r, "title_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var profile harvest.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	profile.TitleID = titleID

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.repos.Profiles.Upsert(ctx, profile); err != nil {
		s.writeStoreError(w, err, "save profile")
		return
	}
	saved, err := s.repos.Profiles.Get(ctx, titleID)
	if err != nil {
		s.writeStoreError(w, err, "load profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": saved})
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	titleID, err := parseTitleID(chi.URLParam(r, "title_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.repos.Profiles.Delete(ctx, titleID); err != nil {
		s.writeStoreError(w, err, "delete profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	settings, err := s.repos.Settings.Get(ctx)
	if err != nil {
		s.writeStoreError(w, err, "load settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": redact(settings)})
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var settings harvest.GlobalSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if settings.QBittorrentEnabled && settings.QBittorrentURL == "" {
		writeError(w, http.StatusBadRequest, "qbittorrent_url is required when qbittorrent is enabled")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if settings.QBittorrentPassword == redactedSecret {
		current, err := s.repos.Settings.Get(ctx)
		if err != nil {
			s.writeStoreError(w, err, "load settings")
			return
		}
		settings.QBittorrentPassword = current.QBittorrentPassword
	}
	if err := s.repos.Settings.Put(ctx, settings); err != nil {
		s.writeStoreError(w, err, "save settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": redact(settings)})
}

func redact(settings harvest.GlobalSettings) harvest.GlobalSettings {
	if settings.QBittorrentPassword != "" {
		settings.QBittorrentPassword = redactedSecret
	}
	return settings
}
