package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/crawl"
	"github.com/avermeer/threadwatch/internal/forum"
	"github.com/avermeer/threadwatch/internal/sched"
	"github.com/avermeer/threadwatch/internal/store"
)

type registerRequest struct {
	CharacterID string `json:"character_id"`
	// Name is optional; the profile crawl fills it in when omitted.
	Name       string `json:"name"`
	ProfileURL string `json:"profile_url"`
	// Crawl requests an immediate profile crawl after registration.
	Crawl bool `json:"crawl"`
}

func (s *Server) registerCharacter(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.CharacterID = strings.TrimSpace(req.CharacterID)
	req.Name = strings.TrimSpace(req.Name)
	if req.CharacterID == "" {
		writeError(w, http.StatusBadRequest, "character_id is required")
		return
	}
	if req.ProfileURL == "" {
		req.ProfileURL = fmt.Sprintf("%s/index.php?showuser=%s",
			strings.TrimRight(s.cfg.BoardBaseURL, "/"), req.CharacterID)
	}

	if err := s.store.RegisterCharacter(r.Context(), req.CharacterID, req.Name, req.ProfileURL); err != nil {
		s.log.Error("register character failed",
			zap.String("character_id", req.CharacterID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	if req.Crawl {
		if err := s.trigger.Trigger(crawl.OpProfile, req.CharacterID); err != nil && !errors.Is(err, sched.ErrBusy) {
			s.log.Warn("initial profile crawl not started",
				zap.String("character_id", req.CharacterID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"character_id": req.CharacterID,
		"name":         req.Name,
		"profile_url":  req.ProfileURL,
	})
}

func (s *Server) listCharacters(w http.ResponseWriter, r *http.Request) {
	chars, err := s.store.ListCharacters(r.Context())
	if err != nil {
		s.log.Error("list characters failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"characters": chars,
		"count":      len(chars),
	})
}

type characterResponse struct {
	forum.Character
	ThreadCounts map[forum.Category]int `json:"thread_counts"`
	Threads      []forum.Thread         `json:"threads,omitempty"`
}

func (s *Server) getCharacter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "character_id")

	ch, err := s.store.GetCharacter(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "character not found")
		return
	}
	if err != nil {
		s.log.Error("get character failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	counts, err := s.store.CategoryCounts(r.Context(), id)
	if err != nil {
		s.log.Error("category counts failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	resp := characterResponse{Character: ch, ThreadCounts: counts}
	if cat := forum.Category(r.URL.Query().Get("category")); cat != "" {
		threads, err := s.store.ThreadsForCharacter(r.Context(), id, cat)
		if err != nil {
			s.log.Error("threads lookup failed", zap.String("id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		resp.Threads = threads
	}
	writeJSON(w, http.StatusOK, resp)
}

type triggerRequest struct {
	CrawlType   string `json:"crawl_type"`
	CharacterID string `json:"character_id,omitempty"`
}

var triggerOps = map[string]crawl.Op{
	string(crawl.OpProfile):   crawl.OpProfile,
	string(crawl.OpThreads):   crawl.OpThreads,
	string(crawl.OpQuotes):    crawl.OpQuotes,
	string(crawl.OpDiscovery): crawl.OpDiscovery,
	string(crawl.OpDumpSync):  crawl.OpDumpSync,
	string(crawl.OpRecrawl):   crawl.OpRecrawl,
}

func (s *Server) triggerCrawl(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	op, ok := triggerOps[req.CrawlType]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown crawl type %q", req.CrawlType))
		return
	}

	err := s.trigger.Trigger(op, req.CharacterID)
	switch {
	case errors.Is(err, sched.ErrBusy):
		// A busy op means the trigger is skipped, never queued; the caller
		// still gets an accepted echo.
		writeJSON(w, http.StatusAccepted, map[string]string{
			"crawl_type":   string(op),
			"character_id": req.CharacterID,
			"status":       "skipped",
		})
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"crawl_type":   string(op),
			"character_id": req.CharacterID,
			"status":       "started",
		})
	}
}

func (s *Server) receiveEvent(w http.ResponseWriter, r *http.Request) {
	var ev forum.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	action := s.trigger.HandleEvent(ev)
	writeJSON(w, http.StatusAccepted, action)
}

func (s *Server) getActivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.activity.Snapshot())
}
