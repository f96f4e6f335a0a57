package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/history"
	"github.com/JakeFAU/slotscraper/internal/snapshot"
)

type bookingsResponse struct {
	snapshot.Document
	Hash string `json:"hash"`
}

type locationResponse struct {
	booking.LocationResult
	Hash string `json:"hash"`
}

type availableResponse struct {
	Slots []snapshot.AvailableSlot `json:"slots"`
	Count int                      `json:"count"`
}

func (s *Server) listBookings(w http.ResponseWriter, r *http.Request) {
	doc, hash := s.snapshot.Get()
	if notModified(w, r, hash) {
		return
	}
	s.writeJSON(w, http.StatusOK, bookingsResponse{Document: doc, Hash: hash})
}

func (s *Server) getBooking(w http.ResponseWriter, r *http.Request) {
	id := booking.LocationID(chi.URLParam(r, "location"))
	result, hash, ok := s.snapshot.Location(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "location not found")
		return
	}
	if notModified(w, r, hash) {
		return
	}
	s.writeJSON(w, http.StatusOK, locationResponse{LocationResult: result, Hash: hash})
}

func (s *Server) availableSlots(w http.ResponseWriter, _ *http.Request) {
	slots := s.snapshot.Available()
	s.writeJSON(w, http.StatusOK, availableResponse{Slots: slots, Count: len(slots)})
}

const maxRunsLimit = 200

type runsResponse struct {
	Runs  []history.Run `json:"runs"`
	Count int           `json:"count"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, runsResponse{Runs: runs, Count: len(runs)})
}

// notModified sets the ETag for hash and answers 304 when the client already
// holds that version.
func notModified(w http.ResponseWriter, r *http.Request, hash string) bool {
	if hash == "" {
		return false
	}
	etag := strconv.Quote(hash)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}
