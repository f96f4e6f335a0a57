package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/locations"
)

type centresResponse struct {
	Locations []locations.Centre `json:"locations"`
	Count     int                `json:"count"`
}

type nearestResponse struct {
	Latitude  float64            `json:"latitude"`
	Longitude float64            `json:"longitude"`
	Locations []locations.Ranked `json:"locations"`
	Count     int                `json:"count"`
}

func (s *Server) listLocations(w http.ResponseWriter, _ *http.Request) {
	centres := s.locations.All()
	s.writeJSON(w, http.StatusOK, centresResponse{Locations: centres, Count: len(centres)})
}

func (s *Server) getLocation(w http.ResponseWriter, r *http.Request) {
	centre, ok := s.locations.Get(booking.LocationID(chi.URLParam(r, "location")))
	if !ok {
		s.writeError(w, http.StatusNotFound, "location not found")
		return
	}
	s.writeJSON(w, http.StatusOK, centre)
}

func (s *Server) nearestLocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		s.writeError(w, http.StatusBadRequest, "lat must be a number between -90 and 90")
		return
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil || lng < -180 || lng > 180 {
		s.writeError(w, http.StatusBadRequest, "lng must be a number between -180 and 180")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}
	ranked := s.locations.Nearest(lat, lng, limit)
	s.writeJSON(w, http.StatusOK, nearestResponse{
		Latitude:  lat,
		Longitude: lng,
		Locations: ranked,
		Count:     len(ranked),
	})
}
