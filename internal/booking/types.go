package booking

import (
	"time"
	"unicode/utf8"
)

// LocationID identifies a test centre on the booking portal.
type LocationID string

// TimeSlot is a single appointment slot as published by the site.
type TimeSlot struct {
	Availability bool   `json:"availability"`
	SlotNumber   *int   `json:"slot_number"`
	StartTime    string `json:"startTime"`
}

// LocationResult holds the slots read for one location, in site order.
type LocationResult struct {
	Location          LocationID `json:"location"`
	Slots             []TimeSlot `json:"slots"`
	NextAvailableDate *string    `json:"next_available_date"`
}

// AvailableOnly returns a copy of r that keeps only available slots.
func (r LocationResult) AvailableOnly() LocationResult {
	out := LocationResult{
		Location:          r.Location,
		Slots:             make([]TimeSlot, 0, len(r.Slots)),
		NextAvailableDate: r.NextAvailableDate,
	}
	for _, slot := range r.Slots {
		if slot.Availability {
			out.Slots = append(out.Slots, slot)
		}
	}
	return out
}

// MaxExcerptBytes bounds BlockedEgressReport.ResponseExcerpt.
const MaxExcerptBytes = 1000

// BlockedEgressReport records an egress point rejected by the site on the
// session's initial page load.
type BlockedEgressReport struct {
	EgressPoint     string `json:"egress_point"`
	StatusCode      int    `json:"status_code"`
	ResponseExcerpt string `json:"response_excerpt"`
}

// NewBlockedEgressReport builds a report, truncating body with TruncateExcerpt.
func NewBlockedEgressReport(egress string, status int, body string) BlockedEgressReport {
	return BlockedEgressReport{
		EgressPoint:     egress,
		StatusCode:      status,
		ResponseExcerpt: TruncateExcerpt(body),
	}
}

// TruncateExcerpt cuts body to at most MaxExcerptBytes without splitting a
// UTF-8 sequence.
func TruncateExcerpt(body string) string {
	if len(body) <= MaxExcerptBytes {
		return body
	}
	cut := MaxExcerptBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}

// Credentials are the portal login details.
type Credentials struct {
	Username string
	Password string
}

// ScrapeRequest is the caller-supplied description of one run.
type ScrapeRequest struct {
	Locations           []LocationID
	Headless            bool
	Credentials         Credentials
	HasExistingBooking  bool
	Timeout             time.Duration
	EgressPoints        []string
	MaxParallelSessions int
}

// ScrapeResult is the aggregate output of a run. It is partial by
// construction: a requested location missing from Bookings either failed or
// belonged to a blocked egress point listed in BlockedEgress.
type ScrapeResult struct {
	Bookings      map[LocationID]LocationResult `json:"bookings"`
	BlockedEgress []BlockedEgressReport         `json:"blocked_egress"`
}

// NewScrapeResult returns an empty, non-nil result.
func NewScrapeResult() ScrapeResult {
	return ScrapeResult{
		Bookings:      make(map[LocationID]LocationResult),
		BlockedEgress: []BlockedEgressReport{},
	}
}

// Missing returns the requested locations absent from Bookings, in request order.
func (r ScrapeResult) Missing(requested []LocationID) []LocationID {
	var missing []LocationID
	for _, loc := range requested {
		if _, ok := r.Bookings[loc]; !ok {
			missing = append(missing, loc)
		}
	}
	return missing
}
