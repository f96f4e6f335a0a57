package navigation

import (
	"github.com/JakeFAU/slotscraper/internal/booking"
)

// ParseTimeslots converts the portal's injected timeslots object into a
// LocationResult. Missing or mistyped fields yield empty slots and a nil
// next-available date instead of an error.
func ParseTimeslots(loc booking.LocationID, raw any) booking.LocationResult {
	result := booking.LocationResult{
		Location: loc,
		Slots:    []booking.TimeSlot{},
	}

	slots := lookup(raw, "ajaxresult", "slots")
	if slots == nil {
		return result
	}
	if next, ok := slots["nextAvailableDate"].(string); ok {
		result.NextAvailableDate = &next
	}
	list, _ := slots["listTimeSlot"].([]any)
	for _, entry := range list {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		result.Slots = append(result.Slots, parseSlot(fields))
	}
	return result
}

func parseSlot(fields map[string]any) booking.TimeSlot {
	slot := booking.TimeSlot{}
	slot.Availability, _ = fields["availability"].(bool)
	slot.StartTime, _ = fields["startTime"].(string)
	switch n := fields["slotNumber"].(type) {
	case float64:
		v := int(n)
		slot.SlotNumber = &v
	case int:
		v := n
		slot.SlotNumber = &v
	}
	return slot
}

func lookup(raw any, path ...string) map[string]any {
	current, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range path {
		current, ok = current[key].(map[string]any)
		if !ok {
			return nil
		}
	}
	return current
}
