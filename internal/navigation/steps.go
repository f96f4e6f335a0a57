package navigation

import (
	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/humanize"
)

// Page elements of the booking portal.
var (
	selUsername        = booking.ID("widget_cardNumber")
	selPassword        = booking.ID("widget_password")
	selNext            = booking.ID("nextButton")
	selManageBooking   = booking.XPath(`//*[text()="Manage booking"]`)
	selChangeLocation  = booking.ID("changeLocationButton")
	selBookTest        = booking.XPath(`//*[text()='Book test']`)
	selVehicleCar      = booking.ID("CAR")
	selTestItem        = booking.XPath(`//fieldset[@id='DC']/span[contains(@class, 'rms_testItemResult')]`)
	selTerms           = booking.ID("checkTerms")
	selLocationPicker  = booking.ID("rms_batLocLocSel")
	selLocationSelect  = booking.ID("rms_batLocationSelect2")
	selEarliest        = booking.ID("getEarliestTime")
	selAnotherLocation = booking.ID("anotherLocationLink")
)

// timeslotsExpr names the global the portal populates with slot data.
const timeslotsExpr = "timeslots"

type action int

const (
	actWait action = iota
	actType
	actClick
	actSelect
)

func (a action) String() string {
	switch a {
	case actWait:
		return "wait"
	case actType:
		return "type"
	case actClick:
		return "click"
	case actSelect:
		return "select"
	default:
		return "unknown"
	}
}

// step is one typed interaction. before and after are humanized pauses
// around the interaction itself.
type step struct {
	name   string
	act    action
	sel    booking.Selector
	text   string
	before humanize.Range
	after  humanize.Range
}

var keystroke = humanize.Ms(30, 90)

func loginSteps(creds booking.Credentials) []step {
	return []step{
		{name: "username", act: actType, sel: selUsername, text: creds.Username,
			before: humanize.Ms(100, 250), after: humanize.Ms(150, 350)},
		{name: "password", act: actType, sel: selPassword, text: creds.Password,
			before: humanize.Ms(100, 250), after: humanize.Ms(200, 400)},
		{name: "submit login", act: actClick, sel: selNext,
			before: humanize.Ms(125, 300), after: humanize.Ms(1000, 2000)},
	}
}

func manageBookingSteps() []step {
	return []step{
		{name: "manage booking", act: actClick, sel: selManageBooking,
			before: humanize.Ms(100, 250), after: humanize.Ms(750, 1250)},
		{name: "change location", act: actClick, sel: selChangeLocation,
			before: humanize.Ms(100, 250), after: humanize.Ms(500, 1000)},
	}
}

func newBookingSteps() []step {
	return []step{
		{name: "book test", act: actClick, sel: selBookTest,
			before: humanize.Ms(100, 250), after: humanize.Ms(750, 1250)},
		{name: "vehicle class", act: actClick, sel: selVehicleCar,
			before: humanize.Ms(100, 250), after: humanize.Ms(250, 500)},
		{name: "test type", act: actClick, sel: selTestItem,
			before: humanize.Ms(100, 250), after: humanize.Ms(250, 500)},
		{name: "confirm test", act: actClick, sel: selNext,
			before: humanize.Ms(100, 250), after: humanize.Ms(750, 1250)},
		{name: "accept terms", act: actClick, sel: selTerms,
			before: humanize.Ms(50, 150), after: humanize.Ms(250, 500)},
		{name: "proceed", act: actClick, sel: selNext,
			before: humanize.Ms(100, 250), after: humanize.Ms(500, 1000)},
	}
}

func chooseLocationSteps(loc booking.LocationID) []step {
	return []step{
		{name: "open location selector", act: actClick, sel: selLocationPicker,
			before: humanize.Ms(100, 200), after: humanize.Ms(250, 500)},
		{name: "select location", act: actSelect, sel: selLocationSelect, text: string(loc),
			after: humanize.Ms(1250, 2000)},
		{name: "submit location", act: actClick, sel: selNext,
			before: humanize.Ms(100, 250), after: humanize.Ms(500, 1000)},
	}
}

func anotherLocationStep() step {
	return step{name: "another location", act: actClick, sel: selAnotherLocation,
		before: humanize.Ms(100, 250)}
}
