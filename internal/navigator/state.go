package navigator

// State is the classified page state.
type State int

const (
	StateUnknown State = iota
	StateCategoryMenu
	StateLocationList
	StateAppointmentCalendar
)

func (s State) String() string {
	switch s {
	case StateCategoryMenu:
		return "category_menu"
	case StateLocationList:
		return "location_list"
	case StateAppointmentCalendar:
		return "appointment_calendar"
	default:
		return "unknown"
	}
}

// minCategoryHits is how many category names must be on screen before a page
// counts as the category menu; one name alone also shows up on later pages.
const minCategoryHits = 2

// Probe is the set of page markers the classifier looks at.
type Probe struct {
	Calendar       bool `json:"calendar"`
	LocationTiles  int  `json:"location_tiles"`
	LocationMarker bool `json:"location_marker"`
	CategoryNames  int  `json:"category_names"`
}

// Classify maps markers to a state. The calendar wins over everything, then
// the location list, then the category menu.
func Classify(p Probe) State {
	switch {
	case p.Calendar:
		return StateAppointmentCalendar
	case p.LocationTiles > 0 || p.LocationMarker:
		return StateLocationList
	case p.CategoryNames >= minCategoryHits:
		return StateCategoryMenu
	default:
		return StateUnknown
	}
}
