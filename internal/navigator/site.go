package navigator

import (
	"encoding/json"
	"fmt"
	"strings"

	"slotwatch/internal/driver"
)

// Site describes the markup of the booking site. Zero fields fall back to
// DefaultSite values in New.
type Site struct {
	EntryURL string `json:"entry_url"`

	// EntryButtons opens the booking flow; the first visible match is clicked.
	EntryButtons []driver.Query `json:"entry_buttons"`
	// ConfirmButtons and DismissButtons are optional interstitial steps.
	ConfirmButtons []driver.Query `json:"confirm_buttons"`
	DismissButtons []driver.Query `json:"dismiss_buttons"`
	// CategorySelectors are tried in order with the category display name as text.
	CategorySelectors []string `json:"category_selectors"`

	LocationMarker string `json:"location_marker"`
	// LocationTiles selects reachable location tiles.
	LocationTiles string `json:"location_tiles"`
	// UnavailableTileText marks tiles that are listed but not bookable.
	UnavailableTileText []string `json:"unavailable_tile_text"`

	Calendar    string         `json:"calendar"`
	BackButtons []driver.Query `json:"back_buttons"`
}

func DefaultSite() Site {
	return Site{
		EntryURL: "https://skiptheline.ncdot.gov/Webapp/Appointment/Index/a7ade79b-996d-4971-8766-97feb75254de",
		EntryButtons: []driver.Query{
			{Selector: "#cmdMakeAppt"},
			{Text: "Make an Appointment"},
		},
		ConfirmButtons: []driver.Query{
			{Selector: "input.next-button[value='Make an Appointment']"},
		},
		DismissButtons: []driver.Query{
			{Selector: "button", Text: "OK"},
		},
		CategorySelectors:   []string{"", "button", "a"},
		LocationMarker:      "Select a Location",
		LocationTiles:       ".QflowObjectItem.ui-selectable.Active-Unit:not(.disabled-unit)",
		UnavailableTileText: []string{"sorry", "don't have"},
		Calendar:            ".ui-datepicker-calendar",
		BackButtons: []driver.Query{
			{Selector: "button", Text: "Back"},
		},
	}
}

func (s Site) withDefaults() Site {
	d := DefaultSite()
	if strings.TrimSpace(s.EntryURL) == "" {
		s.EntryURL = d.EntryURL
	}
	if len(s.EntryButtons) == 0 {
		s.EntryButtons = d.EntryButtons
	}
	if s.ConfirmButtons == nil {
		s.ConfirmButtons = d.ConfirmButtons
	}
	if s.DismissButtons == nil {
		s.DismissButtons = d.DismissButtons
	}
	if len(s.CategorySelectors) == 0 {
		s.CategorySelectors = d.CategorySelectors
	}
	if s.LocationMarker == "" {
		s.LocationMarker = d.LocationMarker
	}
	if s.LocationTiles == "" {
		s.LocationTiles = d.LocationTiles
	}
	if s.UnavailableTileText == nil {
		s.UnavailableTileText = d.UnavailableTileText
	}
	if s.Calendar == "" {
		s.Calendar = d.Calendar
	}
	if len(s.BackButtons) == 0 {
		s.BackButtons = d.BackButtons
	}
	return s
}

// Script and condition names. Fakes key their responses off these.
const (
	ScriptProbe       = "probe"
	ScriptTiles       = "tiles"
	ScriptHistoryBack = "history_back"

	CondCategoryMenu = "category_menu"
	CondLocationList = "location_list"
	CondCalendar     = "calendar"
)

func jsString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// probeSource renders the page-marker probe. Its result decodes into Probe.
func probeSource(s Site, categoryNames []string) string {
	return fmt.Sprintf(`(() => {
		const visible = e => !!(e.offsetWidth || e.offsetHeight || e.getClientRects().length);
		const body = document.body ? (document.body.innerText || '') : '';
		const lower = body.toLowerCase();
		const cal = document.querySelector(%s);
		return {
			calendar: !!cal && visible(cal),
			location_tiles: Array.from(document.querySelectorAll(%s)).filter(visible).length,
			location_marker: lower.includes(%s),
			category_names: %s.filter(n => body.includes(n)).length,
		};
	})()`,
		jsString(s.Calendar),
		jsString(s.LocationTiles),
		jsString(strings.ToLower(s.LocationMarker)),
		jsString(categoryNames),
	)
}

func tilesSource(s Site) string {
	return fmt.Sprintf(`(() => {
		const visible = e => !!(e.offsetWidth || e.offsetHeight || e.getClientRects().length);
		return Array.from(document.querySelectorAll(%s)).filter(visible).map(e => e.innerText || e.textContent || '');
	})()`, jsString(s.LocationTiles))
}

func conditions(probe string) map[State]driver.Condition {
	return map[State]driver.Condition{
		StateCategoryMenu: {
			Name: CondCategoryMenu,
			Expr: fmt.Sprintf(`((p) => !p.calendar && p.location_tiles === 0 && !p.location_marker && p.category_names >= %d)(%s)`, minCategoryHits, probe),
		},
		StateLocationList: {
			Name: CondLocationList,
			Expr: fmt.Sprintf(`((p) => !p.calendar && (p.location_tiles > 0 || p.location_marker))(%s)`, probe),
		},
		StateAppointmentCalendar: {
			Name: CondCalendar,
			Expr: fmt.Sprintf(`(%s).calendar`, probe),
		},
	}
}

// TileName returns the location name shown on a tile: its first non-empty
// line. ok is false for empty or unavailable tiles.
func (s Site) TileName(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, bad := range s.UnavailableTileText {
			if bad != "" && strings.Contains(lower, strings.ToLower(bad)) {
				return "", false
			}
		}
		return line, true
	}
	return "", false
}
