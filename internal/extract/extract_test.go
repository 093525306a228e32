package extract

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/internal/driver"
	"slotwatch/internal/driver/drivertest"
	"slotwatch/internal/fault"
	"slotwatch/internal/slot"
	logx "slotwatch/pkg/logx"
)

func TestParseCrossProduct(t *testing.T) {
	raw := Raw{
		Month: "June",
		Year:  "2024",
		Days:  []string{"3", "1", "3", " 2 "},
		Times: []string{"Select a time", "9:00 AM", "10:30 am", "9:00 AM"},
	}
	got := Parse(raw, 10, 5)
	want := []slot.TimeSlot{
		slot.New(2024, time.June, 1, "9:00 AM"),
		slot.New(2024, time.June, 1, "10:30 am"),
		slot.New(2024, time.June, 2, "9:00 AM"),
		slot.New(2024, time.June, 2, "10:30 am"),
		slot.New(2024, time.June, 3, "9:00 AM"),
		slot.New(2024, time.June, 3, "10:30 am"),
	}
	assert.Equal(t, want, got)
}

func TestParseBounds(t *testing.T) {
	raw := Raw{Month: "july", Year: "2024"}
	for d := 1; d <= 20; d++ {
		raw.Days = append(raw.Days, fmt.Sprint(d))
	}
	for h := 1; h <= 9; h++ {
		raw.Times = append(raw.Times, fmt.Sprintf("%d:00 PM", h))
	}
	got := Parse(raw, 10, 5)
	require.Len(t, got, 50)
	assert.Equal(t, "2024-07-10 5:00 PM", got[len(got)-1].ID())
}

func TestParseMalformedYieldsEmpty(t *testing.T) {
	days := []string{"1", "2"}
	times := []string{"9:00 AM"}
	cases := map[string]Raw{
		"missing month":   {Year: "2024", Days: days, Times: times},
		"bad month":       {Month: "Smarch", Year: "2024", Days: days, Times: times},
		"bad year":        {Month: "June", Year: "twenty", Days: days, Times: times},
		"no days":         {Month: "June", Year: "2024", Times: times},
		"no times":        {Month: "June", Year: "2024", Days: days},
		"only junk times": {Month: "June", Year: "2024", Days: days, Times: []string{"--", "Morning"}},
		"out of range":    {Month: "June", Year: "2024", Days: []string{"0", "32", "x"}, Times: times},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, Parse(raw, 10, 5))
		})
	}
}

func TestParseSkipsInvalidDates(t *testing.T) {
	got := Parse(Raw{Month: "June", Year: "2024", Days: []string{"30", "31"}, Times: []string{"9:00 AM"}}, 10, 5)
	assert.Equal(t, []slot.TimeSlot{slot.New(2024, time.June, 30, "9:00 AM")}, got)

	got = Parse(Raw{Month: "Feb", Year: "2024", Days: []string{"29"}, Times: []string{"9:00 AM"}}, 10, 5)
	assert.Len(t, got, 1)
}

func openCalendar(t *testing.T, site *drivertest.Site) driver.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := drivertest.NewDriver(site).Launch(ctx, driver.Options{})
	require.NoError(t, err)
	require.NoError(t, sess.Navigate(ctx, "https://example.test"))
	for _, q := range []driver.Query{{Selector: drivertest.EntrySelector}, {Text: "Permits"}, {Text: "Cary"}} {
		_, err := driver.ClickFirst(ctx, sess, q)
		require.NoError(t, err)
	}
	return sess
}

func TestExtractFromSession(t *testing.T) {
	site := drivertest.NewSite("Permits", "Fees")
	site.SetLocations("Permits", "Cary")
	site.SetCalendar("Permits", "Cary", drivertest.Calendar{
		Month: "June", Year: "2024", Days: []string{"1"}, Times: []string{"9:00 AM"},
	})
	sess := openCalendar(t, site)

	got, err := New(Config{}, logx.Nop()).Extract(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, []slot.TimeSlot{slot.New(2024, time.June, 1, "9:00 AM")}, got)
}

func TestExtractScriptErrorIsEmpty(t *testing.T) {
	site := drivertest.NewSite("Permits", "Fees")
	site.SetLocations("Permits", "Cary")
	sess := openCalendar(t, site)
	site.FailCalendar(1)

	got, err := New(Config{}, logx.Nop()).Extract(context.Background(), sess)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExtractSessionLost(t *testing.T) {
	site := drivertest.NewSite("Permits", "Fees")
	site.SetLocations("Permits", "Cary")
	sess := openCalendar(t, site)
	require.NoError(t, sess.Close(context.Background()))

	_, err := New(Config{}, logx.Nop()).Extract(context.Background(), sess)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindSession))
}
