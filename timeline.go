package yourmaster

import (
	"strconv"
	"time"
)

// EntryKind distinguishes timeline rows.
type EntryKind int

const (
	EntryDateHeader EntryKind = iota
	EntryMessage
)

// TimelineEntry is one row of the rendered chat: either a date header or a
// message.
type TimelineEntry struct {
	Kind    EntryKind
	Label   string    // date headers only
	Day     time.Time // midnight of the header's day in the display location
	Message *Message  // messages only
}

// DateLabeler renders the header for a calendar day.
type DateLabeler func(day time.Time) string

// EnglishDateLabel renders days as "5 March 2024".
func EnglishDateLabel(day time.Time) string {
	return day.Format("2 January 2006")
}

var russianMonths = [...]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

// RussianDateLabel renders days the way the mobile app does, e.g.
// "5 марта 2024 г.".
func RussianDateLabel(day time.Time) string {
	return strconv.Itoa(day.Day()) + " " + russianMonths[day.Month()-1] + " " + strconv.Itoa(day.Year()) + " г."
}

// GroupByDate projects a sorted message list into timeline rows, inserting
// a header before the first message of each calendar day in loc.
func GroupByDate(messages []Message, loc *time.Location, label DateLabeler) []TimelineEntry {
	if loc == nil {
		loc = time.Local
	}
	if label == nil {
		label = EnglishDateLabel
	}
	entries := make([]TimelineEntry, 0, len(messages)+4)
	var lastDay time.Time
	for i := range messages {
		m := messages[i]
		t := m.CreatedAt.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if lastDay.IsZero() || !day.Equal(lastDay) {
			entries = append(entries, TimelineEntry{Kind: EntryDateHeader, Label: label(day), Day: day})
			lastDay = day
		}
		entries = append(entries, TimelineEntry{Kind: EntryMessage, Day: day, Message: &m})
	}
	return entries
}

// Entries returns the conversation grouped by day.
func (c *Conversation) Entries(loc *time.Location, label DateLabeler) []TimelineEntry {
	return GroupByDate(c.Snapshot(), loc, label)
}
