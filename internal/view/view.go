// Package view derives what the user sees from the cached todo list.
package view

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/Makepad-fr/tada/internal/model"
)

// Filter selects todos by completion.
type Filter string

const (
	All       Filter = "all"
	Active    Filter = "active"
	Completed Filter = "completed"
)

// SortBy orders a projection.
type SortBy string

const (
	// ByDate puts the newest todo first.
	ByDate SortBy = "date"
	// ByAlpha orders by title using locale collation.
	ByAlpha SortBy = "alpha"
)

// Filters lists every filter in the order the dashboard cycles through them.
var Filters = []Filter{All, Active, Completed}

// Sorts lists every sort order.
var Sorts = []SortBy{ByDate, ByAlpha}

// Locale drives title collation.
var Locale = language.English

// Project filters and sorts todos. The input is never modified and equal
// keys keep their relative order.
func Project(todos []model.Todo, f Filter, by SortBy) []model.Todo {
	out := make([]model.Todo, 0, len(todos))
	for _, t := range todos {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	switch by {
	case ByAlpha:
		c := collate.New(Locale)
		slices.SortStableFunc(out, func(a, b model.Todo) int {
			return c.CompareString(a.Title, b.Title)
		})
	default:
		slices.SortStableFunc(out, func(a, b model.Todo) int {
			return b.CreatedAt.Compare(a.CreatedAt)
		})
	}
	return out
}

// Match reports whether t passes the filter. Unknown filters match everything.
func (f Filter) Match(t model.Todo) bool {
	switch f {
	case Active:
		return !t.IsCompleted
	case Completed:
		return t.IsCompleted
	default:
		return true
	}
}

// Next returns the filter after f.
func (f Filter) Next() Filter {
	i := slices.Index(Filters, f)
	return Filters[(i+1)%len(Filters)]
}

// Next returns the sort order after s.
func (s SortBy) Next() SortBy {
	i := slices.Index(Sorts, s)
	return Sorts[(i+1)%len(Sorts)]
}

func (s SortBy) String() string {
	if s == ByAlpha {
		return "A-Z"
	}
	return "newest"
}

// ParseFilter accepts the flag spellings of a filter.
func ParseFilter(s string) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return All, nil
	case "active", "open", "todo":
		return Active, nil
	case "completed", "done":
		return Completed, nil
	}
	return All, fmt.Errorf("unknown filter %q (want all, active or completed)", s)
}

// ParseSort accepts the flag spellings of a sort order.
func ParseSort(s string) (SortBy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "date", "newest":
		return ByDate, nil
	case "alpha", "title", "az":
		return ByAlpha, nil
	}
	return ByDate, fmt.Errorf("unknown sort %q (want date or alpha)", s)
}

// Stats summarises a list.
type Stats struct {
	Total     int
	Completed int
	Active    int
	// Progress is the completed share rounded to whole percent.
	Progress int
}

// Summarize counts todos by state.
func Summarize(todos []model.Todo) Stats {
	var s Stats
	for _, t := range todos {
		s.Total++
		if t.IsCompleted {
			s.Completed++
		}
	}
	s.Active = s.Total - s.Completed
	if s.Total > 0 {
		s.Progress = (s.Completed*100 + s.Total/2) / s.Total
	}
	return s
}
