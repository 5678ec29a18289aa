// Package query provides the immutable filter, sort and page descriptor each
// segment is fetched with.
package query

import (
	"fmt"
	"strings"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
)

// Sort fields.
const (
	SortByName     = "name"
	SortByID       = "id"
	SortByPrice    = "price"
	SortByPosition = "position"
)

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// Position filters. The empty filter matches everything; Open matches Long
// and Short.
const (
	PositionAll     = ""
	PositionOpen    = "Open"
	PositionLong    = "Long"
	PositionShort   = "Short"
	PositionNeutral = "Neutral"
)

// PageSizes lists the accepted page sizes.
var PageSizes = []int{10, 20, 30, 50, 100, 200}

// DefaultPageSize is the page size a fresh query starts with.
const DefaultPageSize = 10

// Query is the filter, sort and page state of one segment. Values are
// immutable; Apply returns a new Query.
type Query struct {
	page           int
	pageSize       int
	search         string
	sortBy         string
	sortDir        string
	positionFilter string
	categoryFilter string
}

// Default returns the first page sorted by name ascending.
func Default() Query {
	return Query{
		page:     1,
		pageSize: DefaultPageSize,
		sortBy:   SortByName,
		sortDir:  SortAsc,
	}
}

func (q Query) Page() int              { return q.page }
func (q Query) PageSize() int          { return q.pageSize }
func (q Query) Search() string         { return q.search }
func (q Query) SortBy() string         { return q.sortBy }
func (q Query) SortDir() string        { return q.sortDir }
func (q Query) PositionFilter() string { return q.positionFilter }
func (q Query) CategoryFilter() string { return q.categoryFilter }

// Patch describes a change to a Query. Nil fields are left untouched.
type Patch struct {
	Page           *int    `json:"page,omitempty"`
	PageSize       *int    `json:"page_size,omitempty"`
	Search         *string `json:"search,omitempty"`
	SortBy         *string `json:"sort_by,omitempty"`
	SortDir        *string `json:"sort_dir,omitempty"`
	PositionFilter *string `json:"position_filter,omitempty"`
	CategoryFilter *string `json:"category_filter,omitempty"`
}

// resets reports whether the patch touches a field that sends the query back
// to the first page.
func (p Patch) resets() bool {
	return p.PageSize != nil || p.Search != nil || p.SortBy != nil || p.SortDir != nil ||
		p.PositionFilter != nil || p.CategoryFilter != nil
}

// Apply validates p and returns the patched query. Setting any filter, sort
// field or the page size returns to page 1, and an explicit Page in the same
// patch is ignored.
func (q Query) Apply(p Patch) (Query, error) {
	next := q
	if p.PageSize != nil {
		if !validPageSize(*p.PageSize) {
			return q, apperrors.NewValidationError("page_size", *p.PageSize,
				fmt.Sprintf("Page size must be one of %v", PageSizes))
		}
		next.pageSize = *p.PageSize
	}
	if p.Search != nil {
		next.search = strings.TrimSpace(*p.Search)
	}
	if p.SortBy != nil {
		switch *p.SortBy {
		case SortByName, SortByID, SortByPrice, SortByPosition:
			next.sortBy = *p.SortBy
		default:
			return q, apperrors.NewValidationError("sort_by", *p.SortBy, "Unknown sort field")
		}
	}
	if p.SortDir != nil {
		switch *p.SortDir {
		case SortAsc, SortDesc:
			next.sortDir = *p.SortDir
		default:
			return q, apperrors.NewValidationError("sort_dir", *p.SortDir, "Sort direction must be asc or desc")
		}
	}
	if p.PositionFilter != nil {
		switch *p.PositionFilter {
		case PositionAll, PositionOpen, PositionLong, PositionShort, PositionNeutral:
			next.positionFilter = *p.PositionFilter
		default:
			return q, apperrors.NewValidationError("position_filter", *p.PositionFilter, "Unknown position filter")
		}
	}
	if p.CategoryFilter != nil {
		next.categoryFilter = strings.TrimSpace(*p.CategoryFilter)
	}

	if p.resets() {
		next.page = 1
		return next, nil
	}
	if p.Page != nil {
		if *p.Page < 1 {
			return q, apperrors.NewValidationError("page", *p.Page, "Page must be at least 1")
		}
		next.page = *p.Page
	}
	return next, nil
}

// Request converts the query into the listing request sent to the backend.
func (q Query) Request() models.ListRequest {
	return models.ListRequest{
		Page:           q.page,
		PageSize:       q.pageSize,
		Search:         q.search,
		SortBy:         q.sortBy,
		SortDir:        q.sortDir,
		PositionFilter: q.positionFilter,
		CategoryFilter: q.categoryFilter,
	}
}

// MatchesPosition reports whether a row's classification passes the filter.
func MatchesPosition(filter string, class models.PositionClass) bool {
	switch filter {
	case PositionAll:
		return true
	case PositionOpen:
		return class == models.PositionLong || class == models.PositionShort
	default:
		return string(class) == filter
	}
}

func validPageSize(n int) bool {
	for _, s := range PageSizes {
		if s == n {
			return true
		}
	}
	return false
}

// Window describes which rows of a listing the current page shows.
type Window struct {
	From    int  `json:"from"`
	To      int  `json:"to"`
	Total   int  `json:"total"`
	Pages   int  `json:"pages"`
	HasPrev bool `json:"has_prev"`
	HasNext bool `json:"has_next"`
}

// Window computes the visible range for a listing of total rows.
func (q Query) Window(total int) Window {
	w := Window{Total: total, HasPrev: q.page > 1}
	if q.pageSize > 0 {
		w.Pages = (total + q.pageSize - 1) / q.pageSize
	}
	if total <= 0 {
		return w
	}
	w.From = (q.page-1)*q.pageSize + 1
	w.To = q.page * q.pageSize
	if w.To > total {
		w.To = total
	}
	if w.From > total {
		w.From, w.To = 0, 0
	}
	w.HasNext = q.page*q.pageSize < total
	return w
}

// Label renders the window as shown under a listing.
func (w Window) Label() string {
	if w.Total <= 0 || w.From == 0 {
		return fmt.Sprintf("Showing 0 of %d", w.Total)
	}
	return fmt.Sprintf("Showing %d-%d of %d", w.From, w.To, w.Total)
}

// View is the serializable form of a query.
type View struct {
	Page           int    `json:"page"`
	PageSize       int    `json:"page_size"`
	Search         string `json:"search"`
	SortBy         string `json:"sort_by"`
	SortDir        string `json:"sort_dir"`
	PositionFilter string `json:"position_filter"`
	CategoryFilter string `json:"category_filter"`
}

// View returns the serializable form of q.
func (q Query) View() View {
	return View{
		Page:           q.page,
		PageSize:       q.pageSize,
		Search:         q.search,
		SortBy:         q.sortBy,
		SortDir:        q.sortDir,
		PositionFilter: q.positionFilter,
		CategoryFilter: q.categoryFilter,
	}
}
