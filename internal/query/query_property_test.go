package query

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"wysetrade-desk/internal/models"
)

func intp(n int) *int       { return &n }
func strp(s string) *string { return &s }

func onPage(t *testing.T, page int) Query {
	t.Helper()
	q, err := Default().Apply(Patch{Page: intp(page)})
	if err != nil {
		t.Fatalf("Apply page %d: %v", page, err)
	}
	return q
}

// Feature: segment-query, Property 1: Search resets the page and keeps the sort
func TestProperty_SearchResetsPage(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("search resets page to 1 and leaves sort unchanged", prop.ForAll(
		func(page int, search string, desc bool) bool {
			dir := SortAsc
			if desc {
				dir = SortDesc
			}
			q, err := Default().Apply(Patch{SortBy: strp(SortByPrice), SortDir: strp(dir)})
			if err != nil {
				return false
			}
			q, err = q.Apply(Patch{Page: intp(page)})
			if err != nil || q.Page() != page {
				return false
			}

			once, err := q.Apply(Patch{Search: strp(search)})
			if err != nil {
				return false
			}
			twice, err := once.Apply(Patch{Search: strp(search)})
			if err != nil {
				return false
			}
			return once.Page() == 1 && twice.Page() == 1 &&
				once == twice &&
				once.SortBy() == SortByPrice && once.SortDir() == dir
		},
		gen.IntRange(1, 500),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.Property("every filter field resets the page", prop.ForAll(
		func(page int, which int) bool {
			q, _ := Default().Apply(Patch{Page: intp(page)})
			var p Patch
			switch which {
			case 0:
				p.PageSize = intp(50)
			case 1:
				p.SortBy = strp(SortByID)
			case 2:
				p.SortDir = strp(SortDesc)
			case 3:
				p.PositionFilter = strp(PositionLong)
			case 4:
				p.CategoryFilter = strp("IT")
			}
			next, err := q.Apply(p)
			return err == nil && next.Page() == 1
		},
		gen.IntRange(2, 100),
		gen.IntRange(0, 4),
	))

	properties.Property("invalid page sizes are rejected and leave the query unchanged", prop.ForAll(
		func(size int) bool {
			if validPageSize(size) {
				return true
			}
			q := Default()
			next, err := q.Apply(Patch{PageSize: intp(size)})
			return err != nil && next == q
		},
		gen.IntRange(-10, 500),
	))

	properties.Property("window never exceeds the total", prop.ForAll(
		func(page, sizeIdx, total int) bool {
			q, err := Default().Apply(Patch{PageSize: intp(PageSizes[sizeIdx])})
			if err != nil {
				return false
			}
			q, _ = q.Apply(Patch{Page: intp(page)})
			w := q.Window(total)
			if w.To > total || w.From > w.To {
				return false
			}
			return w.HasPrev == (page > 1)
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, len(PageSizes)-1),
		gen.IntRange(0, 2000),
	))

	properties.TestingRun(t)
}

func TestWindowSecondPage(t *testing.T) {
	w := onPage(t, 2).Window(25)
	if got := w.Label(); got != "Showing 11-20 of 25" {
		t.Errorf("Label() = %q", got)
	}
	if !w.HasNext {
		t.Error("expected next page to be available")
	}
	if !w.HasPrev {
		t.Error("expected previous page to be available")
	}
	if w.Pages != 3 {
		t.Errorf("Pages = %d, want 3", w.Pages)
	}
}

func TestWindowLastPage(t *testing.T) {
	w := onPage(t, 3).Window(25)
	if w.From != 21 || w.To != 25 || w.HasNext {
		t.Errorf("unexpected window %+v", w)
	}
}

func TestWindowEmpty(t *testing.T) {
	w := Default().Window(0)
	if w.HasNext || w.HasPrev || w.Label() != "Showing 0 of 0" {
		t.Errorf("unexpected window %+v (%s)", w, w.Label())
	}
}

func TestPageIgnoredWhenFilterChanges(t *testing.T) {
	q, err := Default().Apply(Patch{Page: intp(4), Search: strp("INFY")})
	if err != nil {
		t.Fatal(err)
	}
	if q.Page() != 1 || q.Search() != "INFY" {
		t.Errorf("got page %d search %q", q.Page(), q.Search())
	}
}

func TestMatchesPosition(t *testing.T) {
	cases := []struct {
		filter string
		class  string
		want   bool
	}{
		{PositionAll, "Neutral", true},
		{PositionOpen, "Long", true},
		{PositionOpen, "Short", true},
		{PositionOpen, "Neutral", false},
		{PositionLong, "Short", false},
		{PositionNeutral, "Neutral", true},
	}
	for _, tc := range cases {
		if got := MatchesPosition(tc.filter, models.PositionClass(tc.class)); got != tc.want {
			t.Errorf("MatchesPosition(%q, %q) = %v", tc.filter, tc.class, got)
		}
	}
}
