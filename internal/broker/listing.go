package broker

import (
	"sort"
	"strings"

	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/query"
)

// Member is one instrument of a listing universe.
type Member struct {
	Symbol   string `mapstructure:"symbol" json:"symbol"`
	Name     string `mapstructure:"name" json:"name"`
	Category string `mapstructure:"category" json:"category"`
}

// Universe maps each listing segment to its member instruments.
type Universe map[models.SegmentID][]Member

// DefaultUniverse returns a small NIFTY 50 / BANKNIFTY universe.
func DefaultUniverse() Universe {
	return Universe{
		models.SegmentNifty: {
			{Symbol: "RELIANCE", Name: "Reliance Industries", Category: "Energy"},
			{Symbol: "TCS", Name: "Tata Consultancy Services", Category: "IT"},
			{Symbol: "INFY", Name: "Infosys", Category: "IT"},
			{Symbol: "HDFCBANK", Name: "HDFC Bank", Category: "Banking"},
			{Symbol: "ICICIBANK", Name: "ICICI Bank", Category: "Banking"},
			{Symbol: "HINDUNILVR", Name: "Hindustan Unilever", Category: "FMCG"},
			{Symbol: "ITC", Name: "ITC", Category: "FMCG"},
			{Symbol: "LT", Name: "Larsen & Toubro", Category: "Infrastructure"},
			{Symbol: "SBIN", Name: "State Bank of India", Category: "Banking"},
			{Symbol: "BHARTIARTL", Name: "Bharti Airtel", Category: "Telecom"},
			{Symbol: "MARUTI", Name: "Maruti Suzuki", Category: "Auto"},
			{Symbol: "SUNPHARMA", Name: "Sun Pharmaceutical", Category: "Pharma"},
		},
		models.SegmentBankNifty: {
			{Symbol: "HDFCBANK", Name: "HDFC Bank", Category: "Private"},
			{Symbol: "ICICIBANK", Name: "ICICI Bank", Category: "Private"},
			{Symbol: "KOTAKBANK", Name: "Kotak Mahindra Bank", Category: "Private"},
			{Symbol: "AXISBANK", Name: "Axis Bank", Category: "Private"},
			{Symbol: "SBIN", Name: "State Bank of India", Category: "PSU"},
			{Symbol: "INDUSINDBK", Name: "IndusInd Bank", Category: "Private"},
			{Symbol: "BANKBARODA", Name: "Bank of Baroda", Category: "PSU"},
			{Symbol: "PNB", Name: "Punjab National Bank", Category: "PSU"},
		},
	}
}

// Symbols returns every distinct symbol in the universe.
func (u Universe) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range models.AllSegments {
		for _, m := range u[id] {
			if !seen[m.Symbol] {
				seen[m.Symbol] = true
				out = append(out, m.Symbol)
			}
		}
	}
	return out
}

// PageRows filters, sorts and paginates rows according to req. Total counts
// the rows that matched before pagination.
func PageRows(rows []models.StockRow, req models.ListRequest) models.Page[models.StockRow] {
	search := strings.ToLower(strings.TrimSpace(req.Search))
	matched := make([]models.StockRow, 0, len(rows))
	for _, r := range rows {
		if search != "" &&
			!strings.Contains(strings.ToLower(r.Name), search) &&
			!strings.Contains(strings.ToLower(r.TradingSymbol), search) {
			continue
		}
		if !query.MatchesPosition(req.PositionFilter, r.Position) {
			continue
		}
		if req.CategoryFilter != "" && !strings.EqualFold(r.Category, req.CategoryFilter) {
			continue
		}
		matched = append(matched, r)
	}

	sortRows(matched, req.SortBy, req.SortDir == "desc")

	total := len(matched)
	from := req.Offset()
	if from > total {
		from = total
	}
	to := total
	if req.PageSize > 0 && from+req.PageSize < total {
		to = from + req.PageSize
	}
	return models.Page[models.StockRow]{Rows: matched[from:to], Total: total}
}

func sortRows(rows []models.StockRow, by string, desc bool) {
	less := func(a, b models.StockRow) bool {
		switch by {
		case "id":
			return a.Token < b.Token
		case "price":
			return a.Price.LessThan(b.Price)
		case "position":
			return a.Position < b.Position
		default:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if desc {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})
}

// classify builds a symbol → position class map from net quantities.
func classify(net map[string]int) func(symbol string) models.PositionClass {
	return func(symbol string) models.PositionClass {
		return models.ClassifyQuantity(net[symbol])
	}
}
