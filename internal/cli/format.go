// Package cli provides the command-line interface for the desk.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	lakh  = decimal.NewFromInt(100000)
	crore = decimal.NewFromInt(10000000)
)

// ist is the exchange's timezone. Falls back to a fixed +05:30 zone when the
// tz database is missing.
var ist = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}()

// FormatIndianCurrency formats an amount in Indian currency format (lakhs, crores).
func FormatIndianCurrency(amount decimal.Decimal) string {
	negative := amount.IsNegative()
	str := amount.Abs().StringFixed(2)
	intPart, decPart, _ := strings.Cut(str, ".")

	result := "₹" + formatIndianNumber(intPart) + "." + decPart
	if negative && str != "0.00" {
		result = "-" + result
	}
	return result
}

// formatIndianNumber formats an integer string in Indian numbering system.
// Indian system: 1,00,00,000 (1 crore) vs Western: 10,000,000
func formatIndianNumber(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	// First group of 3 from right (hundreds)
	result := s[n-3:]
	s = s[:n-3]

	// Then groups of 2 (thousands, lakhs, crores)
	for len(s) > 0 {
		if len(s) >= 2 {
			result = s[len(s)-2:] + "," + result
			s = s[:len(s)-2]
		} else {
			result = s + "," + result
			s = ""
		}
	}

	return result
}

// FormatPnL formats P&L with sign.
func FormatPnL(pnl decimal.Decimal) string {
	formatted := FormatIndianCurrency(pnl)
	if pnl.Round(2).IsPositive() {
		return "+" + formatted
	}
	return formatted
}

// FormatPrice formats a price with two decimals and no currency symbol.
func FormatPrice(price decimal.Decimal) string {
	return price.StringFixed(2)
}

// FormatOptionalPrice formats a price that may be absent.
func FormatOptionalPrice(price decimal.NullDecimal) string {
	if !price.Valid {
		return "-"
	}
	return FormatPrice(price.Decimal)
}

// FormatQuantity formats a quantity with Indian numbering.
func FormatQuantity(qty int) string {
	if qty < 0 {
		return "-" + formatIndianNumber(fmt.Sprintf("%d", -qty))
	}
	return formatIndianNumber(fmt.Sprintf("%d", qty))
}

// FormatCompact formats an amount in compact form (L/Cr).
func FormatCompact(amount decimal.Decimal) string {
	abs := amount.Abs()
	switch {
	case abs.GreaterThanOrEqual(crore):
		return amount.Div(crore).StringFixed(2) + " Cr"
	case abs.GreaterThanOrEqual(lakh):
		return amount.Div(lakh).StringFixed(2) + " L"
	}
	return FormatIndianCurrency(amount)
}

// FormatTime formats a time in IST.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(ist).Format("15:04:05")
}

// FormatDateTime formats a datetime in IST.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(ist).Format("02-Jan-2006 15:04:05")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
