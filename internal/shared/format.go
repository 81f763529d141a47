package shared

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders a monetary amount for display: grouped thousands,
// two decimal places. Amounts are stored with four decimals internally.
func FormatAmount(value decimal.Decimal) string {
	f, _ := value.Round(2).Float64()
	return amountPrinter.Sprintf("%.2f", f)
}

// FormatQuantity renders a quantity with up to four decimal places, trimming
// trailing zeros.
func FormatQuantity(value decimal.Decimal) string {
	return value.Round(4).String()
}
