package currency

import (
	"bufio"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseRateTable reads CURRENCY=RATE lines. Blank lines and lines starting with
// # are ignored; malformed lines are logged and skipped.
func ParseRateTable(text string, logger *slog.Logger) map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal)

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		code, value, found := strings.Cut(line, "=")
		code = strings.ToUpper(strings.TrimSpace(code))
		value = strings.TrimSpace(value)

		if !found || !isCurrencyCode(code) {
			logger.Warn("Skipping rate table line: invalid currency code", "line", lineNo, "content", line)
			continue
		}

		rate, err := decimal.NewFromString(value)
		if err != nil || !rate.IsPositive() {
			logger.Warn("Skipping rate table line: rate must be a positive number", "line", lineNo, "content", line)
			continue
		}

		rates[code] = rate
	}

	return rates
}

func isCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
