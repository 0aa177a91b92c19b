package symbols

// IsCusip reports whether a symbol looks like an unresolved CUSIP rather
// than a ticker: 8 or 9 alphanumeric characters containing at least one
// digit. Tickers are shorter and usually all letters; false positives
// here only cost a provider lookup that returns nothing.
func IsCusip(symbol string) bool {
	if len(symbol) != 8 && len(symbol) != 9 {
		return false
	}
	hasDigit := false
	for i := 0; i < len(symbol); i++ {
		c := symbol[i]
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return hasDigit
}
