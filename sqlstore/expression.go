package sqlstore

import "strings"

// SQLExpressionFormat lets a predicate control the SQL fragment that is
// emitted for it instead of the standard "column operator placeholder"
// form. The fragment must embed the given column and placeholder strings.
type SQLExpressionFormat interface {
	FormatSQL(storage *Storage, column, placeholders string, negate bool) string
}

// formatLike renders a LIKE comparison. Fuzzy searches wrap both sides in
// the dialect's fuzzy-search function and compare for equality; without a
// configured function a fuzzy search degrades to a plain LIKE.
func formatLike(fuzzyFunction, column, placeholders string, fuzzy, negate bool) string {
	var b strings.Builder

	if fuzzy && fuzzyFunction != "" {
		b.WriteString(fuzzyFunction)
		b.WriteByte('(')
		b.WriteString(column)
		b.WriteString(") ")
		if negate {
			b.WriteString("<>")
		} else {
			b.WriteByte('=')
		}
		b.WriteByte(' ')
		b.WriteString(fuzzyFunction)
		b.WriteByte('(')
		b.WriteString(placeholders)
		b.WriteByte(')')
	} else {
		b.WriteString(column)
		b.WriteByte(' ')
		if negate {
			b.WriteString("NOT LIKE")
		} else {
			b.WriteString("LIKE")
		}
		b.WriteByte(' ')
		b.WriteString(placeholders)
	}

	return b.String()
}
