package postgres

import (
	"fmt"
)

// highestPlaceholder returns the largest $n referenced by sql, ignoring
// quoted literals, quoted identifiers, dollar-quoted bodies and comments.
func highestPlaceholder(sql string) int {
	highest := 0
	i := 0

	for i < len(sql) {
		switch c := sql[i]; {
		case c == '\'' || c == '"':
			i = skipQuoted(sql, i+1, c)
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			i = skipLineComment(sql, i+2)
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			i = skipBlockComment(sql, i+2)
		case c == '$':
			j := i + 1
			n := 0

			for j < len(sql) && isDigit(sql[j]) {
				n = n*10 + int(sql[j]-'0')
				j++
			}

			if j > i+1 {
				highest = max(highest, n)
				i = j

				continue
			}

			if tag, ok := dollarTag(sql, i); ok {
				i = skipDollarQuoted(sql, i+len(tag), tag)
				continue
			}

			i++
		default:
			i++
		}
	}

	return highest
}

// checkPlaceholders fails with ErrStatement when the placeholders in sql do
// not match the number of arguments supplied.
func checkPlaceholders(sql string, args int) error {
	if want := highestPlaceholder(sql); want != args {
		return fmt.Errorf("%w: statement references %d parameter(s) but %d argument(s) were supplied", ErrStatement, want, args)
	}

	return nil
}

func skipQuoted(sql string, i int, quote byte) int {
	for i < len(sql) {
		if sql[i] == quote {
			// Doubled quote is an escaped quote.
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}

			return i + 1
		}

		i++
	}

	return i
}

func skipLineComment(sql string, i int) int {
	for i < len(sql) && sql[i] != '\n' {
		i++
	}

	return i
}

func skipBlockComment(sql string, i int) int {
	depth := 1

	for i < len(sql) && depth > 0 {
		switch {
		case sql[i] == '/' && i+1 < len(sql) && sql[i+1] == '*':
			depth++
			i += 2
		case sql[i] == '*' && i+1 < len(sql) && sql[i+1] == '/':
			depth--
			i += 2
		default:
			i++
		}
	}

	return i
}

// dollarTag returns the $tag$ opener starting at i, if any.
func dollarTag(sql string, i int) (string, bool) {
	j := i + 1

	for j < len(sql) && (isLetter(sql[j]) || (j > i+1 && isDigit(sql[j]))) {
		j++
	}

	if j < len(sql) && sql[j] == '$' {
		return sql[i : j+1], true
	}

	return "", false
}

func skipDollarQuoted(sql string, i int, tag string) int {
	for i+len(tag) <= len(sql) {
		if sql[i:i+len(tag)] == tag {
			return i + len(tag)
		}

		i++
	}

	return len(sql)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isLetter(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
