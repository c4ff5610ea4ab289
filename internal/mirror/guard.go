package mirror

import (
	"strings"
	"unicode"

	"worldforge/internal/apperr"
)

var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true, "ALTER": true,
	"CREATE": true, "REPLACE": true, "ATTACH": true, "DETACH": true, "PRAGMA": true,
	"VACUUM": true, "REINDEX": true, "TRUNCATE": true, "GRANT": true, "REVOKE": true,
	"COPY": true, "MERGE": true, "CALL": true, "EXEC": true, "EXECUTE": true,
	"UPSERT": true, "ANALYZE": true, "LOCK": true,
}

// CheckReadOnly accepts a single SELECT or WITH statement and returns it
// without any trailing semicolon.
func CheckReadOnly(query string) (string, error) {
	sanitized := sanitizeSQL(query)
	trimmed := strings.TrimSpace(sanitized)
	if trimmed == "" {
		return "", apperr.InvalidArgument("query", "query is empty")
	}
	if strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	if strings.Contains(trimmed, ";") {
		return "", apperr.InvalidArgument("query", "only one statement is allowed; remove the extra ';'")
	}

	words := sqlWords(trimmed)
	if len(words) == 0 || (words[0] != "SELECT" && words[0] != "WITH") {
		return "", apperr.InvalidArgument("query", "only SELECT or WITH queries are allowed")
	}
	for _, w := range words {
		if writeKeywords[w] {
			return "", apperr.InvalidArgument("query", "%s is not allowed in a read-only query", w)
		}
	}

	original := strings.TrimSpace(query)
	original = strings.TrimSpace(strings.TrimSuffix(original, ";"))
	return original, nil
}

// sanitizeSQL drops comments and blanks the contents of quoted literals
// and identifiers so keyword scanning only sees SQL structure.
func sanitizeSQL(query string) string {
	var b strings.Builder
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			b.WriteRune(' ')
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
			b.WriteRune(' ')
		case r == '\'' || r == '"' || r == '`':
			quote := r
			i++
			for i < len(runes) {
				if runes[i] == quote {
					if i+1 < len(runes) && runes[i+1] == quote {
						i += 2
						continue
					}
					break
				}
				i++
			}
			b.WriteRune(quote)
			b.WriteRune(quote)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sqlWords(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || r == '_')
	})
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		words = append(words, strings.ToUpper(f))
	}
	return words
}
