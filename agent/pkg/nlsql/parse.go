package nlsql

import "strings"

// cleanSQL strips code fences and a trailing semicolon from a model
// reply, leaving the bare statement.
func cleanSQL(reply string) string {
	reply = strings.TrimSpace(reply)

	if idx := strings.Index(reply, "```sql"); idx != -1 {
		start := idx + len("```sql")
		if end := strings.Index(reply[start:], "```"); end != -1 {
			reply = reply[start : start+end]
		} else {
			reply = reply[start:]
		}
	} else if idx := strings.Index(reply, "```"); idx != -1 {
		start := idx + len("```")
		if end := strings.Index(reply[start:], "```"); end != -1 {
			reply = reply[start : start+end]
		} else {
			reply = reply[start:]
		}
	}

	reply = strings.TrimSpace(reply)
	reply = strings.TrimSuffix(reply, ";")
	return strings.TrimSpace(reply)
}

// stripFences removes fence markers in place without extracting a block.
// Used on tagged repair replies where the tag may sit outside the fence.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```sql", "")
	s = strings.ReplaceAll(s, "```", "")
	return s
}

var sqlVerbs = []string{"SELECT", "WITH", "INSERT", "UPDATE", "DELETE", "SHOW", "DESCRIBE"}

// hasSQLVerb reports whether the text contains a recognizable SQL
// statement head anywhere. Replies that are prose apologies rather than
// statements fail this check.
func hasSQLVerb(sql string) bool {
	upper := strings.ToUpper(sql)
	for _, verb := range sqlVerbs {
		if strings.Contains(upper, verb) {
			return true
		}
	}
	return false
}

// extractJSON returns the first balanced JSON object in the text, or ""
// when none is found. Models wrap JSON in fences or prose often enough
// that decoding the raw reply directly is not practical.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// truncate shortens s to n runes for inclusion in error messages and logs.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
