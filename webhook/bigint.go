// Package webhook decodes inbound chat-platform updates. Platform IDs can
// exceed the float64-safe integer range, so the raw body is rewritten at
// the lexer level before JSON parsing: integer tokens of 15 or more digits
// are quoted into strings and stay strings end to end.
package webhook

// bigIntDigitThreshold is the digit count at which an integer token gets
// quoted. 2^53 has 16 digits; 15 leaves a safety margin.
const bigIntDigitThreshold = 15

// QuoteBigInts rewrites body so every integer token with at least 15 digits
// becomes a JSON string. Tokens inside string literals, decimals and
// exponent forms are left untouched. The rewrite is reversible: re-parsing
// the output yields the original numeric text verbatim.
func QuoteBigInts(body []byte) []byte {
	out := make([]byte, 0, len(body)+16)
	inString := false
	escaped := false

	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			out = append(out, c)
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
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c != '-' && (c < '0' || c > '9') {
			out = append(out, c)
			continue
		}

		// Scan the full number token to know whether it is a plain integer.
		j := i
		if body[j] == '-' {
			j++
		}
		digits := 0
		for j < len(body) && body[j] >= '0' && body[j] <= '9' {
			j++
			digits++
		}
		isInteger := true
		if j < len(body) && body[j] == '.' {
			isInteger = false
			j++
			for j < len(body) && body[j] >= '0' && body[j] <= '9' {
				j++
			}
		}
		if j < len(body) && (body[j] == 'e' || body[j] == 'E') {
			isInteger = false
			j++
			if j < len(body) && (body[j] == '+' || body[j] == '-') {
				j++
			}
			for j < len(body) && body[j] >= '0' && body[j] <= '9' {
				j++
			}
		}

		if isInteger && digits >= bigIntDigitThreshold {
			out = append(out, '"')
			out = append(out, body[i:j]...)
			out = append(out, '"')
		} else {
			out = append(out, body[i:j]...)
		}
		i = j - 1
	}
	return out
}
