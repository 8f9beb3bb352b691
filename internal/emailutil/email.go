package emailutil

import "strings"

// Normalize normalizes an email address for consistent comparison
// by converting to lowercase and trimming whitespace
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ExtractDomain extracts domain from email address
func ExtractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// NormalizeSuffix turns "university.edu", "@University.edu" or
// " @university.edu " into "@university.edu".
func NormalizeSuffix(suffix string) string {
	s := Normalize(suffix)
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	return s
}

// HasSuffix reports whether email ends with the institutional suffix,
// ignoring case and surrounding whitespace. An empty suffix matches nothing.
func HasSuffix(email, suffix string) bool {
	s := NormalizeSuffix(suffix)
	if s == "" {
		return false
	}
	e := Normalize(email)
	return len(e) > len(s) && strings.HasSuffix(e, s)
}

// Redact keeps only the domain part, for logging
func Redact(email string) string {
	domain := ExtractDomain(Normalize(email))
	if domain == "" {
		return "(invalid)"
	}
	return "***@" + domain
}
