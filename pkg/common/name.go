package common

import "strings"

var (
	nameTitles   = []string{"mr", "ms", "mrs", "dr", "rev"}
	nameSuffixes = []string{"jr", "sr", "iii"}
)

// NameParts holds the components extracted from a raw person name.
type NameParts struct {
	Title  string
	Suffix string
	First  string
	Middle string
	Last   string
}

const nameTrimSet = " \t\n.,;:!?'\""

func popFromName(name string, candidates []string) (string, string) {
	parts := strings.Fields(name)
	for _, cand := range candidates {
		for _, p := range parts {
			if cand == strings.ToLower(strings.Trim(p, nameTrimSet)) {
				return cand, strings.Replace(name, p, "", 1)
			}
		}
	}
	return "", name
}

// ParseName extracts title, suffix, first, middle, and last components from
// a raw name. Both "Last, First M" and "First M Last" layouts are handled;
// titles and suffixes are recognized case-insensitively with trailing
// punctuation ignored.
func ParseName(name string) NameParts {
	title, name := popFromName(name, nameTitles)
	suffix, name := popFromName(name, nameSuffixes)
	parsed := NameParts{Title: title, Suffix: suffix}

	if segments := strings.Split(name, ","); len(segments) > 1 {
		// last, first m layout
		parsed.Last = strings.TrimSpace(segments[0])
		rest := strings.Fields(segments[1])
		if len(rest) > 0 {
			parsed.First = rest[0]
		}
		if len(rest) > 1 {
			parsed.Middle = rest[1]
		}
		return parsed
	}

	parts := strings.Fields(name)
	if len(parts) > 0 {
		parsed.First = parts[0]
		parsed.Last = parts[len(parts)-1]
	}
	if len(parts) == 3 {
		parsed.Middle = parts[1]
	}
	return parsed
}

// MiddleInitialConflict reports whether two middle name values disagree on
// their first letter. Both sides must be populated to conflict; an unset
// middle name never disqualifies a pair.
func MiddleInitialConflict(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return !strings.EqualFold(a[:1], b[:1])
}
