package access

import "strings"

// ParseReferences splits an RFC 5536 References header into its
// whitespace-separated message-ids, ported from go-pugleaf's
// internal/utils/references.go.
func ParseReferences(refs string) []string {
	if strings.TrimSpace(refs) == "" {
		return nil
	}
	fields := strings.Fields(refs)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
