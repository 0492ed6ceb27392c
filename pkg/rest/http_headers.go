package rest

import (
	"net/http"
	"strconv"
	"strings"
)

// Prefer holds the preferences of a Prefer header (RFC 7240) the service honors.
type Prefer struct {
	Return      string // "minimal" or "representation"
	MaxPageSize int    // odata.maxpagesize, 0 when not set
}

// parsePrefer parses the Prefer header. It returns nil if the header is not present.
func parsePrefer(r *http.Request) *Prefer {
	values := r.Header.Values("Prefer")
	if len(values) == 0 {
		return nil
	}

	p := &Prefer{}
	for _, header := range values {
		parsePreferences(header, func(key, value string) {
			switch key {
			case "return":
				if v := strings.ToLower(value); v == "minimal" || v == "representation" {
					p.Return = v
				}
			case "odata.maxpagesize", "maxpagesize":
				if n, err := strconv.Atoi(value); err == nil && n > 0 {
					p.MaxPageSize = n
				}
			}
		})
	}
	return p
}

// parsePreferences calls fn for each key=value directive of a comma-separated header.
func parsePreferences(header string, fn func(key, value string)) {
	for pref := range strings.SplitSeq(header, ",") {
		pref = strings.TrimSpace(pref)
		if key, value, found := strings.Cut(pref, "="); found {
			key = strings.TrimSpace(strings.ToLower(key))
			value = strings.Trim(strings.TrimSpace(value), `"`)
			fn(key, value)
		}
	}
}

// WantsMinimal reports whether the client asked for no body on success.
func (p *Prefer) WantsMinimal() bool {
	return p != nil && p.Return == "minimal"
}

// WantsRepresentation reports whether the client asked for the affected entity in the body.
func (p *Prefer) WantsRepresentation() bool {
	return p != nil && p.Return == "representation"
}

// applied returns the Preference-Applied header value for the honored preferences.
func (p *Prefer) applied(pageSize bool) string {
	if p == nil {
		return ""
	}
	var out []string
	if p.Return != "" {
		out = append(out, "return="+p.Return)
	}
	if pageSize && p.MaxPageSize > 0 {
		out = append(out, "odata.maxpagesize="+strconv.Itoa(p.MaxPageSize))
	}
	return strings.Join(out, ", ")
}
