// Package headers implements the Header Substituter of spec §4.5:
// ${{name}} template expansion over outgoing headers with variable
// substitution and a denylist applied to the original request headers.
package headers

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// tokenPattern matches ${{name}} tokens; names are not escaped, matching
// the simple single-token grammar in spec §4.5 (no nested expressions).
var tokenPattern = regexp.MustCompile(`\$\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// denylist headers are dropped from the original request before template
// overlays are applied: the host, framing headers, hop-by-hop headers,
// and forwarding headers that would leak the proxy's own network
// position to the upstream.
var denylist = map[string]bool{
	"host":                true,
	"content-length":      true,
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"x-forwarded-for":     true,
	"x-forwarded-host":    true,
	"x-forwarded-proto":   true,
	"x-real-ip":           true,
}

// ReferencedVariables returns the set of variable names referenced
// across all of templates' values.
func ReferencedVariables(templates map[string]string) []string {
	seen := map[string]bool{}
	var names []string
	for _, tmpl := range templates {
		for _, m := range tokenPattern.FindAllStringSubmatch(tmpl, -1) {
			name := m[1]
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// Process builds the outgoing header set: start from original, filtered
// against the lowercase denylist and re-keyed in canonical form, then
// overlay every template key with its
// resolved value (template-provided keys win on conflict). values maps
// referenced variable name -> resolved value for this request; an
// unresolved token is left as the literal "${{name}}" and logged at
// warning level.
func Process(templates map[string]string, values map[string]string, original http.Header) http.Header {
	out := make(http.Header, len(original)+len(templates))
	for name, vs := range original {
		lower := strings.ToLower(name)
		if denylist[lower] {
			continue
		}
		out[http.CanonicalHeaderKey(lower)] = append([]string(nil), vs...)
	}

	for name, tmpl := range templates {
		resolved := expand(tmpl, values)
		canonical := http.CanonicalHeaderKey(name)
		if strings.EqualFold(name, "Accept-Encoding") {
			resolved = "identity"
		}
		out[canonical] = []string{resolved}
	}

	return out
}

func expand(tmpl string, values map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		name := m[1]
		v, ok := values[name]
		if !ok {
			log.Warn().Str("component", "headers").Str("variable", name).Msg("unresolved header template variable")
			return token
		}
		return v
	})
}
