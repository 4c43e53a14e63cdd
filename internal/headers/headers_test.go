package headers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReferencedVariables(t *testing.T) {
	templates := map[string]string{
		"Authorization": "Bearer ${{keys}}",
		"X-Org":         "${{org}}-${{org}}",
	}
	got := ReferencedVariables(templates)
	assert.ElementsMatch(t, []string{"keys", "org"}, got)
}

func TestProcessNoTokensIsLowercaseFilteredUnionTemplates(t *testing.T) {
	original := http.Header{
		"Host":          {"example.com"},
		"Content-Length": {"10"},
		"X-Custom":      {"value"},
	}
	templates := map[string]string{"X-Static": "plain"}

	out := Process(templates, nil, original)

	assert.Equal(t, []string{"value"}, out["X-Custom"])
	assert.Equal(t, []string{"plain"}, out["X-Static"])
	assert.NotContains(t, out, "Host")
	assert.NotContains(t, out, "Content-Length")
}

func TestProcessSubstitutesCredential(t *testing.T) {
	templates := map[string]string{"Authorization": "Bearer ${{keys}}"}
	out := Process(templates, map[string]string{"keys": "k1"}, http.Header{})
	assert.Equal(t, []string{"Bearer k1"}, out["Authorization"])
}

func TestProcessUnresolvedTokenLeftLiteral(t *testing.T) {
	templates := map[string]string{"X-Org": "${{org}}"}
	out := Process(templates, nil, http.Header{})
	assert.Equal(t, []string{"${{org}}"}, out["X-Org"])
}

func TestProcessAcceptEncodingForcedToIdentity(t *testing.T) {
	templates := map[string]string{"Accept-Encoding": "gzip, deflate"}
	out := Process(templates, nil, http.Header{})
	assert.Equal(t, []string{"identity"}, out["Accept-Encoding"])
}

func TestProcessTemplateKeyWinsOverOriginal(t *testing.T) {
	original := http.Header{"X-Custom": {"original"}}
	templates := map[string]string{"X-Custom": "overridden"}
	out := Process(templates, nil, original)
	assert.Equal(t, []string{"overridden"}, out["X-Custom"])
}

func TestProcessRepeatedTokenInSameTemplate(t *testing.T) {
	templates := map[string]string{"X-Org": "${{org}}-${{org}}"}
	out := Process(templates, map[string]string{"org": "acme"}, http.Header{})
	assert.Equal(t, []string{"acme-acme"}, out["X-Org"])
}
