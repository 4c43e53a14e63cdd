package router

import (
	"testing"

	"github.com/Nya-Foundation/nyaproxy-go/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteByName(t *testing.T) {
	oai := &upstream.Descriptor{Name: "oai"}
	r := New("api", []*upstream.Descriptor{oai})

	res, ok := r.Route("/api/oai/v1/models")
	require.True(t, ok)
	assert.Same(t, oai, res.Upstream)
	assert.Equal(t, "/v1/models", res.Residual)
}

func TestRouteByAlias(t *testing.T) {
	oai := &upstream.Descriptor{Name: "oai", Aliases: []string{"o"}}
	r := New("api", []*upstream.Descriptor{oai})

	res, ok := r.Route("/api/o/v1/models")
	require.True(t, ok)
	assert.Same(t, oai, res.Upstream)
	assert.Equal(t, "/v1/models", res.Residual)
}

func TestRouteNoResidualDefaultsToRoot(t *testing.T) {
	oai := &upstream.Descriptor{Name: "oai"}
	r := New("api", []*upstream.Descriptor{oai})

	res, ok := r.Route("/api/oai")
	require.True(t, ok)
	assert.Equal(t, "/", res.Residual)
}

func TestRouteUnknownSegmentMisses(t *testing.T) {
	r := New("api", []*upstream.Descriptor{{Name: "oai"}})
	_, ok := r.Route("/api/unknown/v1")
	assert.False(t, ok)
}

func TestRouteWrongPrefixMisses(t *testing.T) {
	r := New("api", []*upstream.Descriptor{{Name: "oai"}})
	_, ok := r.Route("/other/oai/v1")
	assert.False(t, ok)
}

func TestRouteIsNotLongestPrefixMatch(t *testing.T) {
	// Two upstreams where one name is a prefix of another; the router
	// must match the exact first segment, not the longest prefix.
	oai := &upstream.Descriptor{Name: "oai"}
	oaiV2 := &upstream.Descriptor{Name: "oaiv2"}
	r := New("api", []*upstream.Descriptor{oai, oaiV2})

	res, ok := r.Route("/api/oaiv2/v1")
	require.True(t, ok)
	assert.Same(t, oaiV2, res.Upstream)
}
