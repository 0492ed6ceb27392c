package rest

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrefer(t *testing.T) {
	r := httptest.NewRequest("GET", "/odata/Customers", nil)
	assert.Nil(t, parsePrefer(r))

	var none *Prefer
	assert.False(t, none.WantsMinimal())
	assert.Empty(t, none.applied(true))

	r.Header.Add("Prefer", `return="Representation", respond-async`)
	r.Header.Add("Prefer", "odata.maxpagesize=25")
	p := parsePrefer(r)
	require.NotNil(t, p)
	assert.True(t, p.WantsRepresentation())
	assert.False(t, p.WantsMinimal())
	assert.Equal(t, 25, p.MaxPageSize)
	assert.Equal(t, "return=representation, odata.maxpagesize=25", p.applied(true))
	assert.Equal(t, "return=representation", p.applied(false))
}

func TestParsePreferIgnoresUnknownValues(t *testing.T) {
	r := httptest.NewRequest("GET", "/odata/Customers", nil)
	r.Header.Set("Prefer", "return=everything, odata.maxpagesize=-3, wait=10")
	p := parsePrefer(r)
	require.NotNil(t, p)
	assert.Empty(t, p.Return)
	assert.Zero(t, p.MaxPageSize)
	assert.Empty(t, p.applied(true))
}
