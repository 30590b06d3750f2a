package pagination

import (
	"testing"

	"github.com/agentmesh/agentmesh/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFiltersIsOrderIndependent(t *testing.T) {
	a := map[string]string{"capability": "code-review", "visibility": "public"}
	b := map[string]string{"visibility": "public", "capability": "code-review"}
	assert.Equal(t, HashFilters(a), HashFilters(b))
	assert.Len(t, HashFilters(a), 16)
}

func TestHashFiltersEmptyIsEmpty(t *testing.T) {
	assert.Equal(t, "", HashFilters(nil))
	assert.Equal(t, "", HashFilters(map[string]string{}))
}

func TestResolveFirstPageNoCursor(t *testing.T) {
	page, err := Resolve("", 0, 50, 500, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Offset)
	assert.Equal(t, 50, page.Limit)
}

func TestResolveClampsLimit(t *testing.T) {
	page, err := Resolve("", 10000, 50, 500, nil)
	require.NoError(t, err)
	assert.Equal(t, 500, page.Limit)
}

func TestResolveRoundTripThroughCursor(t *testing.T) {
	filters := map[string]string{"capability": "triage"}
	page1, err := Resolve("", 25, 50, 500, filters)
	require.NoError(t, err)

	meta := BuildMeta(page1, 25, filters)
	require.True(t, meta.HasMore)
	require.NotEmpty(t, meta.NextCursor)

	page2, err := Resolve(meta.NextCursor, 25, 50, 500, filters)
	require.NoError(t, err)
	assert.Equal(t, 25, page2.Offset)
	assert.Equal(t, 25, page2.Limit)
}

func TestResolveFilterMismatchRejected(t *testing.T) {
	page1, err := Resolve("", 25, 50, 500, map[string]string{"capability": "triage"})
	require.NoError(t, err)
	meta := BuildMeta(page1, 25, map[string]string{"capability": "triage"})

	_, err = Resolve(meta.NextCursor, 25, 50, 500, map[string]string{"capability": "code-review"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodePaginationFilterMismatch))
}

func TestDecodeInvalidBase64(t *testing.T) {
	_, err := Decode("not-valid-base64!!!")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidCursor))
}

func TestDecodeTamperedJSON(t *testing.T) {
	_, err := Decode("bm90IGpzb24")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidCursor))
}

func TestDecodeRejectsLimitAboveMaximum(t *testing.T) {
	token := Encode(Cursor{Offset: 0, Limit: 5000})
	_, err := Decode(token)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidCursor))
}

func TestBuildMetaNoMoreWhenShortPage(t *testing.T) {
	page := Page{Offset: 0, Limit: 50}
	meta := BuildMeta(page, 10, nil)
	assert.False(t, meta.HasMore)
	assert.Empty(t, meta.NextCursor)
}
