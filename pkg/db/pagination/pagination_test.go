package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID string
}

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2025-06-01T12:00:00Z"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	decoded, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", decoded.ID)
	assert.Equal(t, "2025-06-01T12:00:00Z", decoded.CreatedAt)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-base64!!")
	require.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	extract := func(r *row) string { return r.ID }

	t.Run("empty", func(t *testing.T) {
		info := BuildCursorPageInfo(nil, 10, extract)
		require.NotNil(t, info)
		assert.False(t, info.HasMore)
		assert.Empty(t, info.NextPageToken)
	})

	t.Run("partial page", func(t *testing.T) {
		info := BuildCursorPageInfo([]*row{{ID: "1"}, {ID: "2"}}, 10, extract)
		assert.False(t, info.HasMore)
		assert.Equal(t, "2", info.NextPageToken)
	})

	t.Run("overflow row trims and flags more", func(t *testing.T) {
		rows := []*row{{ID: "1"}, {ID: "2"}, {ID: "3"}}
		info := BuildCursorPageInfo(rows, 2, extract)
		assert.True(t, info.HasMore)
		assert.Equal(t, "2", info.NextPageToken)
	})
}
