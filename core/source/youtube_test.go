package source

import (
	"testing"

	"ChansonFM/core/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAcceptedShapes(t *testing.T) {
	const id = "dQw4w9WgXcQ"
	inputs := []string{
		id,
		"  " + id + "\n",
		"https://www.youtube.com/watch?v=" + id,
		"https://youtube.com/watch?v=" + id + "&t=42s",
		"https://m.youtube.com/watch?v=" + id,
		"https://music.youtube.com/watch?v=" + id,
		"https://youtu.be/" + id,
		"https://youtu.be/" + id + "?si=abc",
		"https://www.youtube.com/shorts/" + id,
		"https://www.youtube.com/embed/" + id + "/extra",
	}

	for _, in := range inputs {
		ref, err := Normalize(in)
		require.NoError(t, err, in)
		assert.Equal(t, id, ref.ID, in)
		assert.Equal(t, "youtube", ref.Source)
		assert.Equal(t, "https://www.youtube.com/watch?v="+id, ref.URL, in)
	}
}

func TestNormalizeRejects(t *testing.T) {
	inputs := []string{
		"",
		"short",
		"dQw4w9WgXcQQ",
		"https://vimeo.com/123456",
		"https://www.youtube.com/playlist?list=PL123",
		"https://www.youtube.com/watch?v=tooShort",
		"https://youtu.be/",
		"not a url at all",
	}

	for _, in := range inputs {
		_, err := Normalize(in)
		assert.ErrorIs(t, err, errs.ErrInvalidSource, in)
	}
}
