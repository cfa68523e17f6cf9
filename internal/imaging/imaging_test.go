package imaging

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPair() ImagePair {
	sci := NewImage(4, 3)
	sci.Field, sci.SensorRegion, sci.Filter = "f1", "ccd1", "r"
	sci.Time = time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
	ref := NewImage(4, 3)
	ref.Field, ref.SensorRegion, ref.Filter = "f1", "ccd1", "r"
	return ImagePair{ID: "p1", Science: sci, Reference: ref}
}

func TestImagePairValidate(t *testing.T) {
	t.Parallel()

	t.Run("consistent pair", func(t *testing.T) {
		t.Parallel()
		p := testPair()
		assert.NoError(t, p.Validate())
	})

	t.Run("filter mismatch", func(t *testing.T) {
		t.Parallel()
		p := testPair()
		p.Reference.Filter = "g"
		err := p.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInput)
		assert.NotErrorIs(t, err, ErrAlignment)
	})

	t.Run("short pixel plane", func(t *testing.T) {
		t.Parallel()
		p := testPair()
		p.Science.Pixels = p.Science.Pixels[:5]
		assert.ErrorIs(t, p.Validate(), ErrInput)
	})
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()
	cause := errors.New("singular matrix")
	err := fmt.Errorf("unit: %w", NewError(KindAlignment, "p9", "align", cause))

	assert.ErrorIs(t, err, ErrAlignment)
	assert.ErrorIs(t, err, cause)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindAlignment, kind)
	assert.True(t, IsDataQuality(err))
	assert.False(t, IsDataQuality(NewError(KindValidationLookup, "", "cone search", cause)))
	assert.Equal(t, "alignment error pair p9: align: singular matrix", errors.Unwrap(err).Error())
}

func TestUsable(t *testing.T) {
	t.Parallel()
	im := NewImage(3, 1)
	im.Pixels[1] = math.NaN()
	im.MarkFlag(2, FlagSaturated)
	assert.True(t, im.Usable(0))
	assert.False(t, im.Usable(1))
	assert.False(t, im.Usable(2))
}
