package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKnownProduct(t *testing.T) {
	product, err := Lookup("poster-12x18")
	require.NoError(t, err)
	assert.Equal(t, "4638793254", product.StoreVariantID)
	assert.Equal(t, int64(6239), product.CatalogVariantID)
	assert.Equal(t, 2499, product.PriceMinorUnits)
	assert.True(t, product.SupportsDirectMockup)
}

func TestLookupUnknownProduct(t *testing.T) {
	_, err := Lookup("sticker-pack")
	assert.ErrorIs(t, err, ErrUnmappedProduct)
}

func TestAspectRatioDefaultsForUnknownIDs(t *testing.T) {
	assert.Equal(t, "2:3", AspectRatio("poster-12x18"))
	assert.Equal(t, "1:1", AspectRatio(""))
	assert.Equal(t, "1:1", AspectRatio("sticker-pack"))
}

func TestAllIsSortedAndComplete(t *testing.T) {
	all := All()
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}
}
