// Package catalog is the static product mapping: internal product ids to
// fulfillment-provider identifiers and server-side prices. Read-only at
// runtime; an unknown id is a hard validation failure, never a default.
package catalog

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnmappedProduct = errors.New("unmapped product id")

// Product maps one internal print product to the fulfillment provider.
// StoreVariantID goes on order line items; CatalogVariantID is what the
// shipping-rate API wants. Same SKU, different id spaces.
type Product struct {
	ID                   string
	Name                 string
	CatalogProductID     int64
	CatalogVariantID     int64
	StoreVariantID       string
	PriceMinorUnits      int
	AspectRatio          string
	SupportsDirectMockup bool
}

var products = map[string]Product{
	"poster-12x18": {
		ID:                   "poster-12x18",
		Name:                 "Matte Poster 12×18",
		CatalogProductID:     171,
		CatalogVariantID:     6239,
		StoreVariantID:       "4638793254",
		PriceMinorUnits:      2499,
		AspectRatio:          "2:3",
		SupportsDirectMockup: true,
	},
	"canvas-16x20": {
		ID:               "canvas-16x20",
		Name:             "Stretched Canvas 16×20",
		CatalogProductID: 823,
		CatalogVariantID: 21216,
		StoreVariantID:   "4638793255",
		PriceMinorUnits:  5999,
		AspectRatio:      "4:5",
	},
	"mug-11oz": {
		ID:                   "mug-11oz",
		Name:                 "Ceramic Mug 11oz",
		CatalogProductID:     19,
		CatalogVariantID:     1320,
		StoreVariantID:       "4638793256",
		PriceMinorUnits:      1799,
		AspectRatio:          "1:1",
		SupportsDirectMockup: true,
	},
	"framed-18x24": {
		ID:               "framed-18x24",
		Name:             "Framed Print 18×24",
		CatalogProductID: 172,
		CatalogVariantID: 6242,
		StoreVariantID:   "4638793257",
		PriceMinorUnits:  8999,
		AspectRatio:      "3:4",
	},
}

// Lookup resolves an internal product id.
func Lookup(id string) (Product, error) {
	p, ok := products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", ErrUnmappedProduct, id)
	}
	return p, nil
}

// AspectRatio returns the product's print aspect ratio, or the default when
// the id is unknown (generation hints are best-effort, unlike fulfillment).
func AspectRatio(id string) string {
	if p, ok := products[id]; ok && p.AspectRatio != "" {
		return p.AspectRatio
	}
	return "1:1"
}

// All lists the mapped products in a stable order.
func All() []Product {
	out := make([]Product, 0, len(products))
	for _, p := range products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
