package credit

import (
	"errors"
	"testing"
)

func TestResolvePriceDefaultsMissingVariant(test *testing.T) {
	test.Parallel()
	catalog := DefaultPriceCatalog()
	price, err := catalog.ResolvePrice(ServiceExtractPattern, VariantOptions{})
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if price.String() != "2.00" {
		test.Fatalf("expected seamless default price 2.00, got %s", price)
	}
}

func TestResolvePriceDefaultsUnrecognizedVariant(test *testing.T) {
	test.Parallel()
	catalog := DefaultPriceCatalog()
	price, err := catalog.ResolvePrice(ServiceExtractPattern, VariantOptions{OptionPatternType: "tie-dye"})
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if price.String() != "2.00" {
		test.Fatalf("expected default price for unrecognized variant, got %s", price)
	}
}

func TestResolvePriceSelectsKnownVariant(test *testing.T) {
	test.Parallel()
	catalog := DefaultPriceCatalog()
	price, err := catalog.ResolvePrice(ServiceUpscale, VariantOptions{OptionUpscaleEngine: "  Ultra "})
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if price.String() != "4.00" {
		test.Fatalf("expected ultra engine price 4.00, got %s", price)
	}
}

func TestResolvePriceFlatService(test *testing.T) {
	test.Parallel()
	catalog := DefaultPriceCatalog()
	price, err := catalog.ResolvePrice(ServiceColorize, nil)
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if price.String() != "2.50" {
		test.Fatalf("expected 2.50, got %s", price)
	}
}

func TestResolvePriceUnknownService(test *testing.T) {
	test.Parallel()
	catalog := DefaultPriceCatalog()
	if _, err := catalog.ResolvePrice("paint_miniatures", nil); !errors.Is(err, ErrUnknownService) {
		test.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestSetVariantPricesRejectsUnpricedDefault(test *testing.T) {
	test.Parallel()
	catalog := NewPriceCatalog()
	err := catalog.SetVariantPrices("sketch", "style", "ink", map[string]Decimal2{
		"pencil": NewDecimal2FromInt(1),
	})
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
