package credit

import (
	"fmt"
	"strings"
)

// ServiceKey identifies a billable service.
type ServiceKey string

// VariantOptions carries the caller-supplied sub-options for a priced
// variant (e.g. pattern type, upscaling engine).
type VariantOptions map[string]string

// PriceCatalog maps a service plus a normalized variant to a price in
// credits. Read-mostly: built once, consulted without locking.
type PriceCatalog struct {
	prices   map[string]Decimal2
	variants map[ServiceKey]variantRule
}

// variantRule names the option a service prices on and its default value.
// An absent or unrecognized option value resolves to the default variant,
// never to a silently wrong price.
type variantRule struct {
	optionName     string
	defaultVariant string
	known          map[string]struct{}
}

// NewPriceCatalog returns an empty catalog.
func NewPriceCatalog() *PriceCatalog {
	return &PriceCatalog{
		prices:   map[string]Decimal2{},
		variants: map[ServiceKey]variantRule{},
	}
}

// SetFlatPrice registers a service priced independently of options.
func (catalog *PriceCatalog) SetFlatPrice(serviceKey ServiceKey, price Decimal2) {
	catalog.prices[string(serviceKey)] = price
}

// SetVariantPrices registers a service priced on one option. The default
// variant must appear among the priced variants.
func (catalog *PriceCatalog) SetVariantPrices(serviceKey ServiceKey, optionName string, defaultVariant string, prices map[string]Decimal2) error {
	if _, ok := prices[defaultVariant]; !ok {
		return fmt.Errorf("%w: default variant %q has no price", ErrInvalidServiceConfig, defaultVariant)
	}
	known := make(map[string]struct{}, len(prices))
	for variant, price := range prices {
		known[variant] = struct{}{}
		catalog.prices[variantCatalogKey(serviceKey, variant)] = price
	}
	catalog.variants[serviceKey] = variantRule{
		optionName:     optionName,
		defaultVariant: defaultVariant,
		known:          known,
	}
	return nil
}

// ResolvePrice maps a service plus options to its price in credits.
// Deterministic and read-only. Fails with ErrUnknownService when no
// catalog entry matches even the default-normalized key.
func (catalog *PriceCatalog) ResolvePrice(serviceKey ServiceKey, options VariantOptions) (Decimal2, error) {
	rule, hasVariants := catalog.variants[serviceKey]
	if !hasVariants {
		price, ok := catalog.prices[string(serviceKey)]
		if !ok {
			return Decimal2{}, fmt.Errorf("%w: %q", ErrUnknownService, serviceKey)
		}
		return price, nil
	}
	variant := rule.defaultVariant
	if requested, ok := options[rule.optionName]; ok {
		normalized := strings.ToLower(strings.TrimSpace(requested))
		if _, recognized := rule.known[normalized]; recognized {
			variant = normalized
		}
	}
	price, ok := catalog.prices[variantCatalogKey(serviceKey, variant)]
	if !ok {
		return Decimal2{}, fmt.Errorf("%w: %q", ErrUnknownService, serviceKey)
	}
	return price, nil
}

func variantCatalogKey(serviceKey ServiceKey, variant string) string {
	return string(serviceKey) + ":" + variant
}

// Billable AI services and their variant options.
const (
	ServiceExtractPattern   ServiceKey = "extract_pattern"
	ServiceUpscale          ServiceKey = "upscale"
	ServiceRemoveBackground ServiceKey = "remove_background"
	ServiceColorize         ServiceKey = "colorize"

	OptionPatternType   = "pattern_type"
	OptionUpscaleEngine = "engine"

	PatternTypeSeamless   = "seamless"
	PatternTypePlacement  = "placement"
	UpscaleEngineStandard = "standard"
	UpscaleEngineUltra    = "ultra"
)

// DefaultPriceCatalog seeds the production price list. Defaults:
// extract_pattern prices as the seamless variant, upscale as the
// standard engine.
func DefaultPriceCatalog() *PriceCatalog {
	catalog := NewPriceCatalog()
	// Registration only fails when a default variant is unpriced, which
	// would be a programming error in this seed list.
	_ = catalog.SetVariantPrices(ServiceExtractPattern, OptionPatternType, PatternTypeSeamless, map[string]Decimal2{
		PatternTypeSeamless:  NewDecimal2FromInt(2),
		PatternTypePlacement: NewDecimal2FromInt(3),
	})
	_ = catalog.SetVariantPrices(ServiceUpscale, OptionUpscaleEngine, UpscaleEngineStandard, map[string]Decimal2{
		UpscaleEngineStandard: NewDecimal2FromInt(1),
		UpscaleEngineUltra:    NewDecimal2FromInt(4),
	})
	catalog.SetFlatPrice(ServiceRemoveBackground, NewDecimal2FromInt(1))
	catalog.SetFlatPrice(ServiceColorize, NewDecimal2FromFloat(2.5))
	return catalog
}
