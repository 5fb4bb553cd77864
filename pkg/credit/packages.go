package credit

// Package identifiers offered for purchase.
const (
	PackageStarter  = "starter"
	PackageStandard = "standard"
	PackagePro      = "pro"
)

// DefaultPackages returns the stock catalog seeded at deployment time.
// Bonus credits are granted on top of the paid-in amount; the deduction
// rate is withheld from the cash refund of refundable packages.
func DefaultPackages() []Package {
	return []Package{
		{
			PackageID:     mustCatalogPackageID(PackageStarter),
			Price:         mustCatalogDecimal("20.00"),
			BonusCredits:  Zero2,
			TotalCredits:  mustCatalogDecimal("20.00"),
			RefundPolicy:  RefundPolicyNonRefundable,
			DeductionRate: Zero2,
		},
		{
			PackageID:     mustCatalogPackageID(PackageStandard),
			Price:         mustCatalogDecimal("100.00"),
			BonusCredits:  mustCatalogDecimal("10.00"),
			TotalCredits:  mustCatalogDecimal("110.00"),
			RefundPolicy:  RefundPolicyRefundable,
			DeductionRate: mustCatalogDecimal("0.20"),
		},
		{
			PackageID:     mustCatalogPackageID(PackagePro),
			Price:         mustCatalogDecimal("500.00"),
			BonusCredits:  mustCatalogDecimal("75.00"),
			TotalCredits:  mustCatalogDecimal("575.00"),
			RefundPolicy:  RefundPolicyRefundable,
			DeductionRate: mustCatalogDecimal("0.20"),
		},
	}
}

func mustCatalogPackageID(raw string) PackageID {
	packageID, err := NewPackageID(raw)
	if err != nil {
		panic(err)
	}
	return packageID
}

func mustCatalogDecimal(raw string) Decimal2 {
	value, err := NewDecimal2FromString(raw)
	if err != nil {
		panic(err)
	}
	return value
}
