package stockcount

import "stockledger/internal/core/numerator"

const (
	// NumberPrefix of stock count numbers (SC-2024-00001).
	NumberPrefix = "SC"

	// NumeratorStrategy defines the numbering strategy for stock counts.
	// Strict keeps the sequence gap-free.
	NumeratorStrategy = numerator.StrategyStrict
)
