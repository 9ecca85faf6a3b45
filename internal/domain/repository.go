// Package domain provides types shared by the domain packages.
package domain

// --- Filter & Pagination ---

// ListFilter contains common pagination options for list operations.
type ListFilter struct {
	// OrderBy specifies sorting (e.g., "number", "-counted_at")
	OrderBy string

	// Pagination
	Limit  int
	Offset int
}

// MaxListLimit caps page size.
const MaxListLimit = 500

// DefaultListFilter returns sensible defaults.
func DefaultListFilter() ListFilter {
	return ListFilter{
		Limit:   50,
		OrderBy: "-counted_at",
	}
}

// Normalize clamps limit and offset into range.
func (f *ListFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// ListResult contains paginated results.
type ListResult[T any] struct {
	Items      []T   `json:"items"`
	TotalCount int64 `json:"totalCount"`
	Limit      int   `json:"limit"`
	Offset     int   `json:"offset"`
}
