package storage

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Pageable carries paging and sort parameters for list queries.
type Pageable struct {
	Page int
	Size int
	Sort string
}

// Offset returns the SQL offset for the page.
func (p Pageable) Offset() int {
	if p.Page < 0 {
		return 0
	}
	return p.Page * p.Limit()
}

// Limit returns the SQL limit for the page, clamped to the allowed range.
func (p Pageable) Limit() int {
	if p.Size <= 0 {
		return DefaultPageSize
	}
	if p.Size > MaxPageSize {
		return MaxPageSize
	}
	return p.Size
}

// Page is one page of results plus totals for the client.
type Page[T any] struct {
	Content       []T   `json:"content"`
	Page          int   `json:"page"`
	Size          int   `json:"size"`
	TotalElements int64 `json:"total_elements"`
}

// NewPage assembles a result page.
func NewPage[T any](content []T, pageable Pageable, total int64) Page[T] {
	if content == nil {
		content = []T{}
	}
	return Page[T]{
		Content:       content,
		Page:          pageable.Page,
		Size:          pageable.Limit(),
		TotalElements: total,
	}
}
