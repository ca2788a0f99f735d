package query

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
)

// PaginationRequest is the pagination object a caller sends.
type PaginationRequest struct {
	Page         *int `json:"page,omitempty"`
	ItemsPerPage *int `json:"items_per_page,omitempty"`
}

// PaginationResult is echoed back with list replies.
type PaginationResult struct {
	Page int `json:"page"`
}

// Pagination is the resolved page window. Limit is the exclusive end index
// of the window and Offset its start.
type Pagination struct {
	Page         int
	ItemsPerPage int
	Limit        int
	Offset       int
}

// ParsePagination resolves the requested page against the resource defaults.
// The page size is capped by maxItemsPerPage.
func ParsePagination(raw json.RawMessage, itemsPerPage, maxItemsPerPage int) (Pagination, error) {
	var req PaginationRequest
	if !jsoncodec.IsNull(raw) {
		if err := jsoncodec.Unmarshal(raw, &req); err != nil {
			return Pagination{}, fmt.Errorf("pagination: %w", err)
		}
	}

	page := max(lo.FromPtrOr(req.Page, 0), 0)
	size := lo.FromPtrOr(req.ItemsPerPage, itemsPerPage)
	if size <= 0 {
		size = itemsPerPage
	}
	if maxItemsPerPage > 0 {
		size = min(size, maxItemsPerPage)
	}
	size = max(size, 1)

	return Pagination{
		Page:         page,
		ItemsPerPage: size,
		Limit:        (page + 1) * size,
		Offset:       page * size,
	}, nil
}

// Result is the navigation data attached to a reply.
func (p Pagination) Result() PaginationResult {
	return PaginationResult{Page: p.Page}
}

// Window returns the page slice of items.
func Window[T any](items []T, p Pagination) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	return items[p.Offset:min(p.Limit, len(items))]
}
