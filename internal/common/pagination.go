package common

import (
	"net/http"
	"strconv"
)

// Pagination holds pagination metadata for list responses.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalItems int  `json:"total_items"`
	HasMore    bool `json:"has_more"`
}

// ParsePagination extracts page and per-page parameters from query values.
// perPage is capped at maxPerPage when maxPerPage is positive.
func ParsePagination(r *http.Request, defaultPerPage, maxPerPage int) (page, perPage int) {
	page = 1
	perPage = defaultPerPage
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		perPage = l
	}
	if maxPerPage > 0 && perPage > maxPerPage {
		perPage = maxPerPage
	}
	return
}

// Offset returns the number of items preceding page.
func Offset(page, perPage int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * perPage
}
