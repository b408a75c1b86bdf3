package issues

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	opParsePage = "issues.parse_page"

	// DefaultPageSize applies when no page size is configured.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps client supplied page sizes when no cap is configured.
	DefaultMaxPageSize = 500
)

var errInvalidPage = errors.New("page must be a positive integer")

// PageRequest selects one page of a listing. Pages are 1-based.
type PageRequest struct {
	Page     int
	PageSize int
}

// Offset returns the number of rows preceding the page.
func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// HasNext reports whether rows remain after this page.
func (p PageRequest) HasNext(total int64) bool {
	return int64(p.Offset()+p.PageSize) < total
}

// HasPrevious reports whether this page follows another.
func (p PageRequest) HasPrevious() bool {
	return p.Page > 1
}

// NewPageRequest parses raw page and page_size values. Empty values fall back to page 1
// and the default size; sizes above maxPageSize are clamped.
func NewPageRequest(rawPage, rawPageSize string, defaultPageSize, maxPageSize int) (PageRequest, error) {
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}

	page := 1
	if trimmed := strings.TrimSpace(rawPage); trimmed != "" {
		value, err := strconv.Atoi(trimmed)
		if err != nil || value < 1 {
			return PageRequest{}, newValidationError(opParsePage, "invalid_page", "page", fmt.Errorf("%w: %q", errInvalidPage, trimmed))
		}
		page = value
	}

	pageSize := defaultPageSize
	if trimmed := strings.TrimSpace(rawPageSize); trimmed != "" {
		value, err := strconv.Atoi(trimmed)
		if err != nil || value < 1 {
			return PageRequest{}, newValidationError(opParsePage, "invalid_page_size", "page_size", fmt.Errorf("%w: %q", errInvalidPage, trimmed))
		}
		pageSize = min(value, maxPageSize)
	}

	return PageRequest{Page: page, PageSize: pageSize}, nil
}

// checkPageInRange rejects pages past the last non-empty page. Page 1 is always valid.
func checkPageInRange(operation string, page PageRequest, total int64) error {
	if page.Page > 1 && int64(page.Offset()) >= total {
		return newNotFoundError(operation, "invalid_page", fmt.Errorf("page %d beyond %d results", page.Page, total))
	}
	return nil
}
