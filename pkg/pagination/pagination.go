// Package pagination parses limit/offset query parameters.
package pagination

import (
	"fmt"
	"strconv"
)

// Params represents pagination query parameters
type Params struct {
	Limit  int
	Offset int
}

// Constants
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Parse parses limit/offset from query string values
func Parse(limitStr, offsetStr string) (*Params, error) {
	limit := DefaultLimit
	offset := 0

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		if l < 1 {
			limit = DefaultLimit
		} else if l > MaxLimit {
			limit = MaxLimit
		} else {
			limit = l
		}
	}

	if offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, fmt.Errorf("invalid offset parameter: %w", err)
		}
		if o > 0 {
			offset = o
		}
	}

	return &Params{Limit: limit, Offset: offset}, nil
}
