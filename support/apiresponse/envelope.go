// Package apiresponse implements the API response envelope, error codes,
// and pagination shared by every control plane surface.
package apiresponse

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Meta carries per-call metadata.
type Meta struct {
	RequestID  string `json:"requestId"`
	Timestamp  string `json:"timestamp"`
	DurationMs *int64 `json:"durationMs,omitempty"`
}

// Response is the uniform envelope for every API call.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

func newMeta(now time.Time) *Meta {
	return &Meta{
		RequestID: uuid.NewString(),
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// OK wraps data in a success envelope.
func OK(data interface{}) Response {
	return Response{Success: true, Data: data, Meta: newMeta(time.Now())}
}

// Fail wraps err in a failure envelope. Errors without a code surface as
// INTERNAL.
func Fail(err error) Response {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Code: CodeInternal, Message: err.Error()}
	}
	return Response{Success: false, Error: e, Meta: newMeta(time.Now())}
}

const (
	// DefaultPageSize applies when a page request leaves PageSize zero.
	DefaultPageSize = 20
	// MaxPageSize caps any requested page size.
	MaxPageSize = 100
)

// PageRequest selects one page of a listing. Page is 1-indexed.
type PageRequest struct {
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
	Cursor   string `json:"cursor,omitempty"`
}

// Normalize clamps the request to the configured bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Page is one page of results.
type Page[T any] struct {
	Items      []T    `json:"items"`
	Total      int    `json:"total"`
	PageNum    int    `json:"page"`
	PageSize   int    `json:"pageSize"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Paginate slices items according to req. The input slice must already be
// in the desired order.
func Paginate[T any](items []T, req PageRequest) Page[T] {
	req = req.Normalize()
	total := len(items)
	start := (req.Page - 1) * req.PageSize
	if start > total {
		start = total
	}
	end := start + req.PageSize
	if end > total {
		end = total
	}
	return Page[T]{
		Items:    items[start:end],
		Total:    total,
		PageNum:  req.Page,
		PageSize: req.PageSize,
		HasMore:  end < total,
	}
}
