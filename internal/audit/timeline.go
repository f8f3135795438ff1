package audit

import (
	"context"
	"fmt"
	"time"
)

// TimelineFilters narrows the audit history of a tenant.
type TimelineFilters struct {
	TenantID    int64
	From        time.Time
	To          time.Time
	UserID      int64
	Model       string
	Action      Action
	PendingOnly bool
	Page        int
	PageSize    int
}

// PagingInfo carries simple page navigation.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Rows   []Audit
	Paging PagingInfo
}

// Timeline returns one page of a tenant's audits, newest first.
func (l *Ledger) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if filters.TenantID <= 0 {
		return Result{}, fmt.Errorf("audit: timeline requires an instance")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	q := Query{
		TenantID: int64Ptr(filters.TenantID),
		Model:    filters.Model,
		UserID:   filters.UserID,
		From:     filters.From,
		To:       filters.To,
		Pending:  filters.PendingOnly,
		Newest:   true,
		Offset:   (page - 1) * pageSize,
		Limit:    pageSize + 1,
	}
	if filters.Action != 0 {
		q.Actions = []Action{filters.Action}
	}
	rows, err := l.repo.Audits(ctx, q)
	if err != nil {
		return Result{}, fmt.Errorf("audit: timeline: %w", err)
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}
