// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stats answers history, statistics and export queries over run
// records, and implements retention cleanup.
//
// Everything here is read-only except the Janitor. Results depend only on
// the stored records and the query, so repeated calls return the same data.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/model"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// Paging limits for History.
const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// Aggregator reads run records for history and statistics.
type Aggregator struct {
	store backend.RunLister
	now   func() time.Time
}

// NewAggregator creates an Aggregator over store.
func NewAggregator(store backend.RunLister) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Query selects a page of run history.
type Query struct {
	UserID   string
	Status   model.Status
	Playbook string
	From     time.Time
	To       time.Time
	Search   string

	Skip  int
	Limit int

	SortBy    string
	SortOrder string
}

// Page is one page of history.
type Page struct {
	Items   []*backend.Run `json:"items"`
	Total   int            `json:"total"`
	HasMore bool           `json:"has_more"`
	Skip    int            `json:"skip"`
	Limit   int            `json:"limit"`
}

// Filter validates q and converts it to a store filter. Limit defaults to
// DefaultLimit and is capped at MaxLimit.
func (q Query) Filter() (backend.RunFilter, error) {
	verrs := &stagehanderrors.ValidationErrors{}

	if q.Status != "" && !q.Status.Valid() {
		verrs.Add("status", "unknown status %q", q.Status)
	}
	if q.SortBy != "" {
		if _, ok := backend.SortFields[q.SortBy]; !ok {
			verrs.Add("sort_by", "cannot sort by %q", q.SortBy)
		}
	}
	if q.SortOrder != "" && q.SortOrder != backend.SortAsc && q.SortOrder != backend.SortDesc {
		verrs.Add("sort_order", "must be %q or %q", backend.SortAsc, backend.SortDesc)
	}
	if q.Skip < 0 {
		verrs.Add("skip", "must not be negative")
	}
	if q.Limit < 0 {
		verrs.Add("limit", "must not be negative")
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		verrs.Add("to", "must not be before from")
	}
	if err := verrs.OrNil(); err != nil {
		return backend.RunFilter{}, err
	}

	limit := q.Limit
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	return backend.RunFilter{
		UserID:      q.UserID,
		Status:      q.Status,
		Playbook:    q.Playbook,
		CreatedFrom: q.From,
		CreatedTo:   q.To,
		Search:      q.Search,
		SortBy:      q.SortBy,
		SortOrder:   q.SortOrder,
		Skip:        q.Skip,
		Limit:       limit,
	}, nil
}

// History returns one page of runs matching q.
func (a *Aggregator) History(ctx context.Context, q Query) (*Page, error) {
	filter, err := q.Filter()
	if err != nil {
		return nil, err
	}
	runs, total, err := a.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return &Page{
		Items:   runs,
		Total:   total,
		HasMore: filter.Skip+len(runs) < total,
		Skip:    filter.Skip,
		Limit:   filter.Limit,
	}, nil
}

// StatsQuery selects the window and scope of Statistics.
type StatsQuery struct {
	Period   Period
	Days     int
	Playbook string
	UserID   string
}

// Statistics window limits, in days.
const (
	DefaultDays = 30
	MaxDays     = 366
)

// Report is the answer to a statistics query.
type Report struct {
	From   time.Time    `json:"from"`
	To     time.Time    `json:"to"`
	Period Period       `json:"period"`
	Trend  []TrendPoint `json:"trend"`
	*Stats
}

// Statistics aggregates runs created in the last Days days.
func (a *Aggregator) Statistics(ctx context.Context, q StatsQuery) (*Report, error) {
	verrs := &stagehanderrors.ValidationErrors{}
	if q.Period == "" {
		q.Period = PeriodDay
	}
	if !q.Period.Valid() {
		verrs.Add("period", "must be one of day, week, month")
	}
	if q.Days == 0 {
		q.Days = DefaultDays
	}
	if q.Days < 0 || q.Days > MaxDays {
		verrs.Add("days", "must be between 1 and %d", MaxDays)
	}
	if err := verrs.OrNil(); err != nil {
		return nil, err
	}

	to := a.now().UTC()
	from := to.AddDate(0, 0, -q.Days)

	runs, err := a.collect(ctx, backend.RunFilter{
		CreatedFrom: from,
		CreatedTo:   to,
		Playbook:    q.Playbook,
		UserID:      q.UserID,
	})
	if err != nil {
		return nil, err
	}

	return &Report{
		From:   from,
		To:     to,
		Period: q.Period,
		Trend:  Trend(runs, q.Period, from, to),
		Stats:  Summarize(runs, from, to),
	}, nil
}

// SuccessRate returns the success rate of runs created within window, and
// the number of terminal runs it is based on.
func (a *Aggregator) SuccessRate(ctx context.Context, window time.Duration) (float64, int, error) {
	to := a.now().UTC()
	from := to.Add(-window)
	runs, err := a.collect(ctx, backend.RunFilter{CreatedFrom: from, CreatedTo: to, TerminalOnly: true})
	if err != nil {
		return 0, 0, err
	}
	s := Summarize(runs, from, to)
	return s.SuccessRate, s.Terminal, nil
}

// collectBatch is the page size used when reading every match.
const collectBatch = 500

// collect reads every run matching filter, oldest first.
func (a *Aggregator) collect(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	filter.SortBy = "created_at"
	filter.SortOrder = backend.SortAsc
	filter.Limit = collectBatch

	var out []*backend.Run
	for {
		runs, total, err := a.store.ListRuns(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		out = append(out, runs...)
		filter.Skip += len(runs)
		if len(runs) == 0 || filter.Skip >= total {
			return out, nil
		}
	}
}
