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

package stats

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/model"
)

// Period is the trend bucket size.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

// Durations are in seconds.
type Durations struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
}

// Breakdown aggregates the runs sharing one playbook or user.
type Breakdown struct {
	Key         string  `json:"key"`
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	AvgDuration float64 `json:"avg_duration_seconds"`
}

// Bucket is one histogram bar.
type Bucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Histograms groups runs three ways.
type Histograms struct {
	Duration  []Bucket       `json:"duration"`
	HourOfDay [24]int        `json:"hour_of_day"`
	Status    map[string]int `json:"status"`
}

// Stats are the aggregates over a set of runs.
type Stats struct {
	Total       int                  `json:"total"`
	Terminal    int                  `json:"terminal"`
	ByStatus    map[model.Status]int `json:"by_status"`
	SuccessRate float64              `json:"success_rate"`
	Duration    Durations            `json:"duration"`
	ByPlaybook  []Breakdown          `json:"by_playbook"`
	ByUser      []Breakdown          `json:"by_user"`
	Histograms  Histograms           `json:"histograms"`
}

// TrendPoint aggregates one period bucket.
type TrendPoint struct {
	Period      string    `json:"period"`
	Start       time.Time `json:"start"`
	Total       int       `json:"total"`
	Success     int       `json:"success"`
	Failed      int       `json:"failed"`
	SuccessRate float64   `json:"success_rate"`
	AvgDuration float64   `json:"avg_duration_seconds"`
}

// durationBuckets are the upper bounds of the duration histogram. The last
// bucket is unbounded.
var durationBuckets = []struct {
	label string
	upper time.Duration
}{
	{"<1m", time.Minute},
	{"1-5m", 5 * time.Minute},
	{"5-15m", 15 * time.Minute},
	{"15-30m", 30 * time.Minute},
	{"30-60m", time.Hour},
	{">=60m", 0},
}

// Summarize aggregates the runs created in [from, to). A zero bound is
// open. Records outside the window are ignored.
func Summarize(records []*backend.Run, from, to time.Time) *Stats {
	s := &Stats{
		ByStatus: make(map[model.Status]int),
		Histograms: Histograms{
			Duration: make([]Bucket, len(durationBuckets)),
			Status:   make(map[string]int),
		},
	}
	for i, b := range durationBuckets {
		s.Histograms.Duration[i].Label = b.label
	}

	playbooks := map[string]*tally{}
	users := map[string]*tally{}
	var overall tally
	var durations []float64

	for _, r := range records {
		if !from.IsZero() && r.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !r.CreatedAt.Before(to) {
			continue
		}

		s.Total++
		s.ByStatus[r.Status]++
		s.Histograms.Status[string(r.Status)]++
		s.Histograms.HourOfDay[r.CreatedAt.UTC().Hour()]++

		overall.add(r)
		tallyFor(playbooks, r.Playbook).add(r)
		tallyFor(users, r.UserID).add(r)

		if r.Status.IsTerminal() && r.StartedAt != nil {
			durations = append(durations, r.DurationSeconds)
			s.Histograms.Duration[durationBucket(r.DurationSeconds)].Count++
		}
	}

	s.Terminal = overall.terminal
	s.SuccessRate = overall.rate()
	s.Duration = summarizeDurations(durations)
	s.ByPlaybook = breakdowns(playbooks)
	s.ByUser = breakdowns(users)
	return s
}

// Trend buckets the runs created in [from, to) by period. Every bucket in
// the window is present, including empty ones.
func Trend(records []*backend.Run, period Period, from, to time.Time) []TrendPoint {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return []TrendPoint{}
	}

	var points []TrendPoint
	tallies := map[string]*tally{}
	index := map[string]int{}
	for start := bucketStart(from, period); start.Before(to); start = nextBucket(start, period) {
		key := bucketKey(start, period)
		index[key] = len(points)
		tallies[key] = &tally{}
		points = append(points, TrendPoint{Period: key, Start: start})
	}

	for _, r := range records {
		if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
			continue
		}
		if t, ok := tallies[bucketKey(bucketStart(r.CreatedAt, period), period)]; ok {
			t.add(r)
		}
	}

	for key, i := range index {
		t := tallies[key]
		points[i].Total = t.total
		points[i].Success = t.success
		points[i].Failed = t.failed
		points[i].SuccessRate = t.rate()
		points[i].AvgDuration = t.avgDuration()
	}
	return points
}

// SuccessRate is success / terminal × 100 rounded to two decimals, or 0
// when no run is terminal.
func SuccessRate(success, terminal int) float64 {
	if terminal == 0 {
		return 0
	}
	return round2(float64(success) / float64(terminal) * 100)
}

type tally struct {
	total    int
	terminal int
	success  int
	failed   int
	timed    int
	seconds  float64
}

func tallyFor(m map[string]*tally, key string) *tally {
	t, ok := m[key]
	if !ok {
		t = &tally{}
		m[key] = t
	}
	return t
}

func (t *tally) add(r *backend.Run) {
	t.total++
	if !r.Status.IsTerminal() {
		return
	}
	t.terminal++
	switch r.Status {
	case model.StatusSuccess:
		t.success++
	case model.StatusFailed:
		t.failed++
	}
	if r.StartedAt != nil {
		t.timed++
		t.seconds += r.DurationSeconds
	}
}

func (t *tally) rate() float64 { return SuccessRate(t.success, t.terminal) }

func (t *tally) avgDuration() float64 {
	if t.timed == 0 {
		return 0
	}
	return round2(t.seconds / float64(t.timed))
}

func breakdowns(m map[string]*tally) []Breakdown {
	out := make([]Breakdown, 0, len(m))
	for key, t := range m {
		out = append(out, Breakdown{
			Key:         key,
			Total:       t.total,
			Success:     t.success,
			Failed:      t.failed,
			SuccessRate: t.rate(),
			AvgDuration: t.avgDuration(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func summarizeDurations(d []float64) Durations {
	if len(d) == 0 {
		return Durations{}
	}
	sort.Float64s(d)
	var sum float64
	for _, v := range d {
		sum += v
	}
	return Durations{
		Count: len(d),
		Min:   round2(d[0]),
		Avg:   round2(sum / float64(len(d))),
		Max:   round2(d[len(d)-1]),
		P50:   round2(percentile(d, 50)),
		P95:   round2(percentile(d, 95)),
	}
}

// percentile uses the nearest-rank method over sorted values.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func durationBucket(seconds float64) int {
	d := time.Duration(seconds * float64(time.Second))
	for i, b := range durationBuckets {
		if b.upper == 0 || d < b.upper {
			return i
		}
	}
	return len(durationBuckets) - 1
}

func bucketStart(t time.Time, period Period) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case PeriodWeek:
		// ISO weeks start on Monday.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

func nextBucket(start time.Time, period Period) time.Time {
	switch period {
	case PeriodWeek:
		return start.AddDate(0, 0, 7)
	case PeriodMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

func bucketKey(start time.Time, period Period) string {
	switch period {
	case PeriodWeek:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case PeriodMonth:
		return start.Format("2006-01")
	default:
		return start.Format("2006-01-02")
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
