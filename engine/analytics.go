package engine

import (
	"context"
	"math"
	"time"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/store"
)

// ReportDays is the window of the dashboard totals and the weekly report.
const ReportDays = 7

// Dashboard is a user's activity at a glance.
type Dashboard struct {
	Today       core.Counters         `json:"today"`
	Remaining   map[core.Action]int64 `json:"remaining"`
	Week        core.Counters         `json:"week"`
	SuccessRate float64               `json:"success_rate"`
	Trend       float64               `json:"trend"`
	Days        []core.Counters       `json:"days"`
	Queue       core.QueueStats       `json:"queue"`
	Breaker     string                `json:"breaker"`
	Session     core.SessionState     `json:"session"`
}

// Dashboard gathers today's counters, the budget left, 7-day totals and the
// success rate of the attempts logged in that window.
func (e *Engine) Dashboard(ctx context.Context, userID string) (Dashboard, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return Dashboard{}, err
	}
	now := e.now()
	days, stats, err := e.window(ctx, userID, now)
	if err != nil {
		return Dashboard{}, err
	}
	qs, err := e.sched.Stats(ctx, userID)
	if err != nil {
		return Dashboard{}, err
	}
	d := Dashboard{
		Today:       days[len(days)-1],
		Remaining:   qs.Remaining,
		Week:        sum(days),
		SuccessRate: round1(stats.SuccessRate() * 100),
		Trend:       trend(days),
		Days:        days,
		Queue:       qs.Queue,
		Breaker:     qs.Breaker,
		Session:     e.browsers.Status(userID),
	}
	return d, nil
}

// WeeklyReport summarizes the last ReportDays days.
type WeeklyReport struct {
	From              string           `json:"from"`
	To                string           `json:"to"`
	TotalActions      int64            `json:"total_actions"`
	AvgDailyActions   float64          `json:"avg_daily_actions"`
	SuccessRate       float64          `json:"success_rate"`
	Breakdown         core.Counters    `json:"breakdown"`
	MostProductiveDay string           `json:"most_productive_day,omitempty"`
	Trend             float64          `json:"trend"`
	Errors            map[string]int64 `json:"errors"`
	Days              []core.Counters  `json:"days"`
}

// WeeklyReport builds the per-day breakdown of the last ReportDays days.
func (e *Engine) WeeklyReport(ctx context.Context, userID string) (WeeklyReport, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return WeeklyReport{}, err
	}
	days, stats, err := e.window(ctx, userID, e.now())
	if err != nil {
		return WeeklyReport{}, err
	}
	total := sum(days)
	r := WeeklyReport{
		From:            days[0].Date,
		To:              days[len(days)-1].Date,
		TotalActions:    total.Total(),
		AvgDailyActions: round1(float64(total.Total()) / float64(len(days))),
		SuccessRate:     round1(stats.SuccessRate() * 100),
		Breakdown:       total,
		Trend:           trend(days),
		Errors:          stats.ByError,
		Days:            days,
	}
	var best int64
	for _, d := range days {
		if d.Total() > best {
			best, r.MostProductiveDay = d.Total(), d.Date
		}
	}
	return r, nil
}

func (e *Engine) window(ctx context.Context, userID string, now time.Time) ([]core.Counters, store.ActionStats, error) {
	from := now.AddDate(0, 0, -(ReportDays - 1))
	days, err := e.store.UsageRange(ctx, userID, from, now)
	if err != nil {
		return nil, store.ActionStats{}, err
	}
	dayStart := from.UTC().Truncate(24 * time.Hour)
	stats, err := e.store.ActionStatsSince(ctx, userID, dayStart)
	if err != nil {
		return nil, store.ActionStats{}, err
	}
	return days, stats, nil
}

func sum(days []core.Counters) core.Counters {
	var t core.Counters
	for _, d := range days {
		t = t.Add(d)
	}
	return t
}

// dayRate is the share of a day's attempts that succeeded, in percent.
func dayRate(c core.Counters) float64 {
	n := c.Total() + c.Errors
	if n == 0 {
		return 0
	}
	return float64(c.Total()) / float64(n) * 100
}

// trend compares the mean daily success rate of the last three days with
// the three before, as a percentage change. 0 when the earlier mean is 0.
func trend(days []core.Counters) float64 {
	if len(days) < 6 {
		return 0
	}
	mean := func(ds []core.Counters) float64 {
		var s float64
		for _, d := range ds {
			s += dayRate(d)
		}
		return s / float64(len(ds))
	}
	n := len(days)
	recent, previous := mean(days[n-3:]), mean(days[n-6:n-3])
	if previous == 0 {
		return 0
	}
	return round1((recent - previous) / previous * 100)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
