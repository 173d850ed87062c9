package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// AggregationPeriod represents different time periods for aggregation
type AggregationPeriod string

const (
	PeriodDaily   AggregationPeriod = "daily"
	PeriodWeekly  AggregationPeriod = "weekly"
	PeriodMonthly AggregationPeriod = "monthly"
)

// AggregatedData is a rollup of PointStats over one period.
type AggregatedData struct {
	Period    AggregationPeriod `json:"period"`
	Key       string            `json:"key"` // "2024-01-01", "2024-W01" or "2024-01"
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`

	ActivePersons   int   `json:"active_persons"`
	PointsAwarded   int64 `json:"points_awarded"`
	PointsPenalized int64 `json:"points_penalized"`
	GroupDelta      int64 `json:"group_delta"`
	CapsReached     int64 `json:"caps_reached"`

	CreatedAt time.Time `json:"created_at"`
}

// AggregationEngine periodically rolls PointStats up into daily, weekly and
// monthly buckets.
type AggregationEngine struct {
	mu sync.RWMutex

	stats  *PointStats
	logger *slog.Logger
	now    func() time.Time

	daily   map[string]*AggregatedData
	weekly  map[string]*AggregatedData
	monthly map[string]*AggregatedData

	interval        time.Duration
	lastAggregation time.Time
}

func NewAggregationEngine(stats *PointStats, interval time.Duration, logger *slog.Logger) *AggregationEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &AggregationEngine{
		stats:    stats,
		logger:   logger,
		now:      time.Now,
		daily:    make(map[string]*AggregatedData),
		weekly:   make(map[string]*AggregatedData),
		monthly:  make(map[string]*AggregatedData),
		interval: interval,
	}
}

// AggregateNow rolls up the periods containing the current time.
func (ae *AggregationEngine) AggregateNow() {
	ae.AggregateAt(ae.now())
}

// AggregateAt rolls up the periods containing t.
func (ae *AggregationEngine) AggregateAt(t time.Time) {
	t = t.UTC()
	ae.mu.Lock()
	defer ae.mu.Unlock()
	d := ae.rollup(PeriodDaily, t)
	ae.daily[d.Key] = d
	w := ae.rollup(PeriodWeekly, t)
	ae.weekly[w.Key] = w
	m := ae.rollup(PeriodMonthly, t)
	ae.monthly[m.Key] = m
	ae.lastAggregation = t
}

func (ae *AggregationEngine) rollup(period AggregationPeriod, t time.Time) *AggregatedData {
	var start, end time.Time
	var key string
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	data := &AggregatedData{Period: period, CreatedAt: t}

	switch period {
	case PeriodDaily:
		start, end, key = midnight, midnight.AddDate(0, 0, 1), dayKey(t)
		data.ActivePersons = ae.stats.ActiveOnDay(key)
	case PeriodWeekly:
		sinceMonday := (int(t.Weekday()) + 6) % 7
		start = midnight.AddDate(0, 0, -sinceMonday)
		end, key = start.AddDate(0, 0, 7), weekKey(t)
		data.ActivePersons = ae.stats.ActiveInWeek(key)
	case PeriodMonthly:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end, key = start.AddDate(0, 1, 0), monthKey(t)
		data.ActivePersons = ae.stats.ActiveInMonth(key)
	}
	data.Key, data.StartTime, data.EndTime = key, start, end

	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		k := dayKey(day)
		data.PointsAwarded += ae.stats.AwardedOnDay(k)
		data.PointsPenalized += ae.stats.PenalizedOnDay(k)
		data.GroupDelta += ae.stats.GroupDeltaOnDay(k)
		data.CapsReached += ae.stats.CapsReachedOnDay(k)
	}
	return data
}

// Get returns aggregated data for a period and key.
func (ae *AggregationEngine) Get(period AggregationPeriod, key string) (*AggregatedData, bool) {
	ae.mu.RLock()
	defer ae.mu.RUnlock()
	buckets := ae.buckets(period)
	if buckets == nil {
		return nil, false
	}
	data, ok := buckets[key]
	return data, ok
}

// All returns every bucket of a period ordered by key.
func (ae *AggregationEngine) All(period AggregationPeriod) []*AggregatedData {
	ae.mu.RLock()
	defer ae.mu.RUnlock()
	buckets := ae.buckets(period)
	out := make([]*AggregatedData, 0, len(buckets))
	for _, d := range buckets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (ae *AggregationEngine) buckets(period AggregationPeriod) map[string]*AggregatedData {
	switch period {
	case PeriodDaily:
		return ae.daily
	case PeriodWeekly:
		return ae.weekly
	case PeriodMonthly:
		return ae.monthly
	}
	return nil
}

// LastAggregation reports when the engine last rolled up.
func (ae *AggregationEngine) LastAggregation() time.Time {
	ae.mu.RLock()
	defer ae.mu.RUnlock()
	return ae.lastAggregation
}

// Start aggregates immediately and then on every interval until ctx ends.
func (ae *AggregationEngine) Start(ctx context.Context) {
	ticker := time.NewTicker(ae.interval)
	defer ticker.Stop()

	ae.AggregateNow()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ae.AggregateNow()
			ae.logger.Debug("analytics aggregated", slog.Time("at", ae.LastAggregation()))
		}
	}
}

// Export encodes every bucket of a period as indented JSON.
func (ae *AggregationEngine) Export(period AggregationPeriod) ([]byte, error) {
	return json.MarshalIndent(ae.All(period), "", "  ")
}
