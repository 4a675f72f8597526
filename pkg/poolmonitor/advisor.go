package poolmonitor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Priority ranks a recommendation
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Settings named by recommendations
const (
	SettingMaxConnections       = "max_connections"
	SettingMinConnections       = "min_connections"
	SettingConnectionValidation = "connection_validation"
	SettingAcquisitionTimeout   = "acquisition_timeout"
)

// Recommendation is one suggested pool setting change
type Recommendation struct {
	Setting          string   `json:"setting"`
	CurrentValue     string   `json:"current_value"`
	RecommendedValue string   `json:"recommended_value"`
	Priority         Priority `json:"priority"`
	Reason           string   `json:"reason"`
}

// AdvisorConfig holds the rule thresholds
type AdvisorConfig struct {
	Lookback                  time.Duration
	HighUtilization           float64
	LowUtilization            float64
	MaxConnectionsCeiling     int
	MaxConnectionsFloor       int
	SlowAcquisitionMs         float64
	ErrorThreshold            int64
	StalledAcquisitionMs      float64
	RecommendedAcquireTimeout time.Duration
}

// DefaultAdvisorConfig returns the standard thresholds
func DefaultAdvisorConfig() AdvisorConfig {
	return AdvisorConfig{
		Lookback:                  24 * time.Hour,
		HighUtilization:           0.8,
		LowUtilization:            0.3,
		MaxConnectionsCeiling:     100,
		MaxConnectionsFloor:       5,
		SlowAcquisitionMs:         50,
		ErrorThreshold:            10,
		StalledAcquisitionMs:      1000,
		RecommendedAcquireTimeout: 5 * time.Second,
	}
}

// Advisor turns recent pool samples into sizing recommendations
type Advisor struct {
	monitor *Monitor
	config  AdvisorConfig
}

// NewAdvisor creates an advisor reading samples through monitor. Zero
// fields in cfg take the defaults.
func NewAdvisor(monitor *Monitor, cfg AdvisorConfig) *Advisor {
	def := DefaultAdvisorConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.HighUtilization <= 0 {
		cfg.HighUtilization = def.HighUtilization
	}
	if cfg.LowUtilization <= 0 {
		cfg.LowUtilization = def.LowUtilization
	}
	if cfg.MaxConnectionsCeiling <= 0 {
		cfg.MaxConnectionsCeiling = def.MaxConnectionsCeiling
	}
	if cfg.MaxConnectionsFloor <= 0 {
		cfg.MaxConnectionsFloor = def.MaxConnectionsFloor
	}
	if cfg.SlowAcquisitionMs <= 0 {
		cfg.SlowAcquisitionMs = def.SlowAcquisitionMs
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.StalledAcquisitionMs <= 0 {
		cfg.StalledAcquisitionMs = def.StalledAcquisitionMs
	}
	if cfg.RecommendedAcquireTimeout <= 0 {
		cfg.RecommendedAcquireTimeout = def.RecommendedAcquireTimeout
	}
	return &Advisor{monitor: monitor, config: cfg}
}

// summary aggregates the samples of the lookback period
type summary struct {
	minConfigured  int
	maxConfigured  int
	maxUsed        int
	avgWaitMs      float64
	maxWaitMs      float64
	maxWindowError int64
	totalErrors    int64
}

func summarize(samples []Sample) summary {
	var s summary
	var weighted float64
	var count int64
	for _, sample := range samples {
		// samples are oldest first, so the last bounds win
		s.minConfigured = sample.MinConnections
		s.maxConfigured = sample.MaxConnections
		s.maxUsed = maxInt(s.maxUsed, sample.ActiveConnections)
		s.maxWaitMs = maxFloat(s.maxWaitMs, sample.MaxWaitTimeMs)
		if sample.ErrorCount > s.maxWindowError {
			s.maxWindowError = sample.ErrorCount
		}
		s.totalErrors += sample.ErrorCount
		weighted += sample.AvgWaitTimeMs * float64(sample.AcquisitionCount)
		count += sample.AcquisitionCount
	}
	if count > 0 {
		s.avgWaitMs = weighted / float64(count)
	}
	return s
}

// GetRecommendations evaluates every rule independently over the lookback
// period. No samples means no recommendations.
func (a *Advisor) GetRecommendations(ctx context.Context) ([]Recommendation, error) {
	samples, err := a.monitor.statsSince(ctx, a.monitor.now().Add(-a.config.Lookback))
	if err != nil {
		return nil, err
	}
	return a.evaluate(samples), nil
}

func (a *Advisor) evaluate(samples []Sample) []Recommendation {
	recs := []Recommendation{}
	if len(samples) == 0 {
		return recs
	}
	s := summarize(samples)
	cfg := a.config

	if s.maxConfigured > 0 {
		used := float64(s.maxUsed)
		limit := float64(s.maxConfigured)
		switch {
		case used > cfg.HighUtilization*limit:
			target := int(math.Min(float64(cfg.MaxConnectionsCeiling), math.Ceil(limit*1.5)))
			if target > s.maxConfigured {
				recs = append(recs, Recommendation{
					Setting:          SettingMaxConnections,
					CurrentValue:     strconv.Itoa(s.maxConfigured),
					RecommendedValue: strconv.Itoa(target),
					Priority:         PriorityHigh,
					Reason: fmt.Sprintf("peak usage of %d connections exceeds %.0f%% of the configured maximum",
						s.maxUsed, cfg.HighUtilization*100),
				})
			}
		case used < cfg.LowUtilization*limit:
			target := int(math.Max(float64(cfg.MaxConnectionsFloor), math.Floor(limit*0.7)))
			if target < s.maxConfigured {
				recs = append(recs, Recommendation{
					Setting:          SettingMaxConnections,
					CurrentValue:     strconv.Itoa(s.maxConfigured),
					RecommendedValue: strconv.Itoa(target),
					Priority:         PriorityMedium,
					Reason: fmt.Sprintf("peak usage of %d connections stays below %.0f%% of the configured maximum",
						s.maxUsed, cfg.LowUtilization*100),
				})
			}
		}
	}

	if s.avgWaitMs > cfg.SlowAcquisitionMs {
		target := maxInt(s.minConfigured+2, int(math.Ceil(float64(s.minConfigured)*1.5)))
		if s.maxConfigured > 0 && target > s.maxConfigured {
			target = s.maxConfigured
		}
		recs = append(recs, Recommendation{
			Setting:          SettingMinConnections,
			CurrentValue:     strconv.Itoa(s.minConfigured),
			RecommendedValue: strconv.Itoa(target),
			Priority:         PriorityHigh,
			Reason:           fmt.Sprintf("average acquisition time %.1fms exceeds %.0fms", s.avgWaitMs, cfg.SlowAcquisitionMs),
		})
	}

	if s.maxWindowError > cfg.ErrorThreshold {
		recs = append(recs, Recommendation{
			Setting:          SettingConnectionValidation,
			CurrentValue:     "disabled",
			RecommendedValue: "enabled",
			Priority:         PriorityHigh,
			Reason: fmt.Sprintf("%d query errors in one window (%d over the lookback) exceed the threshold of %d",
				s.maxWindowError, s.totalErrors, cfg.ErrorThreshold),
		})
	}

	if s.maxWaitMs > cfg.StalledAcquisitionMs {
		recs = append(recs, Recommendation{
			Setting:          SettingAcquisitionTimeout,
			CurrentValue:     "none",
			RecommendedValue: cfg.RecommendedAcquireTimeout.String(),
			Priority:         PriorityHigh,
			Reason:           fmt.Sprintf("maximum acquisition time %.0fms exceeds %.0fms", s.maxWaitMs, cfg.StalledAcquisitionMs),
		})
	}

	return recs
}
