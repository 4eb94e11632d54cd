package alerting

import "github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"

// Stats summarizes settled deliveries in an evaluation window.
type Stats struct {
	Total               int     `json:"total"`
	Failed              int     `json:"failed"`
	Succeeded           int     `json:"succeeded"`
	FailureRate         float64 `json:"failure_rate"`
	AvgResponseMs       float64 `json:"avg_response_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// Compute summarizes deliveries ordered most recent first.
func Compute(deliveries []model.Delivery) Stats {
	var s Stats
	var respTotal int64
	run := true
	for _, d := range deliveries {
		switch d.Status {
		case model.StatusFailed:
			s.Failed++
			if run {
				s.ConsecutiveFailures++
			}
		case model.StatusSuccess:
			s.Succeeded++
			respTotal += d.ResponseTimeMs
			run = false
		default:
			continue
		}
		s.Total++
	}
	if s.Total > 0 {
		s.FailureRate = float64(s.Failed) / float64(s.Total) * 100
	}
	if s.Succeeded > 0 {
		s.AvgResponseMs = float64(respTotal) / float64(s.Succeeded)
	}
	return s
}

// Value returns the measured value for a condition. It reports false when the
// value is undefined, such as a failure rate over no deliveries.
func (s Stats) Value(c model.ConditionType) (float64, bool) {
	switch c {
	case model.ConditionFailureRate:
		return s.FailureRate, s.Total > 0
	case model.ConditionResponseTime:
		return s.AvgResponseMs, s.Succeeded > 0
	case model.ConditionConsecutiveFailures:
		return float64(s.ConsecutiveFailures), true
	case model.ConditionTotalFailures:
		return float64(s.Failed), true
	default:
		return 0, false
	}
}
