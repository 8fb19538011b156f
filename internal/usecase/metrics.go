package usecase

import (
	"context"
	"errors"
)

// ErrAuditDisabled is returned by GetStats when no attempt repository is wired.
var ErrAuditDisabled = errors.New("attempt audit log disabled")

// OperationStats aggregates the attempts of one operation.
type OperationStats struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	RejectedRequests           int64   `json:"rejected_requests"`
	SuccessRate                float64 `json:"success_rate"`
	AverageConfidence          float64 `json:"average_confidence"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// Stats summarises the store and the audit log.
type Stats struct {
	EnrolledIdentities int                       `json:"enrolled_identities"`
	Operations         map[string]OperationStats `json:"operations"`
}

// GetStats aggregates attempt metrics from persisted logs.
func (uc *IdentityUseCase) GetStats(ctx context.Context) (*Stats, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	rows, err := uc.repo.Summarize(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		EnrolledIdentities: uc.store.Len(),
		Operations:         make(map[string]OperationStats),
	}
	for _, row := range rows {
		op := stats.Operations[row.Operation]
		weightedConfidence := op.AverageConfidence*float64(op.TotalRequests) + row.AvgConfidence*float64(row.Count)
		weightedLatency := op.AverageProcessingLatencyMs*float64(op.TotalRequests) + row.AvgProcessingMs*float64(row.Count)
		op.TotalRequests += row.Count
		if row.Status == StatusRejected {
			op.RejectedRequests += row.Count
		} else {
			op.SuccessfulRequests += row.Count
		}
		if op.TotalRequests > 0 {
			op.AverageConfidence = weightedConfidence / float64(op.TotalRequests)
			op.AverageProcessingLatencyMs = weightedLatency / float64(op.TotalRequests)
			op.SuccessRate = float64(op.SuccessfulRequests) / float64(op.TotalRequests)
		}
		stats.Operations[row.Operation] = op
	}
	return stats, nil
}
