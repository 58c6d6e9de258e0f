package funnel

import (
	"context"
	"errors"

	"github.com/zulandar/swatch/internal/apperr"
	"github.com/zulandar/swatch/internal/models"
)

// Analyzer is the image-analysis collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, mimeType string) (*models.AnalysisRecord, error)
}

// AnalysisErrorKind classifies analyzer failures.
type AnalysisErrorKind string

const (
	AnalysisTimeout       AnalysisErrorKind = "timeout"
	AnalysisInvalidFormat AnalysisErrorKind = "invalid_format"
	AnalysisRateLimited   AnalysisErrorKind = "rate_limited"
	AnalysisUnknown       AnalysisErrorKind = "unknown"
)

// AnalysisError is the typed failure an Analyzer returns.
type AnalysisError struct {
	Kind AnalysisErrorKind
	Err  error
}

func (e *AnalysisError) Error() string {
	if e.Err == nil {
		return "analysis " + string(e.Kind)
	}
	return "analysis " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// failureReason turns an analysis failure into the phrase shown to the
// user.
func failureReason(err error) string {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case AnalysisTimeout:
			return "it took longer than expected"
		case AnalysisInvalidFormat:
			return "I can't read that image format"
		case AnalysisRateLimited:
			return "I'm getting a lot of requests right now"
		}
		return "something went wrong on my side"
	}
	if errors.Is(err, context.DeadlineExceeded) || apperr.Is(err, apperr.KindUpstreamTimeout) {
		return "it took longer than expected"
	}
	return "something went wrong on my side"
}
