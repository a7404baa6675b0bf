package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidInput is returned for requests rejected before any state is
// touched: no cache writes, no rate-limit side effects.
var ErrInvalidInput = errors.New("invalid input")

// AdmissionDeniedError is part of normal control flow: the client retries
// after the indicated delay.
type AdmissionDeniedError struct {
	Tier       string
	RetryAfter time.Duration
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied by %s, retry after %s", e.Tier, e.RetryAfter)
}

// UpstreamError reports a failed or timed-out external dependency. Only the
// generation service produces a user-visible failure; embedding and
// retrieval failures arrive here after one internal retry.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream service names used in UpstreamError
const (
	ServiceEmbedding  = "embedding"
	ServiceRetrieval  = "retrieval"
	ServiceChunkFetch = "chunk_fetch"
	ServiceGeneration = "generation"
)

// AsAdmissionDenied extracts an AdmissionDeniedError if err is one
func AsAdmissionDenied(err error) (*AdmissionDeniedError, bool) {
	var denied *AdmissionDeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}

// AsUpstream extracts an UpstreamError if err is one
func AsUpstream(err error) (*UpstreamError, bool) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream, true
	}
	return nil, false
}
