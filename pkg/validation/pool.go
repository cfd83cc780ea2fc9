package validation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/tierstore/pkg/storage"
)

// DefaultTimeout bounds each validator call.
const DefaultTimeout = 5 * time.Second

// Pool runs every registered validator concurrently for one request.
type Pool struct {
	registry *Registry
	timeout  atomic.Int64
	logger   *zap.Logger
}

// NewPool creates a pool over registry. A non-positive timeout uses
// DefaultTimeout; a nil logger discards output.
func NewPool(registry *Registry, timeout time.Duration, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{registry: registry, logger: logger.Named("validation")}
	p.SetTimeout(timeout)
	return p
}

// SetTimeout changes the per-validator timeout for subsequent requests.
func (p *Pool) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	p.timeout.Store(int64(d))
}

// Timeout returns the per-validator timeout.
func (p *Pool) Timeout() time.Duration {
	return time.Duration(p.timeout.Load())
}

// Registry returns the validator registry.
func (p *Pool) Registry() *Registry { return p.registry }

// Validate scores req with every applicable validator in parallel.
//
// It always returns one result per applicable validator, in registration
// order. Validator errors, panics and timeouts are turned into invalid
// votes; a cancelled ctx turns every unfinished validator into an invalid
// vote as well, and the caller is expected to check ctx itself.
func (p *Pool) Validate(ctx context.Context, req *Request) []Result {
	var validators []Validator
	for _, v := range p.registry.Validators() {
		if s, ok := v.(Selective); ok && !s.Applies(req) {
			continue
		}
		validators = append(validators, v)
	}
	results := make([]Result, len(validators))
	if len(validators) == 0 {
		return results
	}

	timeout := p.Timeout()
	eg, egCtx := errgroup.WithContext(ctx)
	for i, v := range validators {
		i, v := i, v
		eg.Go(func() error {
			results[i] = p.run(egCtx, v, req, timeout)
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range results {
		if r.Err != nil {
			p.logger.Warn("validator failed",
				zap.String("validator", r.Validator),
				zap.String("key", req.Mutation.Key),
				zap.Duration("took", r.Duration),
				zap.Error(r.Err))
		}
	}
	return results
}

type scored struct {
	res Result
	err error
}

func (p *Pool) run(ctx context.Context, v Validator, req *Request, timeout time.Duration) Result {
	name := v.Name()
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan scored, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- scored{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		res, err := v.Score(vctx, req)
		done <- scored{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil && vctx.Err() == nil {
			return normalise(name, out.res, time.Since(start))
		}
		err := out.err
		if err == nil {
			err = vctx.Err()
		}
		return failed(name, ctx, err, timeout, time.Since(start))
	case <-vctx.Done():
		return failed(name, ctx, vctx.Err(), timeout, time.Since(start))
	}
}

func normalise(name string, r Result, took time.Duration) Result {
	r.Validator = name
	r.Score = storage.ClampTrust(r.Score)
	if r.ClaimScores != nil {
		scores := make(map[string]float64, len(r.ClaimScores))
		for id, s := range r.ClaimScores {
			scores[id] = storage.ClampTrust(s)
		}
		r.ClaimScores = scores
	}
	r.Duration = took
	return r
}

func failed(name string, parent context.Context, err error, timeout, took time.Duration) Result {
	var rationale string
	switch {
	case parent.Err() != nil:
		err = parent.Err()
		rationale = "cancelled: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %s after %s", ErrTimeout, name, timeout)
		rationale = fmt.Sprintf("timeout after %s", timeout)
	default:
		rationale = "error: " + err.Error()
	}
	return Result{
		Validator: name,
		Score:     0,
		Rationale: rationale,
		IsValid:   false,
		Duration:  took,
		Err:       err,
	}
}
