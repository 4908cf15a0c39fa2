// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/metrics"
)

// DefaultMaxRetries bounds retries when MaxRetries is unset.
const DefaultMaxRetries = 5

// backoffBase is the first retry delay; each retry doubles it. Tests
// override it to avoid real sleeps.
var backoffBase = 2 * time.Second

// Class is the retry classification of a model error.
type Class int

const (
	ClassPermanent Class = iota
	ClassRateLimited
	ClassServer
	ClassTimeout
	ClassConnection
	ClassContextOverflow
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassServer:
		return "server"
	case ClassTimeout:
		return "timeout"
	case ClassConnection:
		return "connection"
	case ClassContextOverflow:
		return "context_overflow"
	case ClassAuth:
		return "auth"
	}
	return "permanent"
}

// Transient reports whether errors of this class are worth retrying.
func (c Class) Transient() bool {
	switch c {
	case ClassRateLimited, ClassServer, ClassTimeout, ClassConnection:
		return true
	}
	return false
}

// statusCoder is satisfied by AWS smithy response errors.
type statusCoder interface {
	HTTPStatusCode() int
}

// Classify sorts err into a retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	status := 0
	var ae *anthropic.Error
	var oe *openai.Error
	var sc statusCoder
	switch {
	case errors.As(err, &ae):
		status = ae.StatusCode
	case errors.As(err, &oe):
		status = oe.StatusCode
	case errors.As(err, &sc):
		status = sc.HTTPStatusCode()
	}

	msg := strings.ToLower(err.Error())
	if isOverflow(msg) {
		return ClassContextOverflow
	}
	if status != 0 {
		return classifyStatus(status)
	}

	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return ClassTimeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF):
		return ClassConnection
	}

	// The Gemini client reports status only in its message.
	switch {
	case strings.Contains(msg, "resource_exhausted"), strings.Contains(msg, "error 429"):
		return ClassRateLimited
	case strings.Contains(msg, "unavailable"), strings.Contains(msg, "error 500"),
		strings.Contains(msg, "error 502"), strings.Contains(msg, "error 503"):
		return ClassServer
	case strings.Contains(msg, "permission_denied"), strings.Contains(msg, "unauthenticated"):
		return ClassAuth
	}
	return ClassPermanent
}

func classifyStatus(status int) Class {
	switch {
	case status == 429:
		return ClassRateLimited
	case status == 408:
		return ClassTimeout
	case status == 401 || status == 403:
		return ClassAuth
	case status == 529 || status >= 500:
		return ClassServer
	}
	return ClassPermanent
}

func isOverflow(msg string) bool {
	return strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "maximum context length") ||
		strings.Contains(msg, "input is too long")
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return Classify(err).Transient() }

// Retrying retries transient failures of Next with jittered exponential
// backoff.
type Retrying struct {
	Next       Invoker
	Provider   string
	MaxRetries int
	Logger     *zap.Logger
	Metrics    *metrics.Collectors
}

func (r *Retrying) Invoke(ctx context.Context, req Request) (Response, error) {
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		resp, err := r.Next.Invoke(ctx, req)
		if err == nil {
			r.Metrics.ModelCall(r.Provider, "ok", time.Since(start))
			return resp, nil
		}

		class := Classify(err)
		r.Metrics.ModelCall(r.Provider, class.String(), time.Since(start))
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if !class.Transient() {
			return Response{}, fmt.Errorf("%s: %s error: %w", r.Provider, class, err)
		}
		if attempt >= maxRetries {
			return Response{}, fmt.Errorf("%s: after %d retries: %w", r.Provider, maxRetries, err)
		}

		delay := backoff(attempt)
		log.Warn("transient model error, retrying",
			zap.String("provider", r.Provider),
			zap.String("class", class.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff returns backoffBase * 2^attempt plus up to 50% jitter.
func backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}
