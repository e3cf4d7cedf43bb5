// Package classify maps transport-level failure signals and route identity
// into coarse error codes. The pattern detector reasons over these codes, not
// raw errors, so semantically similar failures across slightly different
// downstream calls cluster together.
package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
)

// Code is a coarse error classification used for pattern analysis.
type Code string

// Route-independent codes. Route-specific failures get a "<TAG>_ERROR" code
// derived from the route tag (e.g. "patient-api" → "PATIENT_API_ERROR").
const (
	Timeout                Code = "TIMEOUT"
	RateLimited            Code = "RATE_LIMITED"
	ServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
	UnauthorizedDownstream Code = "UNAUTHORIZED_DOWNSTREAM"
	None                   Code = ""
)

// Outcome carries the transport-level result of a downstream call. Err is the
// transport error, if any; StatusCode is the downstream HTTP status (0 when
// no response was received).
type Outcome struct {
	Err        error
	StatusCode int
}

// Failed reports whether the outcome counts as a downstream failure.
// 4xx responses other than 401/408/429 are the caller's fault and do not
// count against the downstream.
func (o Outcome) Failed() bool {
	if o.Err != nil {
		return true
	}
	switch {
	case o.StatusCode >= 500:
		return true
	case o.StatusCode == http.StatusUnauthorized,
		o.StatusCode == http.StatusRequestTimeout,
		o.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// Classify maps a failed outcome and its route tag to a coarse error code.
// Returns None for outcomes that are not failures.
func Classify(o Outcome, routeTag string) Code {
	if !o.Failed() {
		return None
	}

	if o.Err != nil {
		return classifyErr(o.Err, routeTag)
	}
	return classifyStatus(o.StatusCode, routeTag)
}

func classifyErr(err error, routeTag string) Code {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	// Connection refused, reset, DNS failure — the downstream is unreachable.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ServiceUnavailable
	}

	return RouteCode(routeTag)
}

func classifyStatus(status int, routeTag string) Code {
	switch {
	case status == http.StatusUnauthorized:
		return UnauthorizedDownstream
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return Timeout
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway:
		return ServiceUnavailable
	default:
		return RouteCode(routeTag)
	}
}

// RouteCode derives the route-specific coarse code from a route tag:
// "patient-api" → "PATIENT_API_ERROR". Unknown/empty tags map to a generic
// downstream code.
func RouteCode(routeTag string) Code {
	tag := strings.TrimSpace(routeTag)
	if tag == "" {
		return Code("DOWNSTREAM_ERROR")
	}
	tag = strings.ToUpper(strings.ReplaceAll(tag, "-", "_"))
	return Code(tag + "_ERROR")
}
