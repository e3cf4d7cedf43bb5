// Package apierror provides the standardized error response format for the
// WebQx gateway. Every rejection produced by the gateway itself (as opposed
// to an error passed through from the downstream EHR) carries one of the
// stable codes below so callers can program against them.
package apierror

import (
	"encoding/json"
	"net/http"
)

// Code is a machine-readable error classification string.
type Code string

// Gateway error codes. These form a public API contract — clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	RouteNotFound          Code = "GATEWAY_ROUTE_NOT_FOUND"
	MethodNotAllowed       Code = "GATEWAY_METHOD_NOT_ALLOWED"
	Unauthenticated        Code = "GATEWAY_UNAUTHENTICATED"
	UpstreamExchangeFailed Code = "GATEWAY_UPSTREAM_EXCHANGE_FAILED"
	CircuitOpen            Code = "GATEWAY_CIRCUIT_OPEN"
	DownstreamUnavailable  Code = "GATEWAY_DOWNSTREAM_UNAVAILABLE"
	DeadlineExceeded       Code = "GATEWAY_DEADLINE_EXCEEDED"
	RateLimitExceeded      Code = "GATEWAY_RATE_LIMIT_EXCEEDED"
	BodyTooLarge           Code = "GATEWAY_BODY_TOO_LARGE"
	InternalError          Code = "GATEWAY_INTERNAL_ERROR"
)

// Response is the standardized gateway error body.
type Response struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the hot-path rejections. These omit request_id,
// which varies per request.
var (
	preRouteNotFound   = mustMarshal(http.StatusNotFound, RouteNotFound, "no matching route")
	preUnauthenticated = mustMarshal(http.StatusUnauthorized, Unauthenticated, "missing or malformed bearer token")
	preCircuitOpen     = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "downstream circuit open")
	preExchangeFailed  = mustMarshal(http.StatusBadGateway, UpstreamExchangeFailed, "credential exchange failed")
	preRateLimited     = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
)

func mustMarshal(status int, code Code, message string) []byte {
	b, _ := json.Marshal(Response{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common code+message
// combinations a pre-serialized body is used (no allocation). When the
// request carries an X-Request-ID it is echoed back in the body. r may be nil
// for contexts where the request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(Response{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code Code, message string) []byte {
	switch {
	case code == RouteNotFound && status == http.StatusNotFound && message == "no matching route":
		return preRouteNotFound
	case code == Unauthenticated && status == http.StatusUnauthorized && message == "missing or malformed bearer token":
		return preUnauthenticated
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "downstream circuit open":
		return preCircuitOpen
	case code == UpstreamExchangeFailed && status == http.StatusBadGateway && message == "credential exchange failed":
		return preExchangeFailed
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimited
	}
	return nil
}
