// Package apierr provides structured API error types and a consistent
// {error:{type,message,code}} envelope for every HTTP status this proxy
// returns to a client.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFoundErr       = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeUpstreamError     = "upstream_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeBadRequest           = "bad_request"
	CodeUnauthorized         = "unauthorized"
	CodeNotFound             = "not_found"
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeRequestTimeout       = "request_timeout"
	CodeUpstreamHTTPError    = "upstream_http_error"
	CodeUpstreamBodyTooLarge = "upstream_body_too_large"
	CodeInternalError        = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
// No error path reveals internal stack traces — message must already be client-safe.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteBadRequest writes a 400 for malformed input (bad path, bad JSON,
// oversize body, invalid event fields).
func WriteBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeBadRequest)
}

// WriteUnauthorized writes a 401 for a missing or wrong /endpoints token.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "unauthorized", TypeAuthenticationErr, CodeUnauthorized)
}

// WriteNotFound writes a 404 for an unresolvable script map entry or
// unknown dynamic-endpoint uuid.
func WriteNotFound(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusNotFound, "not found", TypeNotFoundErr, CodeNotFound)
}

// WriteServiceUnavailable writes a 503, used when a required dependent
// feature (e.g. /endpoints or /events) has no configuration.
func WriteServiceUnavailable(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeServerError, CodeInternalError)
}

// WriteRateLimit writes a 429 rate limit error with Retry-After and
// X-RateLimit-* headers already expected to be set by the caller.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.SetUint64("Retry-After", uint64(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteUpstreamTimeout writes a 502 for an upstream fetch that exceeded its deadline.
// Signalled distinctly (code) from a generic upstream HTTP error so metrics can separate them.
func WriteUpstreamTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadGateway, "upstream request timed out", TypeUpstreamError, CodeRequestTimeout)
}

// WriteUpstreamError writes a 502 for a failed or non-2xx upstream fetch.
func WriteUpstreamError(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamHTTPError)
}

// WriteUpstreamBodyTooLarge writes a 502 for an upstream response that is
// too large to serve.
func WriteUpstreamBodyTooLarge(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadGateway, "upstream response too large", TypeUpstreamError, CodeUpstreamBodyTooLarge)
}

// WriteInternalError writes a scrubbed 500. Never include err.Error() in msg
// when it may contain internal paths or stack details — log those instead.
func WriteInternalError(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}

// WriteRequestEntityTooLarge writes a 413 for a request whose Content-Length
// exceeds MAX_REQUEST_SIZE.
func WriteRequestEntityTooLarge(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusRequestEntityTooLarge, "request body too large", TypeInvalidRequest, CodeBadRequest)
}
