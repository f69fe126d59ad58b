package pipeline

import "net/http"

// taxonomyError is the pipeline's own error taxonomy: a status code, a
// machine-readable code string, and a user-facing message, translated to
// the {error:{message,type,code}} JSON shape at the HTTP boundary only.
// Internal layers (scheduler, transport) never write HTTP responses
// directly — this type is how their errors are mapped once they reach
// the handler.
type taxonomyError struct {
	Status  int
	Code    string
	Message string
}

func (e *taxonomyError) Error() string { return e.Message }

func errInvalidKey() *taxonomyError {
	return &taxonomyError{Status: http.StatusForbidden, Code: "InvalidKey", Message: "invalid or missing API key"}
}

func errEndpointNotAllowed(path string) *taxonomyError {
	return &taxonomyError{Status: http.StatusForbidden, Code: "EndpointNotAllowed", Message: "endpoint " + path + " is not allowed"}
}

func errModelNotAllowed(model string) *taxonomyError {
	return &taxonomyError{Status: http.StatusForbidden, Code: "ModelNotAllowed", Message: "model " + model + " is not allowed"}
}

func errMalformedRequest(msg string) *taxonomyError {
	return &taxonomyError{Status: http.StatusBadRequest, Code: "MalformedRequest", Message: msg}
}

func errUploadQuotaExceeded() *taxonomyError {
	return &taxonomyError{Status: http.StatusTooManyRequests, Code: "UploadQuotaExceeded", Message: "too many concurrent uploads for this principal"}
}

func errQueueOverflow() *taxonomyError {
	return &taxonomyError{Status: http.StatusServiceUnavailable, Code: "QueueOverflow", Message: "request queue is full, retry later"}
}

func errShutdownInProgress() *taxonomyError {
	return &taxonomyError{Status: http.StatusServiceUnavailable, Code: "ShutdownInProgress", Message: "server is shutting down"}
}

func errUpstreamTransport(msg string) *taxonomyError {
	return &taxonomyError{Status: http.StatusBadGateway, Code: "UpstreamTransportError", Message: msg}
}

func errUpstreamTimeout() *taxonomyError {
	return &taxonomyError{Status: http.StatusGatewayTimeout, Code: "UpstreamTransportError", Message: "upstream request timed out"}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func (e *taxonomyError) body() errorBody {
	return errorBody{Error: errorDetail{Message: e.Message, Type: "invalid_request_error", Code: e.Code}}
}
