package domain

import "net/http"

// Request is one logical call against the REST API.
//
// Body is any JSON-serializable value. []byte and json.RawMessage are
// forwarded as-is.
type Request struct {
	Method string
	Target string
	Header http.Header
	Body   any
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
