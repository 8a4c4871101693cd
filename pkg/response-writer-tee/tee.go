package tee

import (
	"bytes"
	"net/http"
)

// ResponseSaver is a wrapper around http.ResponseWriter that holds back the response body in a buffer.
// Headers go straight to the wrapped writer's header map; status and body reach the
// wrapped writer only when Commit is called.
//
// There is no Unwrap and no Flush: flushing the wrapped writer would send the headers
// ahead of the buffered status, so http.ResponseController flushes report
// http.ErrNotSupported until Commit.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	status       int
	wroteHeaders bool
	committed    bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// Body returns the buffered response body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
// A response that never set one is a 200, like net/http.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Commit writes the status and the buffered body to the wrapped writer.
// Calling it more than once has no effect.
func (t *ResponseSaver) Commit() error {
	if t.committed {
		return nil
	}
	t.committed = true
	t.rw.WriteHeader(t.StatusCode())
	if t.b.Len() == 0 {
		return nil
	}
	_, err := t.rw.Write(t.b.Bytes())
	return err
}

// NewResponseSaver returns a new ResponseSaver wrapping w.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		rw: w,
		b:  &bytes.Buffer{},
	}
}
