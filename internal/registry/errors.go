package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/distribution/distribution/v3/registry/api/errcode"
)

// maxErrorBody limits how much of an error response body is read.
const maxErrorBody = 64 << 10

// StatusError is returned when the registry responds with an unexpected HTTP status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	// Detail is the decoded registry error message or the raw response body.
	Detail string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("unexpected status '%s' for %s %s", e.Status, e.Method, e.URL)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ResponseError builds a StatusError from the response and closes its body. The registry error body in the format
// {"errors": [{"code": ..., "message": ...}]} is decoded if present.
func ResponseError(resp *http.Response) error {
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		e.URL = redact(resp.Request.URL)
	}
	if e.Status == "" {
		e.Status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var errs errcode.Errors
	if err := json.Unmarshal(body, &errs); err == nil && len(errs) > 0 {
		e.Detail = errs.Error()
	} else {
		e.Detail = strings.TrimSpace(string(body))
	}

	return e
}
