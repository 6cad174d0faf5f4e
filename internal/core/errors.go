package core

import (
	"fmt"
	"net/http"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

func invalidSession(err error) Failure {
	return Failure{Code: "invalid_session", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
}

func invalidNamespace(err error) Failure {
	return Failure{Code: "invalid_namespace", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
}

func shuttingDown() Failure {
	return Failure{
		Code:       "shutting_down",
		Detail:     "server is draining",
		RetryAfter: 1,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

func sessionEnded(id string) Failure {
	return Failure{Code: "session_ended", Detail: "session " + id + " has ended", HTTPStatus: http.StatusGone}
}
