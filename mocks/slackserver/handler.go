package slackserver

import (
	"net/http"
)

// Error represents a handler error that carries an HTTP status.
type Error interface {
	error
	Status() int
}

// StatusError is an error with an HTTP status code.
type StatusError struct {
	Code int
	Err  error
}

func (se StatusError) Error() string {
	return se.Err.Error()
}

func (se StatusError) Status() int {
	return se.Code
}

// Handler binds an environment to a handler function.
type Handler struct {
	Env interface{}
	H   func(e interface{}, w http.ResponseWriter, r *http.Request) error
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.H(h.Env, w, r)
	if err == nil {
		return
	}
	switch e := err.(type) {
	case Error:
		http.Error(w, e.Error(), e.Status())
	default:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
