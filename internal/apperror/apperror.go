package apperror

import "net/http"

// Error is an error with the HTTP status it should be reported as.
type Error struct {
	StatusCode int
	Message    string
}

func New(statusCode int, message string) Error {
	return Error{StatusCode: statusCode, Message: message}
}

func (err Error) Error() string {
	return err.Message
}

var (
	ErrNoQuery = New(http.StatusBadRequest,
		"please provide q")
	ErrBadBody = New(http.StatusBadRequest,
		"invalid request body")
	ErrInvalidSymbol = New(http.StatusBadRequest,
		"symbol has no usable ticker")
	ErrNotWatched = New(http.StatusNotFound,
		"symbol is not on the watchlist")
	ErrNoData = New(http.StatusNotFound,
		"no data")
	ErrUnavailable = New(http.StatusServiceUnavailable,
		"engine is not running")
	ErrNoToken = New(http.StatusServiceUnavailable,
		"no api token configured")
	ErrTimeout = New(http.StatusGatewayTimeout,
		"request timed out")
)
