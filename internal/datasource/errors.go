package datasource

import (
	"fmt"
	"net/http"

	"github.com/rafaeljc/bifrost/subsystems"
)

// httpStatusError marks a non-2xx response from the flag service.
type httpStatusError struct {
	code int
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("flag service returned HTTP %d", e.code)
}

// isHTTPErrorRecoverable reports whether a reconnect could plausibly
// succeed. Client errors mean the request itself is wrong (above all 401
// and 403, a bad SDK key) and will stay wrong, except for the small set the
// service uses transiently: 400 (sometimes returned by proxies under load),
// 408 and 429.
func isHTTPErrorRecoverable(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case http.StatusBadRequest, http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return false
	}
	return true
}

func httpErrorInfo(statusCode int) subsystems.DataSourceErrorInfo {
	return subsystems.DataSourceErrorInfo{
		Kind:       subsystems.DataSourceErrorKindErrorResponse,
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP error %d", statusCode),
	}
}

func networkErrorInfo(err error) subsystems.DataSourceErrorInfo {
	return subsystems.DataSourceErrorInfo{
		Kind:    subsystems.DataSourceErrorKindNetworkError,
		Message: err.Error(),
	}
}

func invalidDataErrorInfo(err error) subsystems.DataSourceErrorInfo {
	return subsystems.DataSourceErrorInfo{
		Kind:    subsystems.DataSourceErrorKindInvalidData,
		Message: err.Error(),
	}
}
