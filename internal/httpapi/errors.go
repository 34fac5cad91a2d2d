package httpapi

import (
	"errors"
	"net/http"

	"github.com/textly/smsbridge/internal/bridge"
	"github.com/textly/smsbridge/internal/correlator"
	"github.com/textly/smsbridge/internal/store"
)

func statusFor(err error) int {
	switch bridge.CodeOf(err) {
	case bridge.CodePermissionDenied:
		return http.StatusForbidden
	case bridge.CodeSmsSendError:
		if errors.Is(err, correlator.ErrInvalidRequest) {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	case bridge.CodeAPILevelError:
		return http.StatusNotImplemented
	case bridge.CodeActivityError, bridge.CodeRetryNotAllowed:
		return http.StatusConflict
	case bridge.CodeMessageNotFound:
		return http.StatusNotFound
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
