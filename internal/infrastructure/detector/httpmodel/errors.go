package httpmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

const statusInsufficientStorage = 507

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "detector status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("detector %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("detector %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// code extracts {"error":{"code":"..."}} or {"code":"..."} from the body.
func (e *HTTPStatusError) code() string {
	var body struct {
		Code  string `json:"code"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &body) != nil {
		return ""
	}
	if body.Error.Code != "" {
		return body.Error.Code
	}
	return body.Code
}

// classifyDomain maps transport failures onto domain error kinds so that the
// pipeline can tell retryable, degradable and input failures apart.
func classifyDomain(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == statusInsufficientStorage || statusErr.code() == "out_of_memory":
			return domain.WrapError(domain.ErrOutOfMemory, operation, err)
		case statusErr.StatusCode == http.StatusUnprocessableEntity:
			return domain.WrapError(domain.ErrCorruptTile, operation, err)
		case isRetryableHTTPStatus(statusErr.StatusCode):
			return domain.WrapError(domain.ErrModelUnavailable, operation, err)
		default:
			return domain.WrapError(domain.ErrInternal, operation, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.WrapError(domain.ErrModelUnavailable, operation, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return domain.WrapError(domain.ErrModelUnavailable, operation, err)
	}
	return err
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
