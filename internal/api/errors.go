package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"datacore/internal/apperr"
)

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := apperr.HTTPStatus(err)
	body := ErrorBody{Error: ErrorDetail{Code: apperr.Code(err), Message: apperr.Message(err)}}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		body.Error.Code = codeForStatus(he.Code)
		if msg, ok := he.Message.(string); ok {
			body.Error.Message = msg
		} else {
			body.Error.Message = http.StatusText(he.Code)
		}
	}

	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		if body.Error.Code == apperr.CodeInternal {
			body.Error.Message = "internal error"
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, body)
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return apperr.CodeNotFound
	case status >= 400 && status < 500:
		return apperr.CodeInvalid
	}
	return apperr.CodeInternal
}
