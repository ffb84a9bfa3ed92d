package errors

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
)

// Response is the JSON body of every error reply.
type Response struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Render writes err as a Response with the status mapped from its code.
// Internal failures are logged; their detail never reaches the client.
func Render(w http.ResponseWriter, r *http.Request, err error) {
	code := GetCode(err)
	status := MapErrorCodeToHTTPStatus(code)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	}
	render.Status(r, status)
	render.JSON(w, r, Response{Code: code, Message: PublicMessage(err)})
}
