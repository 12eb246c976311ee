// Package wrongport answers requests sent to the retired development port.
package wrongport

import (
	"io"
	"net/http"

	"github.com/form-case/kobocat/internal/logger"
)

const Message = "Your development environment is trying to connect to the KoBoCAT " +
	"container on port 8000 instead of 8001. Please change this. See " +
	"https://github.com/form-case/kobo-docker/issues/301 " +
	"for more details."

// Handler responds 503 with Message to every request.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Warn("request on retired port", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, Message)
	})
}
