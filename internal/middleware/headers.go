package middleware

import (
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/form-case/kobocat/internal/auth"
)

const UsernameHeader = "X-KoBoNaUt"

// TrackUser lets middleware registered before authentication see the user
// authenticated later in the request.
func TrackUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.Track(r.Context())))
	})
}

type usernameWriter struct {
	http.ResponseWriter
	r           *http.Request
	wroteHeader bool
}

func (w *usernameWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if user := auth.Authenticated(w.r.Context()); user != nil {
			w.Header().Set(UsernameHeader, user.Username)
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *usernameWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *usernameWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *usernameWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// UsernameInResponseHeader records the authenticated user in the
// X-KoBoNaUt response header. It needs TrackUser earlier in the chain to
// see users authenticated by handlers.
func UsernameInResponseHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uw := &usernameWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(uw, r)
		if !uw.wroteHeader {
			uw.WriteHeader(http.StatusOK)
		}
	})
}

// LocaleTweaks rewrites the Khmer language code km to km-kh in
// Accept-Language unless km-kh is already requested. Headers that do not
// parse are passed through.
func LocaleTweaks(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept-Language")
		if accept != "" {
			codes, err := acceptLanguageCodes(accept)
			if err == nil && codes["km"] && !codes["km-kh"] {
				r.Header.Set("Accept-Language", strings.ReplaceAll(accept, "km", "km-kh"))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func acceptLanguageCodes(header string) (map[string]bool, error) {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil {
		return nil, err
	}
	codes := make(map[string]bool, len(tags))
	for _, tag := range tags {
		codes[strings.ToLower(tag.String())] = true
	}
	return codes, nil
}
