package middleware

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/munnerz/goautoneg"

	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/metrics"
	"github.com/form-case/kobocat/internal/templateutil"
)

// View names the endpoint serving a route and the action it performs
// for the route's method. Plain pages leave Action empty.
type View struct {
	Name   string
	Action string
}

// allowedWithWeakPassword lists what users without a validated password
// may still do: fetch forms and submit data.
var allowedWithWeakPassword = map[string]map[string][]string{
	"XFormListApi": {
		http.MethodGet: {"manifest", "media", "list", "retrieve"},
	},
	"XFormSubmissionApi": {
		http.MethodPost: {"create"},
	},
}

// Views maps chi route patterns to the views behind them. Routes are
// registered while the router is built and only read afterwards.
type Views struct {
	routes map[string]View
}

func NewViews() *Views {
	return &Views{routes: make(map[string]View)}
}

func (v *Views) Register(method, pattern string, view View) {
	v.routes[method+" "+pattern] = view
}

// Lookup returns the view of the route matched for r. It must run inside a
// chi group or With chain, where routing has already completed.
func (v *Views) Lookup(r *http.Request) (View, bool) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return View{}, false
	}
	view, ok := v.routes[r.Method+" "+rctx.RoutePattern()]
	return view, ok
}

func weakPasswordAllowed(view View, method string) bool {
	methods, ok := allowedWithWeakPassword[view.Name]
	if !ok {
		return false
	}
	actions, ok := methods[method]
	if !ok {
		return false
	}
	if view.Action == "" {
		return true
	}
	for _, a := range actions {
		if a == view.Action {
			return true
		}
	}
	return false
}

// RestrictionMessage is the detail returned to users whose access is
// restricted.
func RestrictionMessage(koboformURL string) string {
	return "Your access is restricted. Please reclaim your access by changing your password at " +
		passwordResetURL(koboformURL) + "."
}

func passwordResetURL(koboformURL string) string {
	return strings.TrimRight(koboformURL, "/") + "/accounts/password/reset/"
}

// Restricted forbids authenticated users without a validated password from
// everything but the views in allowedWithWeakPassword. HEAD requests and
// service accounts are never restricted. Apply it after authentication.
func Restricted(views *Views, koboformURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := auth.GetUser(r)
			if user == nil || user.ServiceAccount || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if user.Profile != nil && user.Profile.ValidatedPassword {
				next.ServeHTTP(w, r)
				return
			}
			if view, ok := views.Lookup(r); ok && weakPasswordAllowed(view, r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RestrictedRequests.Inc()
			logger.Info("restricted request", "user", user.Username, "method", r.Method, "path", r.URL.Path)
			renderRestricted(w, r, koboformURL)
		})
	}
}

type restrictedXML struct {
	XMLName xml.Name `xml:"root"`
	Detail  string   `xml:"detail"`
}

func renderRestricted(w http.ResponseWriter, r *http.Request, koboformURL string) {
	detail := RestrictionMessage(koboformURL)

	switch responseFormat(r) {
	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"detail": detail})
	case "xml":
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(xml.Header))
		xml.NewEncoder(w).Encode(restrictedXML{Detail: detail})
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		if err := templateutil.Render(w, "restricted_access.html", map[string]any{
			"ResetURL": passwordResetURL(koboformURL),
		}); err != nil {
			logger.Error("failed to render restricted page", "error", err)
		}
	}
}

// responseFormat picks html, json or xml from the format query parameter,
// then the Accept header. HTML is the fallback.
func responseFormat(r *http.Request) string {
	switch f := r.URL.Query().Get("format"); f {
	case "json", "xml", "html":
		return f
	}
	accept := r.Header.Get("Accept")
	if accept == "" {
		return "html"
	}
	switch goautoneg.Negotiate(accept, []string{"text/html", "application/json", "application/xml", "text/xml"}) {
	case "application/json":
		return "json"
	case "application/xml", "text/xml":
		return "xml"
	}
	return "html"
}
