package routes

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"

	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/exports"
	"github.com/form-case/kobocat/internal/middleware"
	"github.com/form-case/kobocat/internal/testutil"
)

func newTestRouter(t *testing.T) (*testutil.Env, http.Handler) {
	t.Helper()
	env := testutil.NewEnv(t)
	cfg := &config.Config{
		KoboformURL:       "https://kf.example.org",
		MediaURL:          "/media/",
		SessionSecret:     "0123456789abcdef0123456789abcdef",
		DigestRealm:       testutil.Realm,
		DigestNonceTTL:    time.Minute,
		CSRFEnabled:       true,
		ExportQueueSize:   4,
		MaxSubmissionSize: 1 << 20,
	}
	router := NewRouter(Dependencies{
		DB:             env.DB,
		Config:         cfg,
		Storage:        env.Storage,
		Mirror:         env.Mirror,
		SessionManager: scs.New(),
		Exports:        exports.NewService(env.DB, env.Storage, cfg.ExportQueueSize),
		Version:        "test",
	})
	return env, router
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndMetrics(t *testing.T) {
	_, router := newTestRouter(t)

	if rr := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil)); rr.Code != http.StatusOK {
		t.Errorf("/health status = %d, body %s", rr.Code, rr.Body.String())
	}
	if rr := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil)); rr.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", rr.Code)
	}
}

func TestErrorPages(t *testing.T) {
	_, router := newTestRouter(t)

	rr := serve(router, httptest.NewRequest(http.MethodGet, "/no/such/page", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("404 Content-Type = %q", ct)
	}

	rr = serve(router, httptest.NewRequest(http.MethodPut, "/accounts/login", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT login status = %d, want 405", rr.Code)
	}
}

func TestRestrictedViews(t *testing.T) {
	env, router := newTestRouter(t)
	bob := env.CreateUser(t, "bob", "bob", false)
	xf := env.CreateXForm(t, bob, "survey")

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "form list stays reachable", method: http.MethodGet, path: "/bob/formList", wantStatus: http.StatusOK},
		{name: "form xml stays reachable", method: http.MethodGet, path: fmt.Sprintf("/bob/forms/%d/form.xml", xf.ID), wantStatus: http.StatusOK},
		{name: "exports are blocked", method: http.MethodGet, path: "/bob/exports/survey/csv/", wantStatus: http.StatusForbidden},
		{name: "export creation is blocked", method: http.MethodPost, path: "/bob/exports/survey/csv/new", wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.SetBasicAuth("bob", "bob")
			req.Header.Set("Accept", "application/json")
			rr := serve(router, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if got := rr.Header().Get(middleware.UsernameHeader); got != "bob" {
				t.Errorf("%s = %q, want bob", middleware.UsernameHeader, got)
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	env, router := newTestRouter(t)
	bob := env.CreateUser(t, "bob", "bob", true)
	xf := env.CreateXForm(t, bob, "survey")

	t.Run("bad credentials are challenged", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/bob/formList", nil)
		req.SetBasicAuth("bob", "wrong")
		rr := serve(router, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
		if h := rr.Header().Get("WWW-Authenticate"); !strings.HasPrefix(h, "Digest ") {
			t.Errorf("WWW-Authenticate = %q", h)
		}
	})

	t.Run("anonymous export creation redirects to login", func(t *testing.T) {
		rr := serve(router, httptest.NewRequest(http.MethodPost, "/bob/exports/survey/csv/new", nil))
		if rr.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", rr.Code)
		}
		if loc := rr.Header().Get("Location"); !strings.HasPrefix(loc, "/accounts/login?next=") {
			t.Errorf("Location = %q", loc)
		}
	})

	t.Run("anonymous attachment is challenged", func(t *testing.T) {
		inst := env.CreateInstance(t, xf, map[string]any{"name": "x"})
		att := env.CreateAttachment(t, bob, inst, "doc.pdf", []byte("%PDF"), "application/pdf")
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/attachment/?media_file="+att.MediaFile, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rr.Code)
		}
	})

	t.Run("basic auth export list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/bob/exports/survey/csv/", nil)
		req.SetBasicAuth("bob", "bob")
		req.Header.Set("Accept", "application/json")
		if rr := serve(router, req); rr.Code != http.StatusOK {
			t.Errorf("status = %d, body %s", rr.Code, rr.Body.String())
		}
	})
}

func TestCrossSiteExportPostRejected(t *testing.T) {
	env, router := newTestRouter(t)
	bob := env.CreateUser(t, "bob", "bob", true)
	env.CreateXForm(t, bob, "survey")

	req := httptest.NewRequest(http.MethodPost, "/bob/exports/survey/csv/new", nil)
	req.SetBasicAuth("bob", "bob")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	if rr := serve(router, req); rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}

func TestFormDownloadRoutes(t *testing.T) {
	env, router := newTestRouter(t)
	bob := env.CreateUser(t, "bob", "bob", true)
	xf := env.CreateXForm(t, bob, "survey")
	env.DB.Model(xf).UpdateColumn("shared", true)

	t.Run("shared form xml by id_string", func(t *testing.T) {
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/bob/forms/survey/form.xml", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/xml" {
			t.Errorf("Content-Type = %q", ct)
		}
	})

	t.Run("numeric id stays on the OpenRosa route", func(t *testing.T) {
		rr := serve(router, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/bob/forms/%d/form.xml", xf.ID), nil))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rr.Code)
		}
	})

	t.Run("json preflight", func(t *testing.T) {
		rr := serve(router, httptest.NewRequest(http.MethodOptions, "/bob/forms/survey/form.json", nil))
		if rr.Code != http.StatusOK || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("got %d %v", rr.Code, rr.Header())
		}
	})

	t.Run("anonymous xlsform redirects to login", func(t *testing.T) {
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/bob/forms/survey/form.xls", nil))
		if rr.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", rr.Code)
		}
		if loc := rr.Header().Get("Location"); !strings.HasPrefix(loc, "/accounts/login?next=") {
			t.Errorf("Location = %q", loc)
		}
	})
}
