package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/storage"
	"github.com/form-case/kobocat/internal/testutil"
)

type formFixture struct {
	env    *testutil.Env
	digest *auth.Digest
	router http.Handler
	owner  *models.User
	xform  *models.XForm
}

func newFormFixture(t *testing.T, opts ...storage.MemoryOption) *formFixture {
	t.Helper()
	env := testutil.NewEnv(t, opts...)
	digest := auth.NewDigest(env.DB, testutil.Realm, []byte("secret"), time.Minute)
	h := NewFormHandler(env.DB, env.Storage, digest, digest.Challenge)
	chain := auth.Chain{digest, &auth.BasicAuth{DB: env.DB}}

	r := chi.NewRouter()
	r.Use(auth.Authenticate(chain, digest.Challenge))
	r.Get("/{username}/forms/{id_string}/form.xml", h.XForm)
	r.Get("/{username}/forms/{id_string}/form.json", h.JSONForm)
	r.Options("/{username}/forms/{id_string}/form.json", h.JSONForm)
	r.Get("/{username}/forms/{id_string}/form.xls", h.XLSForm)

	owner := env.CreateUser(t, "bob", "bob", true)
	return &formFixture{
		env:    env,
		digest: digest,
		router: r,
		owner:  owner,
		xform:  env.CreateXForm(t, owner, "transportation"),
	}
}

func (f *formFixture) share(t *testing.T) {
	t.Helper()
	if err := f.env.DB.Model(f.xform).UpdateColumn("shared", true).Error; err != nil {
		t.Fatalf("Failed to share form: %v", err)
	}
}

func (f *formFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestFormXML_Download(t *testing.T) {
	const target = "/bob/forms/transportation/form.xml"

	t.Run("anonymous on private form is challenged", func(t *testing.T) {
		f := newFormFixture(t)
		rec := f.do(httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Digest ") {
			t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
		}
	})

	t.Run("basic credentials are not enough", func(t *testing.T) {
		f := newFormFixture(t)
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.SetBasicAuth("bob", "bob")
		if rec := f.do(req); rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("digest login by another user", func(t *testing.T) {
		f := newFormFixture(t)
		f.env.CreateUser(t, "alice", "alice", true)
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Authorization", testutil.DigestAuthorization(http.MethodGet, target, "alice", "alice", f.digest.Nonce()))

		rec := f.do(req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		if rec.Body.String() != f.xform.XML {
			t.Error("body is not the form definition")
		}
		if got := rec.Header().Get("Content-Disposition"); got != "attachment; filename=transportation.xml" {
			t.Errorf("Content-Disposition = %q", got)
		}
	})

	t.Run("anonymous on shared form", func(t *testing.T) {
		f := newFormFixture(t)
		f.share(t)
		rec := f.do(httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
			t.Errorf("Content-Type = %q", ct)
		}
	})

	t.Run("unknown form", func(t *testing.T) {
		f := newFormFixture(t)
		if rec := f.do(httptest.NewRequest(http.MethodGet, "/bob/forms/missing/form.xml", nil)); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestJSONForm(t *testing.T) {
	const target = "/bob/forms/transportation/form.json"

	t.Run("anonymous on shared form", func(t *testing.T) {
		f := newFormFixture(t)
		f.share(t)
		rec := f.do(httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var doc map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Fatalf("invalid json: %v\n%s", err, rec.Body.String())
		}
		if doc["id_string"] != "transportation" || doc["title"] != "transportation title" {
			t.Errorf("doc = %v", doc)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("CORS headers missing")
		}
	})

	t.Run("jsonp callback", func(t *testing.T) {
		f := newFormFixture(t)
		f.share(t)
		rec := f.do(httptest.NewRequest(http.MethodGet, target+"?callback=jsonpCallback", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := rec.Body.String()
		if !strings.HasPrefix(body, "jsonpCallback(") || !strings.HasSuffix(body, ")") {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("callback must be an identifier", func(t *testing.T) {
		f := newFormFixture(t)
		f.share(t)
		rec := f.do(httptest.NewRequest(http.MethodGet, target+"?callback=alert(1)//", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("basic credentials of the owner", func(t *testing.T) {
		f := newFormFixture(t)
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.SetBasicAuth("bob", "bob")
		if rec := f.do(req); rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("anonymous on private form", func(t *testing.T) {
		f := newFormFixture(t)
		rec := f.do(httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusForbidden || strings.TrimSpace(rec.Body.String()) != notShared {
			t.Errorf("got %d %q", rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("CORS headers missing on forbidden response")
		}
	})

	t.Run("cors preflight", func(t *testing.T) {
		f := newFormFixture(t)
		rec := f.do(httptest.NewRequest(http.MethodOptions, target, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var headers []string
		for _, h := range strings.Split(rec.Header().Get("Access-Control-Allow-Headers"), ",") {
			headers = append(headers, strings.TrimSpace(h))
		}
		if strings.Join(headers, "|") != "Accept|Origin|X-Requested-With|Authorization" {
			t.Errorf("Access-Control-Allow-Headers = %v", headers)
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET" {
			t.Errorf("Access-Control-Allow-Methods = %q", got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
	})
}

func TestXLSForm(t *testing.T) {
	const target = "/bob/forms/transportation/form.xls"

	t.Run("published as xml", func(t *testing.T) {
		f := newFormFixture(t)
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.SetBasicAuth("bob", "bob")
		rec := f.do(req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "No XLS file for your form ") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("stored spreadsheet", func(t *testing.T) {
		f := newFormFixture(t)
		key := "bob/xls/transportation.xlsx"
		if _, err := f.env.Storage.Save(context.Background(), strings.NewReader("sheet"), storage.SaveOptions{Path: key}); err != nil {
			t.Fatalf("Failed to store xlsform: %v", err)
		}
		f.env.DB.Model(f.xform).UpdateColumn("xls", key)

		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.SetBasicAuth("bob", "bob")
		rec := f.do(req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if got := rec.Header().Get("Content-Disposition"); got != "attachment; filename=transportation.xlsx" {
			t.Errorf("Content-Disposition = %q", got)
		}
		if rec.Body.String() != "sheet" {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("stored file missing", func(t *testing.T) {
		f := newFormFixture(t)
		f.env.DB.Model(f.xform).UpdateColumn("xls", "bob/xls/gone.xls")
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.SetBasicAuth("bob", "bob")
		if rec := f.do(req); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("other user on private form", func(t *testing.T) {
		f := newFormFixture(t)
		f.env.CreateUser(t, "carol", "carol", true)
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.SetBasicAuth("carol", "carol")
		if rec := f.do(req); rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
}
