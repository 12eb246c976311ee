package handlers

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/testutil"
)

type openRosaFixture struct {
	env    *testutil.Env
	router http.Handler
	owner  *models.User
}

func newOpenRosaFixture(t *testing.T) *openRosaFixture {
	t.Helper()
	env := testutil.NewEnv(t)
	digest := auth.NewDigest(env.DB, testutil.Realm, []byte("secret"), time.Minute)
	cfg := &config.Config{MaxSubmissionSize: 1 << 20}
	h := NewOpenRosaHandler(env.DB, cfg, env.Storage, auth.Chain{digest, &auth.BasicAuth{DB: env.DB}}, digest.Challenge)

	r := chi.NewRouter()
	r.Get("/{username}/formList", h.FormList)
	r.Get("/{username}/forms/{id}/form.xml", h.FormXML)
	r.Post("/{username}/submission", h.Submit)
	r.Head("/{username}/submission", h.Submit)
	r.Post("/submission", h.Submit)

	return &openRosaFixture{
		env:    env,
		router: r,
		owner:  env.CreateUser(t, "bob", "bob", true),
	}
}

func (f *openRosaFixture) do(req *http.Request, user, pass string) *httptest.ResponseRecorder {
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func submissionDoc(formID, instanceID string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<data id="%s"><name>Alice</name><photo>photo.jpg</photo><meta><instanceID>uuid:%s</instanceID></meta></data>`, formID, instanceID)
}

func multipartSubmission(t *testing.T, doc string, withXML bool, media map[string][]byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if withXML {
		fw, err := mw.CreateFormFile(xmlSubmissionField, "submission.xml")
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(fw, doc)
	}
	for name, content := range media {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, name, name))
		h.Set("Content-Type", "image/jpeg")
		pw, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		pw.Write(content)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func postSubmission(t *testing.T, target, doc string, withXML bool, media map[string][]byte) *http.Request {
	body, contentType := multipartSubmission(t, doc, withXML, media)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", contentType)
	return req
}

func TestFormList(t *testing.T) {
	f := newOpenRosaFixture(t)
	for _, id := range []string{"b10", "a", "b9"} {
		f.env.CreateXForm(t, f.owner, id)
	}
	hidden := f.env.CreateXForm(t, f.owner, "hidden")
	f.env.DB.Model(hidden).Update("downloadable", false)
	f.env.CreateUser(t, "carol", "carol", true)

	t.Run("owner", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/bob/formList", nil), "bob", "bob")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Header().Get("X-OpenRosa-Version") != "1.0" {
			t.Error("missing X-OpenRosa-Version")
		}

		var list xformList
		if err := xml.Unmarshal(rec.Body.Bytes(), &list); err != nil {
			t.Fatalf("invalid xml: %v\n%s", err, rec.Body.String())
		}
		var names []string
		for _, x := range list.Forms {
			names = append(names, x.FormID)
			if !strings.HasPrefix(x.Hash, "md5:") {
				t.Errorf("hash = %q", x.Hash)
			}
			if !strings.HasPrefix(x.DownloadURL, "http://example.com/bob/forms/") || !strings.HasSuffix(x.DownloadURL, "/form.xml") {
				t.Errorf("downloadUrl = %q", x.DownloadURL)
			}
		}
		if got := strings.Join(names, ","); got != "a,b9,b10" {
			t.Errorf("forms = %s, want a,b9,b10", got)
		}
	})

	t.Run("user without access", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/bob/formList", nil), "carol", "carol")
		var list xformList
		if err := xml.Unmarshal(rec.Body.Bytes(), &list); err != nil {
			t.Fatalf("invalid xml: %v", err)
		}
		if len(list.Forms) != 0 {
			t.Errorf("forms = %d, want 0", len(list.Forms))
		}
	})

	t.Run("anonymous is challenged", func(t *testing.T) {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/bob/formList", nil), "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Digest ") {
			t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
		}
	})
}

func TestFormXML(t *testing.T) {
	f := newOpenRosaFixture(t)
	xf := f.env.CreateXForm(t, f.owner, "survey")
	f.env.CreateUser(t, "carol", "carol", true)
	path := "/bob/forms/" + strconv.Itoa(int(xf.ID)) + "/form.xml"

	tests := []struct {
		name       string
		target     string
		user       string
		wantStatus int
	}{
		{name: "owner", target: path, user: "bob", wantStatus: http.StatusOK},
		{name: "other account path", target: "/carol/forms/" + strconv.Itoa(int(xf.ID)) + "/form.xml", user: "bob", wantStatus: http.StatusNotFound},
		{name: "bad id", target: "/bob/forms/x/form.xml", user: "bob", wantStatus: http.StatusNotFound},
		{name: "not shared", target: path, user: "carol", wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(httptest.NewRequest(http.MethodGet, tt.target, nil), tt.user, tt.user)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && rec.Body.String() != testutil.FormXML("survey") {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestSubmit(t *testing.T) {
	f := newOpenRosaFixture(t)
	xf := f.env.CreateXForm(t, f.owner, "survey")
	photo := bytes.Repeat([]byte{0xd8}, 64)

	rec := f.do(postSubmission(t, "/bob/submission", submissionDoc("survey", "abc"), true, map[string][]byte{"photo.jpg": photo}), "bob", "bob")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Successful submission.") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("X-OpenRosa-Version") != "1.0" {
		t.Error("missing X-OpenRosa-Version")
	}

	var inst models.Instance
	if err := f.env.DB.Preload("Attachments").Where("xform_id = ? AND uuid = ?", xf.ID, "abc").First(&inst).Error; err != nil {
		t.Fatalf("instance not stored: %v", err)
	}
	if len(inst.Attachments) != 1 || inst.Attachments[0].MediaFileSize != int64(len(photo)) {
		t.Errorf("attachments = %+v", inst.Attachments)
	}
	if got := f.env.ProfileBytes(t, f.owner.ID); got != int64(len(photo)) {
		t.Errorf("profile bytes = %d, want %d", got, len(photo))
	}

	rec = f.do(postSubmission(t, "/submission", submissionDoc("survey", "abc"), true, nil), "bob", "bob")
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), "Duplicate submission") {
		t.Errorf("duplicate: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubmit_Rejected(t *testing.T) {
	f := newOpenRosaFixture(t)
	f.env.CreateXForm(t, f.owner, "survey")
	f.env.CreateUser(t, "carol", "carol", true)

	tests := []struct {
		name       string
		req        *http.Request
		user       string
		wantStatus int
	}{
		{name: "anonymous", req: postSubmission(t, "/bob/submission", submissionDoc("survey", "1"), true, nil), wantStatus: http.StatusUnauthorized},
		{name: "unknown form", req: postSubmission(t, "/bob/submission", submissionDoc("nope", "2"), true, nil), user: "bob", wantStatus: http.StatusNotFound},
		{name: "malformed xml", req: postSubmission(t, "/bob/submission", "<data id='survey'><a></data>", true, nil), user: "bob", wantStatus: http.StatusBadRequest},
		{name: "no xml part", req: postSubmission(t, "/bob/submission", "", false, map[string][]byte{"a.jpg": {1}}), user: "bob", wantStatus: http.StatusBadRequest},
		{name: "not multipart", req: httptest.NewRequest(http.MethodPost, "/bob/submission", strings.NewReader("x")), user: "bob", wantStatus: http.StatusBadRequest},
		{name: "no permission", req: postSubmission(t, "/bob/submission", submissionDoc("survey", "3"), true, nil), user: "carol", wantStatus: http.StatusForbidden},
		{name: "too large", req: postSubmission(t, "/bob/submission", submissionDoc("survey", "4"), true, map[string][]byte{"big.jpg": make([]byte, 2<<20)}), user: "bob", wantStatus: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.req, tt.user, tt.user)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	var count int64
	f.env.DB.Model(&models.Instance{}).Count(&count)
	if count != 0 {
		t.Errorf("instances = %d, want 0", count)
	}
}

func TestSubmit_Head(t *testing.T) {
	f := newOpenRosaFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodHead, "/bob/submission", nil), "bob", "bob")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("X-OpenRosa-Accept-Content-Length"); got != strconv.Itoa(1<<20) {
		t.Errorf("X-OpenRosa-Accept-Content-Length = %q", got)
	}
}
