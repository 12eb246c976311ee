package templateutil

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		name     string
		bytes    int64
		expected string
	}{
		{"zero bytes", 0, "0 B"},
		{"small bytes", 500, "500 B"},
		{"exactly 1 KB", 1024, "1.0 KB"},
		{"fractional KB", 1536, "1.5 KB"},
		{"exactly 1 MB", 1048576, "1.0 MB"},
		{"exactly 1 GB", 1073741824, "1.0 GB"},
		{"large value", 10995116277760, "10.0 TB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatBytes(tt.bytes)
			if result != tt.expected {
				t.Errorf("FormatBytes(%d) = %q, want %q", tt.bytes, result, tt.expected)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		page string
		data map[string]any
		want string
	}{
		{page: "404.html", data: map[string]any{}, want: "<title>Page Not Found</title>"},
		{page: "405.html", data: map[string]any{"Method": "DELETE"}, want: "The DELETE method is not allowed"},
		{page: "restricted_access.html", data: map[string]any{"ResetURL": "https://kf.example.org/accounts/password/reset/"}, want: "https://kf.example.org/accounts/password/reset/"},
		{page: "login.html", data: map[string]any{"Error": "Invalid username or password"}, want: "Invalid username or password"},
	}
	for _, tt := range tests {
		t.Run(tt.page, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Render(&buf, tt.page, tt.data); err != nil {
				t.Fatalf("Render(%s) failed: %v", tt.page, err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("Render(%s) missing %q:\n%s", tt.page, tt.want, buf.String())
			}
		})
	}
}

func TestRender_PagesDoNotLeak(t *testing.T) {
	var notFound, failed bytes.Buffer
	if err := Render(&notFound, "404.html", nil); err != nil {
		t.Fatal(err)
	}
	if err := Render(&failed, "500.html", nil); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(failed.String(), "Page Not Found") {
		t.Error("500 page rendered content of the 404 page")
	}
}

func TestRender_UnknownPage(t *testing.T) {
	if err := Render(&bytes.Buffer{}, "missing.html", nil); err == nil {
		t.Error("expected an error for an unknown page")
	}
}
