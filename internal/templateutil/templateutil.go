// Package templateutil renders the embedded HTML pages for handlers and
// middleware.
package templateutil

import (
	"fmt"
	"html/template"
	"io"
	"sync"

	"github.com/form-case/kobocat/web"
)

// FormatBytes formats a byte count into human-readable units (B, KB, MB, etc.).
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FuncMap() template.FuncMap {
	return template.FuncMap{
		"formatBytes": FormatBytes,
	}
}

var (
	baseOnce sync.Once
	base     *template.Template
	baseErr  error
	pages    sync.Map // page name -> *template.Template
)

func layout() (*template.Template, error) {
	baseOnce.Do(func() {
		base, baseErr = template.New("").Funcs(FuncMap()).ParseFS(web.Templates, "templates/layout.html")
	})
	return base, baseErr
}

// Page returns page parsed over the layout. Parsed pages are cached.
func Page(page string) (*template.Template, error) {
	if t, ok := pages.Load(page); ok {
		return t.(*template.Template), nil
	}
	l, err := layout()
	if err != nil {
		return nil, err
	}
	t, err := l.Clone()
	if err != nil {
		return nil, err
	}
	if _, err := t.ParseFS(web.Templates, "templates/"+page); err != nil {
		return nil, err
	}
	pages.Store(page, t)
	return t, nil
}

// Render executes page through layout.html.
func Render(w io.Writer, page string, data map[string]any) error {
	t, err := Page(page)
	if err != nil {
		return err
	}
	return t.ExecuteTemplate(w, "layout.html", data)
}
