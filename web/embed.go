// Package web holds the HTML templates rendered by the server.
package web

import "embed"

// Templates contains templates/*.html. Pages define "title" and "content"
// and are executed through layout.html.
//
//go:embed templates/*.html
var Templates embed.FS
