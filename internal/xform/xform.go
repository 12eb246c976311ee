// Package xform reads the parts of an XForm definition the server needs:
// the form id, title and version, and the type of each bound field.
package xform

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrInvalidForm = errors.New("invalid xform")

const (
	TypeSelectMultiple = "select"
	TypeSelectOne      = "select1"
	TypeGeopoint       = "geopoint"
	TypeBinary         = "binary"
)

type Field struct {
	// Path is slash separated and relative to the instance root,
	// e.g. "group/question".
	Path string
	Type string
}

type Form struct {
	IDString string
	Title    string
	Version  string
	Root     string
	Fields   []Field
}

// Parse extracts form metadata and field binds from an XForm document.
func Parse(data []byte) (*Form, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	form := &Form{}

	var (
		stack      []string
		inInstance bool
		binds      []Field
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidForm, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			parent := ""
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}
			switch {
			case name == "instance" && parent == "model" && form.Root == "":
				inInstance = true
			case inInstance && parent == "instance":
				form.Root = name
				form.IDString = attr(t, "id")
				form.Version = attr(t, "version")
			case name == "bind":
				binds = append(binds, Field{Path: attr(t, "nodeset"), Type: attr(t, "type")})
			}
			stack = append(stack, name)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if t.Name.Local == "instance" {
				inInstance = false
			}
		case xml.CharData:
			if len(stack) > 0 && stack[len(stack)-1] == "title" && form.Title == "" {
				form.Title = strings.TrimSpace(string(t))
			}
		}
	}

	if form.Root == "" || form.IDString == "" {
		return nil, fmt.Errorf("%w: missing instance root or id", ErrInvalidForm)
	}

	prefix := "/" + form.Root + "/"
	for _, b := range binds {
		if !strings.HasPrefix(b.Path, prefix) {
			continue
		}
		form.Fields = append(form.Fields, Field{Path: strings.TrimPrefix(b.Path, prefix), Type: b.Type})
	}
	if form.Title == "" {
		form.Title = form.IDString
	}
	return form, nil
}

// FieldsOfType returns the paths of fields bound with the given type.
func (f *Form) FieldsOfType(typ string) []string {
	var paths []string
	for _, field := range f.Fields {
		if field.Type == typ {
			paths = append(paths, field.Path)
		}
	}
	return paths
}

type surveyField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type survey struct {
	Name     string        `json:"name"`
	Title    string        `json:"title"`
	IDString string        `json:"id_string"`
	Version  string        `json:"version,omitempty"`
	Type     string        `json:"type"`
	Children []surveyField `json:"children"`
}

// SurveyJSON renders the form as a survey document: its identity plus one
// child per bound field.
func (f *Form) SurveyJSON() ([]byte, error) {
	s := survey{
		Name:     f.Root,
		Title:    f.Title,
		IDString: f.IDString,
		Version:  f.Version,
		Type:     "survey",
		Children: make([]surveyField, 0, len(f.Fields)),
	}
	for _, field := range f.Fields {
		s.Children = append(s.Children, surveyField{Name: field.Path, Type: field.Type})
	}
	return json.Marshal(s)
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
