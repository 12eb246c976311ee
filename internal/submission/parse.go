package submission

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Parsed is the decoded content of a submission document.
type Parsed struct {
	// Root is the name of the document element and FormID its id attribute.
	Root    string
	FormID  string
	Version string
	// UUID comes from meta/instanceID without its "uuid:" prefix.
	UUID string
	// Data maps slash separated paths below the root to answers. Repeated
	// groups become []map[string]any with full paths as keys.
	Data map[string]any
}

type node struct {
	name     string
	text     strings.Builder
	children []*node
}

// Parse decodes a submission XML document.
func Parse(data []byte) (*Parsed, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		root  *node
		stack []*node
		attrs []xml.Attr
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidXML, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: multiple root elements", ErrInvalidXML)
				}
				root = n
				attrs = t.Attr
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidXML)
	}

	p := &Parsed{Root: root.name, Data: map[string]any{}}
	for _, a := range attrs {
		switch a.Name.Local {
		case "id":
			p.FormID = a.Value
		case "version":
			p.Version = a.Value
		}
	}
	if p.FormID == "" {
		return nil, fmt.Errorf("%w: root element has no id attribute", ErrInvalidXML)
	}

	flatten(root, "", p.Data)
	if id, ok := p.Data["meta/instanceID"].(string); ok {
		p.UUID = strings.TrimPrefix(id, "uuid:")
	}
	return p, nil
}

// flatten writes the answers below n into out, keyed by path.
func flatten(n *node, prefix string, out map[string]any) {
	counts := make(map[string]int, len(n.children))
	for _, c := range n.children {
		counts[c.name]++
	}

	repeats := make(map[string][]map[string]any)
	for _, c := range n.children {
		path := c.name
		if prefix != "" {
			path = prefix + "/" + c.name
		}
		switch {
		case counts[c.name] > 1 && len(c.children) > 0:
			item := make(map[string]any)
			flatten(c, path, item)
			repeats[path] = append(repeats[path], item)
		case len(c.children) > 0:
			flatten(c, path, out)
		default:
			out[path] = strings.TrimSpace(c.text.String())
		}
	}
	for path, items := range repeats {
		out[path] = items
	}
}
