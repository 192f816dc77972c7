package normalize

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"gridingest/internal/record"
)

// HTMLTable reads name/value rows from one HTML table into a single sample
// stamped with the fetch time. A row with one cell starts a section; a later
// "Total" row inside it is named "<section> Total".
type HTMLTable struct {
	// Index picks the n-th table (from 0) among those matching Class.
	Index   int
	Class   string
	Exclude []string
}

func (h *HTMLTable) Normalize(in Input) ([]record.RawSample, error) {
	if len(bytes.TrimSpace(in.Payload)) == 0 {
		return nil, nil
	}
	doc, err := html.Parse(bytes.NewReader(in.Payload))
	if err != nil {
		return nil, malformed("parse html: %v", err)
	}
	var tables []*html.Node
	walk(doc, func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Table && (h.Class == "" || hasClass(n, h.Class)) {
			tables = append(tables, n)
		}
	})
	if len(tables) == 0 {
		return nil, nil
	}
	if h.Index < 0 || h.Index >= len(tables) {
		return nil, malformed("table index %d out of range (%d tables)", h.Index, len(tables))
	}

	exclude := make(map[string]bool, len(h.Exclude))
	for _, e := range h.Exclude {
		exclude[e] = true
	}
	fields := map[string]record.Value{}
	section := ""
	walk(tables[h.Index], func(n *html.Node) {
		if n.Type != html.ElementNode || n.DataAtom != atom.Tr {
			return
		}
		var cells []string
		headerOnly := true
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || (c.DataAtom != atom.Td && c.DataAtom != atom.Th) {
				continue
			}
			if c.DataAtom == atom.Td {
				headerOnly = false
			}
			cells = append(cells, text(c))
		}
		switch {
		case len(cells) == 1:
			section = cells[0]
		case len(cells) >= 2 && !headerOnly:
			name := cells[0]
			if strings.EqualFold(name, "total") && section != "" {
				name = section + " Total"
			}
			if name == "" || exclude[name] {
				return
			}
			fields[name] = record.ParseLoose(cells[1])
		}
	})
	if len(fields) == 0 {
		return nil, nil
	}
	return []record.RawSample{record.NewRawSample(in.FetchedAt, fields)}, nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	})
	return strings.Join(strings.Fields(b.String()), " ")
}
