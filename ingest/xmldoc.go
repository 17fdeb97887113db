package ingest

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/ianaindex"
)

// decodeDocument turns a registry response body into a loose document. The
// format is chosen by the first non-space byte since registries are not
// consistent about Content-Type.
func decodeDocument(body []byte) (any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty response body")
	}
	switch trimmed[0] {
	case '{', '[':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return doc, nil
	case '<':
		return decodeXML(trimmed)
	default:
		head := trimmed
		if len(head) > 64 {
			head = head[:64]
		}
		return nil, fmt.Errorf("unrecognized body format: %q", string(head))
	}
}

// decodeXML converts an XML document into nested maps keyed by element local
// name, with the root element as the single top-level key. Repeated siblings
// become lists, text-only elements become strings and attributes are dropped.
func decodeXML(body []byte) (any, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(label string, in io.Reader) (io.Reader, error) {
		// Some gateways declare EUC-KR over a body that is already UTF-8.
		if utf8.Valid(body) {
			return in, nil
		}
		enc, err := ianaindex.IANA.Encoding(label)
		if err != nil {
			return nil, fmt.Errorf("charset %q: %w", label, err)
		}
		if enc == nil {
			return nil, fmt.Errorf("charset %q: no decoder", label)
		}
		return enc.NewDecoder().Reader(in), nil
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			v, err := decodeXMLElement(dec)
			if err != nil {
				return nil, err
			}
			return map[string]any{start.Name.Local: v}, nil
		}
	}
}

func decodeXMLElement(dec *xml.Decoder) (any, error) {
	var (
		children map[string]any
		text     strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := decodeXMLElement(dec)
			if err != nil {
				return nil, err
			}
			if children == nil {
				children = make(map[string]any)
			}
			name := t.Name.Local
			prev, exists := children[name]
			if !exists {
				children[name] = v
			} else if list, ok := prev.([]any); ok {
				children[name] = append(list, v)
			} else {
				children[name] = []any{prev, v}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if children != nil {
				return children, nil
			}
			return strings.TrimSpace(text.String()), nil
		}
	}
}
