// Package content models structured project content: rich documents made of
// ProseMirror-style node trees, and collection documents holding named
// entries that each carry their own document.
//
// A stored value is always exactly one of the two shapes:
//
//	{"type":"doc","content":[...nodes]}
//	{"type":"collection","entries":[{"id","name","content":{doc}}],"activeId":"..."}
//
// Anything else is rejected with a *ValidationError.
package content

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

type Kind string

const (
	KindDoc        Kind = "doc"
	KindCollection Kind = "collection"
)

// Node is one element of a document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting applied to a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

type Doc struct {
	Nodes []Node
}

type Entry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content Doc    `json:"content"`
}

type Collection struct {
	Entries  []Entry
	ActiveID string
}

// Content is the tagged union of Doc and Collection. Exactly one field is set
// on values produced by this package.
type Content struct {
	Doc        *Doc
	Collection *Collection
}

type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid content: " + e.Message
	}
	return fmt.Sprintf("invalid content at %s: %s", e.Path, e.Message)
}

func invalid(path, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

func NewDoc(nodes ...Node) Content {
	doc := Doc{Nodes: append([]Node(nil), nodes...)}
	return Content{Doc: &doc}
}

func NewCollection(collection Collection) Content {
	c := collection.clone()
	return Content{Collection: &c}
}

func (c Content) Kind() Kind {
	switch {
	case c.Doc != nil:
		return KindDoc
	case c.Collection != nil:
		return KindCollection
	default:
		return ""
	}
}

func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Kind() {
	case KindDoc:
		return json.Marshal(c.Doc)
	case KindCollection:
		return json.Marshal(c.Collection)
	default:
		return nil, invalid("", "content has no variant set")
	}
}

func (c *Content) UnmarshalJSON(raw []byte) error {
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

type docWire struct {
	Type    string `json:"type"`
	Content []Node `json:"content"`
}

func (d Doc) MarshalJSON() ([]byte, error) {
	nodes := d.Nodes
	if nodes == nil {
		nodes = []Node{}
	}
	return json.Marshal(docWire{Type: string(KindDoc), Content: nodes})
}

func (d *Doc) UnmarshalJSON(raw []byte) error {
	parsed, err := ParseDoc(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type collectionWire struct {
	Type     string  `json:"type"`
	Entries  []Entry `json:"entries"`
	ActiveID string  `json:"activeId,omitempty"`
}

func (c Collection) MarshalJSON() ([]byte, error) {
	entries := c.Entries
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(collectionWire{Type: string(KindCollection), Entries: entries, ActiveID: c.ActiveID})
}

func (c *Collection) UnmarshalJSON(raw []byte) error {
	parsed, err := ParseCollection(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Parse decodes raw into whichever variant its type tag names.
func Parse(raw []byte) (Content, error) {
	kind, err := peekKind(raw)
	if err != nil {
		return Content{}, err
	}
	switch kind {
	case KindDoc:
		doc, err := ParseDoc(raw)
		if err != nil {
			return Content{}, err
		}
		return Content{Doc: &doc}, nil
	case KindCollection:
		collection, err := ParseCollection(raw)
		if err != nil {
			return Content{}, err
		}
		return Content{Collection: &collection}, nil
	default:
		return Content{}, invalid("type", "unknown content type %q", kind)
	}
}

func ParseDoc(raw []byte) (Doc, error) {
	kind, err := peekKind(raw)
	if err != nil {
		return Doc{}, err
	}
	if kind != KindDoc {
		return Doc{}, invalid("type", "expected %q, got %q", KindDoc, kind)
	}
	var wire docWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Doc{}, invalid("content", "%v", err)
	}
	if err := validateNodes("content", wire.Content); err != nil {
		return Doc{}, err
	}
	return Doc{Nodes: wire.Content}, nil
}

func ParseCollection(raw []byte) (Collection, error) {
	kind, err := peekKind(raw)
	if err != nil {
		return Collection{}, err
	}
	if kind != KindCollection {
		return Collection{}, invalid("type", "expected %q, got %q", KindCollection, kind)
	}
	var wire collectionWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			return Collection{}, validationErr
		}
		return Collection{}, invalid("entries", "%v", err)
	}
	seen := make(map[string]struct{}, len(wire.Entries))
	for i, entry := range wire.Entries {
		path := fmt.Sprintf("entries[%d]", i)
		if strings.TrimSpace(entry.ID) == "" {
			return Collection{}, invalid(path+".id", "entry id is required")
		}
		if _, dup := seen[entry.ID]; dup {
			return Collection{}, invalid(path+".id", "duplicate entry id %q", entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}
	if wire.ActiveID != "" {
		if _, ok := seen[wire.ActiveID]; !ok {
			return Collection{}, invalid("activeId", "active entry %q does not exist", wire.ActiveID)
		}
	}
	return Collection{Entries: wire.Entries, ActiveID: wire.ActiveID}, nil
}

func peekKind(raw []byte) (Kind, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", invalid("", "content is required")
	}
	if trimmed[0] != '{' {
		return "", invalid("", "content must be a JSON object")
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return "", invalid("type", "%v", err)
	}
	if head.Type == "" {
		return "", invalid("type", "content type is required")
	}
	return Kind(head.Type), nil
}

func validateNodes(path string, nodes []Node) error {
	for i, node := range nodes {
		nodePath := fmt.Sprintf("%s[%d]", path, i)
		if strings.TrimSpace(node.Type) == "" {
			return invalid(nodePath+".type", "node type is required")
		}
		for j, mark := range node.Marks {
			if strings.TrimSpace(mark.Type) == "" {
				return invalid(fmt.Sprintf("%s.marks[%d].type", nodePath, j), "mark type is required")
			}
		}
		if err := validateNodes(nodePath+".content", node.Content); err != nil {
			return err
		}
	}
	return nil
}

// Digest returns a hex blake2b-256 hash of the document's canonical JSON.
func (d Doc) Digest() (string, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal doc: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func (c Collection) clone() Collection {
	entries := make([]Entry, len(c.Entries))
	copy(entries, c.Entries)
	return Collection{Entries: entries, ActiveID: c.ActiveID}
}
