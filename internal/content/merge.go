package content

import "strings"

// Append returns a new document holding base's nodes followed by incoming.
// Neither argument is modified.
func Append(base Doc, incoming []Node) Doc {
	nodes := make([]Node, 0, len(base.Nodes)+len(incoming))
	nodes = append(nodes, base.Nodes...)
	nodes = append(nodes, incoming...)
	return Doc{Nodes: nodes}
}

// Entry returns the entry with the given id.
func (c Collection) Entry(id string) (Entry, bool) {
	for _, entry := range c.Entries {
		if entry.ID == id {
			return entry, true
		}
	}
	return Entry{}, false
}

// MergeEntry appends nodes to the entry named by id, creating it with name
// when absent, and makes it the active entry. The receiver is not modified.
func (c Collection) MergeEntry(id, name string, nodes []Node) (Collection, Entry, bool) {
	next := c.clone()
	for i, entry := range next.Entries {
		if entry.ID != id {
			continue
		}
		entry.Content = Append(entry.Content, nodes)
		next.Entries[i] = entry
		next.ActiveID = id
		return next, entry, false
	}
	entry := Entry{ID: id, Name: name, Content: Append(Doc{}, nodes)}
	next.Entries = append(next.Entries, entry)
	next.ActiveID = id
	return next, entry, true
}

// FromText converts plain text into paragraph nodes, one per blank-line
// separated block. Single newlines inside a block become hard breaks.
func FromText(text string) Doc {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	var nodes []Node
	for _, block := range strings.Split(normalized, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var inline []Node
		for i, line := range strings.Split(block, "\n") {
			if i > 0 {
				inline = append(inline, Node{Type: "hardBreak"})
			}
			if line = strings.TrimSpace(line); line != "" {
				inline = append(inline, Node{Type: "text", Text: line})
			}
		}
		nodes = append(nodes, Node{Type: "paragraph", Content: inline})
	}
	return Doc{Nodes: nodes}
}

// PlainText flattens the document's text nodes, one line per top-level node.
func (d Doc) PlainText() string {
	lines := make([]string, 0, len(d.Nodes))
	for _, node := range d.Nodes {
		var b strings.Builder
		collectText(&b, node)
		if text := strings.TrimSpace(b.String()); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

func collectText(b *strings.Builder, node Node) {
	switch node.Type {
	case "text":
		b.WriteString(node.Text)
		return
	case "hardBreak":
		b.WriteString(" ")
		return
	}
	for _, child := range node.Content {
		collectText(b, child)
	}
}
