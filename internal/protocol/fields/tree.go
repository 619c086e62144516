package fields

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/uadissect/internal/protocol/byteview"
)

// Node is one item of a field tree. Offset and Length locate the item inside
// the data source named by Source.
type Node struct {
	Name     string  `json:"name"`
	Abbrev   string  `json:"abbrev,omitempty"`
	Source   string  `json:"source"`
	Offset   int     `json:"offset"`
	Length   int     `json:"length"`
	Value    any     `json:"value,omitempty"`
	Text     string  `json:"text,omitempty"`
	Children []*Node `json:"children,omitempty"`

	field Handle
	spec  Spec
	reg   *Registry
}

// Tree is the additive output of one dissection pass.
type Tree struct {
	reg  *Registry
	root *Node
}

func NewTree(reg *Registry) *Tree {
	return &Tree{reg: reg, root: &Node{reg: reg}}
}

// Root returns the unnamed top-level node.
func (t *Tree) Root() *Node {
	return t.root
}

// Add attaches a registered field covering [off, off+length) of v. A length
// of -1 extends to the end of v.
func (n *Node) Add(h Handle, v byteview.View, off, length int, value any) *Node {
	spec, err := n.reg.Spec(h)
	if err != nil {
		spec = Spec{Name: fmt.Sprintf("<unknown field %d>", int(h))}
	}
	if length < 0 {
		length = v.Remaining(off)
	}
	child := &Node{
		Name:   spec.Name,
		Abbrev: spec.Abbrev,
		Source: v.Name(),
		Offset: off,
		Length: length,
		Value:  value,
		field:  h,
		spec:   spec,
		reg:    n.reg,
	}
	n.Children = append(n.Children, child)
	return child
}

// AddText attaches a text-only item.
func (n *Node) AddText(v byteview.View, off, length int, format string, args ...any) *Node {
	if length < 0 {
		length = v.Remaining(off)
	}
	child := &Node{
		Name:   fmt.Sprintf(format, args...),
		Source: v.Name(),
		Offset: off,
		Length: length,
		reg:    n.reg,
	}
	n.Children = append(n.Children, child)
	return child
}

// SetText overrides the rendered label of n.
func (n *Node) SetText(format string, args ...any) {
	n.Text = fmt.Sprintf(format, args...)
}

func (n *Node) Field() Handle {
	return n.field
}

// Find returns the first node depth-first whose abbreviation matches.
func (n *Node) Find(abbrev string) *Node {
	for _, c := range n.Children {
		if c.Abbrev == abbrev {
			return c
		}
		if found := c.Find(abbrev); found != nil {
			return found
		}
	}
	return nil
}

// Walk visits every descendant of n depth-first.
func (n *Node) Walk(fn func(depth int, node *Node)) {
	n.walk(0, fn)
}

func (n *Node) walk(depth int, fn func(int, *Node)) {
	for _, c := range n.Children {
		fn(depth, c)
		c.walk(depth+1, fn)
	}
}

// Label renders a node the way a packet-details pane would.
func (n *Node) Label() string {
	if n.Text != "" {
		return n.Text
	}
	if n.Value == nil || n.spec.Type == TypeProtocol || n.spec.Type == TypeNone {
		return n.Name
	}
	return n.Name + ": " + formatValue(n.spec, n.Value)
}

// Format writes the tree below n as indented text.
func (n *Node) Format(w io.Writer) error {
	var err error
	n.Walk(func(depth int, node *Node) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(w, "%s%s\n", strings.Repeat("    ", depth), node.Label())
	})
	return err
}

func formatValue(spec Spec, value any) string {
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			return "<MISSING>"
		}
		return hex.EncodeToString(v)
	case string:
		return v
	case bool:
		if v {
			return "True"
		}
		return "False"
	case uint8, uint16, uint32, uint64, int32, int64, int:
		switch spec.Display {
		case DisplayHex:
			return fmt.Sprintf("0x%0*x", hexWidth(spec.Type), v)
		case DisplayDecHex:
			return fmt.Sprintf("%d (0x%0*x)", v, hexWidth(spec.Type), v)
		default:
			return fmt.Sprintf("%d", v)
		}
	default:
		return fmt.Sprint(v)
	}
}

func hexWidth(t Type) int {
	switch t {
	case TypeUint8:
		return 2
	case TypeUint16:
		return 4
	case TypeUint64, TypeInt64:
		return 16
	default:
		return 8
	}
}
