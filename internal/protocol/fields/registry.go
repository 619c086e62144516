// Package fields owns the field registry and the field tree built during a
// dissection pass.
//
// A Registry is constructed once per engine and injected into the
// dissectors; nothing here is process-global.
package fields

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrFieldExists   = errors.New("fields: field already registered")
	ErrInvalidField  = errors.New("fields: invalid field definition")
	ErrUnknownHandle = errors.New("fields: unknown field handle")
)

// Type is the decoded value type of a field.
type Type int

const (
	TypeNone Type = iota
	TypeProtocol
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeInt32
	TypeInt64
	TypeBool
	TypeString
	TypeBytes
	TypeFrameNum
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeProtocol:
		return "protocol"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeFrameNum:
		return "framenum"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Display is the rendering hint for a field value.
type Display int

const (
	DisplayNone Display = iota
	DisplayDec
	DisplayHex
	DisplayDecHex
)

// Spec is one registered field.
type Spec struct {
	Name    string
	Abbrev  string
	Type    Type
	Display Display
}

// Handle is an opaque reference to a registered field. The zero Handle is
// never issued.
type Handle int

// Registry assigns handles and guards abbreviation uniqueness.
type Registry struct {
	specs    []Spec
	byAbbrev map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{byAbbrev: make(map[string]Handle)}
}

// Register adds a field and returns its handle.
func (r *Registry) Register(name, abbrev string, typ Type, display Display) (Handle, error) {
	name = strings.TrimSpace(name)
	abbrev = strings.TrimSpace(abbrev)
	if name == "" {
		return 0, fmt.Errorf("%w: name is required (%q)", ErrInvalidField, abbrev)
	}
	if !isValidAbbrev(abbrev) {
		return 0, fmt.Errorf("%w: invalid abbreviation %q", ErrInvalidField, abbrev)
	}
	if _, ok := r.byAbbrev[abbrev]; ok {
		return 0, fmt.Errorf("%w: %s", ErrFieldExists, abbrev)
	}
	r.specs = append(r.specs, Spec{Name: name, Abbrev: abbrev, Type: typ, Display: display})
	h := Handle(len(r.specs))
	r.byAbbrev[abbrev] = h
	return h, nil
}

// Spec resolves a handle.
func (r *Registry) Spec(h Handle) (Spec, error) {
	if h <= 0 || int(h) > len(r.specs) {
		return Spec{}, fmt.Errorf("%w: %d", ErrUnknownHandle, int(h))
	}
	return r.specs[h-1], nil
}

// Lookup resolves an abbreviation.
func (r *Registry) Lookup(abbrev string) (Handle, bool) {
	h, ok := r.byAbbrev[abbrev]
	return h, ok
}

func (r *Registry) Len() int {
	return len(r.specs)
}

// List returns every spec ordered by abbreviation.
func (r *Registry) List() []Spec {
	out := make([]Spec, len(r.specs))
	copy(out, r.specs)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Abbrev < out[j].Abbrev
	})
	return out
}

func isValidAbbrev(abbrev string) bool {
	if abbrev == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(abbrev); i++ {
		c := abbrev[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.'
		isWord := c == '_' || c == '-'
		if !(isLower || isDigit || isSep || isWord) {
			return false
		}
		if (i == 0 || i == len(abbrev)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
