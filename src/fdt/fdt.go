// Package fdt parses a flattened device tree blob: the structure-block
// token walk (FDT_BEGIN_NODE/FDT_PROP/FDT_END_NODE/FDT_END), "/a/b@c"
// path matching, and the handful of typed property readers (reg,
// interrupts, clock-frequency, #interrupt-cells, status, keymap) the
// rest of this kernel uses to discover its devices instead of probing
// hardware directly.
package fdt

import (
	"encoding/binary"
	"fmt"
)

const (
	magic = 0xd00dfeed

	tokBeginNode = 1
	tokEndNode   = 2
	tokProp      = 3
	tokNop       = 4
	tokEnd       = 9

	maxDepth = 8
)

type header struct {
	Magic          uint32
	TotalSize      uint32
	OffDtStruct    uint32
	OffDtStrings   uint32
	OffMemRsvmap   uint32
	Version        uint32
	LastCompVer    uint32
	BootCpuidPhys  uint32
	SizeDtStrings  uint32
	SizeDtStruct   uint32
}

/// Prop_t is one decoded property: its raw big-endian bytes exactly as
/// stored in the blob.
type Prop_t struct {
	Name  string
	Value []byte
}

/// Node_t is one device-tree node: its full "/a/b@c" path and every
/// property attached directly to it (child nodes are separate Node_t
/// entries, found by path prefix, matching the original's flat
/// path-based lookup rather than a materialized tree).
type Node_t struct {
	Path  string
	Props []Prop_t
}

/// Tree_t is a parsed device tree: every node discovered during a
/// single structure-block walk, in document order.
type Tree_t struct {
	Nodes []Node_t
}

type fdtError string

func (e fdtError) Error() string { return string(e) }

const (
	errBadMagic   fdtError = "fdt: bad magic"
	errTruncated  fdtError = "fdt: truncated structure block"
	errBadToken   fdtError = "fdt: unknown structure token"
)

/// Parse decodes blob into a Tree_t, the Go shape of dtb_get_blob plus
/// a full structure-block walk instead of devicetree.c's lazy
/// path-at-a-time re-walk for every dtb_get_prop call.
func Parse(blob []byte) (*Tree_t, error) {
	if len(blob) < 40 {
		return nil, errTruncated
	}
	var h header
	h.Magic = binary.BigEndian.Uint32(blob[0:4])
	if h.Magic != magic {
		return nil, errBadMagic
	}
	h.OffDtStruct = binary.BigEndian.Uint32(blob[8:12])
	h.OffDtStrings = binary.BigEndian.Uint32(blob[12:16])

	structs := blob[h.OffDtStruct:]
	strings := blob[h.OffDtStrings:]

	var stack [maxDepth]string
	depth := 0
	tree := &Tree_t{}

	p := 0
	for {
		if p+4 > len(structs) {
			return nil, errTruncated
		}
		tok := binary.BigEndian.Uint32(structs[p : p+4])
		p += 4
		switch tok {
		case tokBeginNode:
			end := indexByte(structs[p:], 0)
			if end < 0 {
				return nil, errTruncated
			}
			name := string(structs[p : p+end])
			if depth < maxDepth {
				stack[depth] = name
				depth++
			}
			tree.Nodes = append(tree.Nodes, Node_t{Path: pathOf(stack[:depth])})
			p += end + 1
			p = align4(p)

		case tokEndNode:
			if depth > 0 {
				depth--
			}

		case tokProp:
			if p+8 > len(structs) {
				return nil, errTruncated
			}
			plen := binary.BigEndian.Uint32(structs[p : p+4])
			nameoff := binary.BigEndian.Uint32(structs[p+4 : p+8])
			p += 8
			if int(nameoff) >= len(strings) {
				return nil, errTruncated
			}
			nend := indexByte(strings[nameoff:], 0)
			pname := string(strings[nameoff : int(nameoff)+nend])
			if p+int(plen) > len(structs) {
				return nil, errTruncated
			}
			val := structs[p : p+int(plen)]
			p += int(plen)
			p = align4(p)

			if len(tree.Nodes) == 0 {
				return nil, errTruncated
			}
			last := &tree.Nodes[len(tree.Nodes)-1]
			last.Props = append(last.Props, Prop_t{Name: pname, Value: val})

		case tokNop:

		case tokEnd:
			return tree, nil

		default:
			return nil, errBadToken
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func align4(p int) int {
	for p&3 != 0 {
		p++
	}
	return p
}

func pathOf(stack []string) string {
	s := "/"
	first := true
	for _, name := range stack {
		if name == "" {
			continue
		}
		if !first {
			s += "/"
		}
		s += name
		first = false
	}
	return s
}

/// GetProp returns the raw property bytes at path/prop, the Go shape of
/// dtb_get_prop.
func (t *Tree_t) GetProp(path, prop string) ([]byte, bool) {
	for _, n := range t.Nodes {
		if n.Path != path {
			continue
		}
		for _, p := range n.Props {
			if p.Name == prop {
				return p.Value, true
			}
		}
	}
	return nil, false
}

/// GetPropAny checks each path in order, returning the first hit, the
/// Go shape of dtb_get_prop_any.
func (t *Tree_t) GetPropAny(paths []string, prop string) ([]byte, bool) {
	for _, path := range paths {
		if v, ok := t.GetProp(path, prop); ok {
			return v, true
		}
	}
	return nil, false
}

/// Be32 decodes a big-endian 32-bit cell, the Go shape of
/// dt_be32_read.
func Be32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

/// Reg returns the node's "reg" property as address/size cell pairs,
/// assuming #address-cells = #size-cells = 1 (the only layout this
/// kernel's fixed 32-bit platform uses).
func (t *Tree_t) Reg(path string) ([][2]uint32, bool) {
	v, ok := t.GetProp(path, "reg")
	if !ok || len(v)%8 != 0 {
		return nil, false
	}
	out := make([][2]uint32, len(v)/8)
	for i := range out {
		out[i][0] = Be32(v[i*8 : i*8+4])
		out[i][1] = Be32(v[i*8+4 : i*8+8])
	}
	return out, true
}

/// Interrupts returns the node's "interrupts" property as a flat slice
/// of 32-bit cells, one entry per cell. The node's #interrupt-cells is
/// read but does not group the cells into per-interrupt specifiers.
func (t *Tree_t) Interrupts(path string) ([]uint32, bool) {
	v, ok := t.GetProp(path, "interrupts")
	if !ok {
		return nil, false
	}
	cellSize := t.InterruptCells(path)
	n := len(v) / 4
	cells := make([]uint32, n)
	for i := 0; i < n; i++ {
		cells[i] = Be32(v[i*4 : i*4+4])
	}
	_ = cellSize
	return cells, true
}

/// InterruptCells returns the node's "#interrupt-cells" property, or 1
/// if the node doesn't specify one.
func (t *Tree_t) InterruptCells(path string) uint32 {
	v, ok := t.GetProp(path, "#interrupt-cells")
	if !ok || len(v) < 4 {
		return 1
	}
	return Be32(v)
}

/// ClockFrequency returns the node's "clock-frequency" property in Hz.
func (t *Tree_t) ClockFrequency(path string) (uint32, bool) {
	v, ok := t.GetProp(path, "clock-frequency")
	if !ok || len(v) < 4 {
		return 0, false
	}
	return Be32(v), true
}

/// Keymap returns the node's "keymap" property value verbatim -- an
/// opaque blob naming the keyboard layout this platform's device tree
/// wants, interpreted by src/keyboard.
func (t *Tree_t) Keymap(path string) (string, bool) {
	v, ok := t.GetProp(path, "keymap")
	if !ok {
		return "", false
	}
	return string(v), true
}

/// NodeEnabled reports whether path's "status" property is absent or
/// "okay" -- the Go shape of dtb_node_enabled, where any other value is
/// conservatively treated as disabled.
func (t *Tree_t) NodeEnabled(path string) bool {
	v, ok := t.GetProp(path, "status")
	if !ok || len(v) == 0 {
		return true
	}
	status := string(trimNul(v))
	return status == "okay"
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

/// NodesWithPrefix returns every parsed node whose path has the given prefix --
/// e.g. NodesWithPrefix("/") lists the entire tree, NodesWithPrefix("/soc") lists one
/// subtree -- the closest this flat representation gets to a child
/// walk, since nothing here builds a real parent/child tree.
func (t *Tree_t) NodesWithPrefix(prefix string) []Node_t {
	var out []Node_t
	for _, n := range t.Nodes {
		if hasPrefix(n.Path, prefix) {
			out = append(out, n)
		}
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (n Node_t) String() string {
	return fmt.Sprintf("%s (%d props)", n.Path, len(n.Props))
}
