package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ExportMode selects what the markup export shows.
type ExportMode string

const (
	// ExportTop shows every submitted block and connection.
	ExportTop ExportMode = "top"

	// ExportFlat shows only the committed live topology.
	ExportFlat ExportMode = "flat"

	// ExportRendered is ExportTop with status and port type colouring.
	ExportRendered ExportMode = "rendered"
)

// PortFilter selects which ports appear on nodes.
type PortFilter string

const (
	PortsConnected PortFilter = "connected"
	PortsAll       PortFilter = "all"
)

// ExportOptions parameterizes ExportMarkup.
type ExportOptions struct {
	Mode  ExportMode `json:"mode"`
	Ports PortFilter `json:"ports"`
}

// Validate checks the option values, filling defaults for empty ones.
func (o *ExportOptions) Validate() error {
	switch o.Mode {
	case "":
		o.Mode = ExportTop
	case ExportTop, ExportFlat, ExportRendered:
	default:
		return fmt.Errorf("invalid export mode: %s", o.Mode)
	}
	switch o.Ports {
	case "":
		o.Ports = PortsConnected
	case PortsConnected, PortsAll:
	default:
		return fmt.Errorf("invalid port filter: %s", o.Ports)
	}
	return nil
}

type nodeView struct {
	uid       string
	displayID string
	path      string
	enabled   bool
	ready     bool
	hasErrors bool
	inputs    []PortDesc
	outputs   []PortDesc
}

type graphView struct {
	nodes map[string]nodeView
	conns []ConnectionSnapshot
}

// renderDOT writes a Graphviz description of the view.
func renderDOT(view graphView, opts ExportOptions, cache *Cache) string {
	used := make(map[string]bool)
	for _, c := range view.conns {
		used[c.SrcUID] = true
		used[c.DstUID] = true
	}
	connected := make(map[string]bool)
	for _, c := range view.conns {
		connected[c.SrcUID+"\x00out\x00"+c.SrcPort] = true
		connected[c.DstUID+"\x00in\x00"+c.DstPort] = true
	}

	uids := make([]string, 0, len(view.nodes))
	for uid := range view.nodes {
		if opts.Mode == ExportFlat && !used[uid] {
			continue
		}
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	var sb strings.Builder
	sb.WriteString("digraph Topology {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=record, style=rounded];\n\n")

	for _, uid := range uids {
		n := view.nodes[uid]
		filter := func(ports []PortDesc, dir string) []PortDesc {
			if opts.Ports == PortsAll {
				return ports
			}
			var out []PortDesc
			for _, p := range ports {
				if connected[uid+"\x00"+dir+"\x00"+p.Name] {
					out = append(out, p)
				}
			}
			return out
		}
		inputs := filter(n.inputs, "in")
		outputs := filter(n.outputs, "out")

		title := escapeRecord(n.displayID)
		if opts.Mode == ExportFlat {
			title += "\\n" + escapeRecord(n.path)
		}
		label := fmt.Sprintf("{%s|%s|%s}", portCells(inputs, "in"), title, portCells(outputs, "out"))

		attrs := fmt.Sprintf("label=\"%s\"", label)
		if opts.Mode == ExportRendered {
			attrs += fmt.Sprintf(", fillcolor=\"%s\", style=\"filled,rounded\"", statusColor(n))
		}
		fmt.Fprintf(&sb, "  \"%s\" [%s];\n", uid, attrs)
	}
	sb.WriteString("\n")

	shown := make(map[string]bool, len(uids))
	for _, uid := range uids {
		shown[uid] = true
	}
	for _, c := range view.conns {
		if !shown[c.SrcUID] || !shown[c.DstUID] {
			continue
		}
		attrs := ""
		if opts.Mode == ExportRendered {
			attrs = fmt.Sprintf(" [color=\"%s\"]", cache.TypeColor(portType(view.nodes[c.SrcUID].outputs, c.SrcPort)))
		}
		fmt.Fprintf(&sb, "  \"%s\":\"out_%s\" -> \"%s\":\"in_%s\"%s;\n",
			c.SrcUID, c.SrcPort, c.DstUID, c.DstPort, attrs)
	}

	sb.WriteString("}\n")
	return sb.String()
}

func portCells(ports []PortDesc, dir string) string {
	cells := make([]string, 0, len(ports))
	for _, p := range ports {
		name := p.Name
		if p.Alias != "" {
			name = p.Alias
		}
		cells = append(cells, fmt.Sprintf("<%s_%s> %s", dir, p.Name, escapeRecord(name)))
	}
	return "{" + strings.Join(cells, "|") + "}"
}

func portType(ports []PortDesc, name string) string {
	for _, p := range ports {
		if p.Name == name {
			return p.DType
		}
	}
	return ""
}

func statusColor(n nodeView) string {
	switch {
	case !n.enabled:
		return "lightgray"
	case n.hasErrors:
		return "lightpink"
	case n.ready:
		return "lightgreen"
	default:
		return "lightyellow"
	}
}

var recordEscaper = strings.NewReplacer(
	`\`, `\\`, `"`, `\"`, `{`, `\{`, `}`, `\}`, `|`, `\|`, `<`, `\<`, `>`, `\>`,
)

func escapeRecord(s string) string {
	return recordEscaper.Replace(s)
}
