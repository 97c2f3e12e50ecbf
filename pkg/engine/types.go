package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultHostURI is the host daemon address used when a zone names a process
// without naming a host.
const DefaultHostURI = "tcp://localhost:17653"

// CallKind classifies a named call declared by a block description.
type CallKind string

const (
	// CallInitializer calls run once after construction. Their arguments are
	// critical: changing one rebuilds the instance.
	CallInitializer CallKind = "initializer"

	// CallSetter calls are re-issued in place whenever an argument changes.
	CallSetter CallKind = "setter"
)

// CallDesc describes one named call on a block instance.
type CallDesc struct {
	// Name is the remote method name.
	Name string `json:"name"`

	// Kind is initializer or setter.
	Kind CallKind `json:"type"`

	// Args are property keys whose values are passed positionally.
	Args []string `json:"args,omitempty"`
}

// PortDesc describes an input or output port.
type PortDesc struct {
	// Name is the port name used in connections.
	Name string `json:"name"`

	// Alias is an optional display name.
	Alias string `json:"alias,omitempty"`

	// DType is the element type carried by the port.
	DType string `json:"dtype,omitempty"`

	// Color is derived from DType by the engine.
	Color string `json:"color,omitempty"`
}

// BlockDesc is the structural description of a block.
type BlockDesc struct {
	// Path is the factory path used to construct the instance (e.g. /blocks/gain).
	Path string `json:"path"`

	// Args are the property keys passed to the constructor, in order.
	Args []string `json:"args,omitempty"`

	// Calls are the named calls applied after construction, in order.
	Calls []CallDesc `json:"calls,omitempty"`

	// Inputs are the declared input ports, used until the instance reports its own.
	Inputs []PortDesc `json:"inputs,omitempty"`

	// Outputs are the declared output ports, used until the instance reports its own.
	Outputs []PortDesc `json:"outputs,omitempty"`
}

// criticalKeys returns the property keys that participate in construction.
func (d BlockDesc) criticalKeys() []string {
	seen := make(map[string]bool)
	keys := make([]string, 0, len(d.Args))
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, a := range d.Args {
		add(a)
	}
	for _, c := range d.Calls {
		if c.Kind == CallInitializer {
			for _, a := range c.Args {
				add(a)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// BlockSnapshot is an immutable copy of one block's editor state.
type BlockSnapshot struct {
	// UID is stable for the lifetime of the block.
	UID string `json:"uid"`

	// DisplayID is the user-visible identifier; it may be reassigned.
	DisplayID string `json:"displayId"`

	// Desc is the structural description.
	Desc BlockDesc `json:"desc"`

	// Properties maps property keys to expression strings.
	Properties map[string]string `json:"properties,omitempty"`

	// Zone is the affinity zone name; empty selects the default zone.
	Zone string `json:"zone,omitempty"`

	// Enabled blocks get a live instance.
	Enabled bool `json:"enabled"`

	// IsGUIWidget blocks are constructed on the front-end thread.
	IsGUIWidget bool `json:"isGuiWidget,omitempty"`

	// Constants is the graph-wide constant table.
	Constants map[string]string `json:"constants,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (b BlockSnapshot) Clone() BlockSnapshot {
	out := b
	out.Properties = cloneStrings(b.Properties)
	out.Constants = cloneStrings(b.Constants)
	out.Desc.Args = append([]string(nil), b.Desc.Args...)
	out.Desc.Inputs = append([]PortDesc(nil), b.Desc.Inputs...)
	out.Desc.Outputs = append([]PortDesc(nil), b.Desc.Outputs...)
	if b.Desc.Calls != nil {
		out.Desc.Calls = make([]CallDesc, len(b.Desc.Calls))
		for i, c := range b.Desc.Calls {
			c.Args = append([]string(nil), c.Args...)
			out.Desc.Calls[i] = c
		}
	}
	return out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ConnectionSnapshot is a directed edge between two block ports.
// Equality is structural over all four fields.
type ConnectionSnapshot struct {
	SrcUID  string `json:"srcUid"`
	SrcPort string `json:"srcPort"`
	DstUID  string `json:"dstUid"`
	DstPort string `json:"dstPort"`
}

func (c ConnectionSnapshot) String() string {
	return fmt.Sprintf("%s[%s] -> %s[%s]", c.SrcUID, c.SrcPort, c.DstUID, c.DstPort)
}

func (c ConnectionSnapshot) less(o ConnectionSnapshot) bool {
	if c.SrcUID != o.SrcUID {
		return c.SrcUID < o.SrcUID
	}
	if c.SrcPort != o.SrcPort {
		return c.SrcPort < o.SrcPort
	}
	if c.DstUID != o.DstUID {
		return c.DstUID < o.DstUID
	}
	return c.DstPort < o.DstPort
}

func sortConnections(conns []ConnectionSnapshot) {
	sort.Slice(conns, func(i, j int) bool { return conns[i].less(conns[j]) })
}

// YieldMode selects how thread-pool workers wait for work.
type YieldMode string

const (
	YieldDefault   YieldMode = "default"
	YieldCondition YieldMode = "condition"
	YieldHybrid    YieldMode = "hybrid"
	YieldSpin      YieldMode = "spin"
)

// Valid reports whether m is a known yield mode. The empty mode is treated as default.
func (m YieldMode) Valid() bool {
	switch m {
	case "", YieldDefault, YieldCondition, YieldHybrid, YieldSpin:
		return true
	}
	return false
}

// ZoneConfig is the configuration of one affinity zone.
type ZoneConfig struct {
	// HostURI is the host daemon address; defaults to DefaultHostURI.
	HostURI string `json:"hostUri,omitempty" yaml:"hostUri,omitempty"`

	// ProcessName names the peer process; empty runs the zone in-process.
	ProcessName string `json:"processName,omitempty" yaml:"processName,omitempty"`

	// ThreadCount is the number of pool threads; zero lets the pool decide.
	ThreadCount int `json:"threadCount,omitempty" yaml:"threadCount,omitempty"`

	// YieldMode is one of default, condition, hybrid, spin.
	YieldMode YieldMode `json:"yieldMode,omitempty" yaml:"yieldMode,omitempty"`

	// PriorityPercent is in [-100, 100].
	PriorityPercent int `json:"priorityPercent,omitempty" yaml:"priorityPercent,omitempty"`
}

// EnvironmentKey resolves the environment hosting this zone.
func (z ZoneConfig) EnvironmentKey() EnvironmentKey {
	if z.ProcessName == "" {
		return LocalKey
	}
	host := z.HostURI
	if host == "" {
		host = DefaultHostURI
	}
	return EnvironmentKey{HostURI: host, ProcessName: z.ProcessName}
}

func (z ZoneConfig) poolArgs() map[string]any {
	mode := z.YieldMode
	if mode == "" {
		mode = YieldDefault
	}
	return map[string]any{
		"threadCount":     z.ThreadCount,
		"yieldMode":       string(mode),
		"priorityPercent": z.PriorityPercent,
	}
}

// ZoneSnapshot maps zone names to their configuration.
type ZoneSnapshot map[string]ZoneConfig

// Clone returns a copy of the snapshot.
func (z ZoneSnapshot) Clone() ZoneSnapshot {
	out := make(ZoneSnapshot, len(z))
	for k, v := range z {
		out[k] = v
	}
	return out
}

// EnvironmentKey identifies an execution environment.
type EnvironmentKey struct {
	HostURI     string `json:"hostUri,omitempty"`
	ProcessName string `json:"processName,omitempty"`
}

var (
	// LocalKey is the in-process environment hosting the default zone and the topology.
	LocalKey = EnvironmentKey{}

	// GUIKey is the in-process environment whose instances live on the front-end thread.
	GUIKey = EnvironmentKey{ProcessName: "gui"}
)

// InProcess reports whether the key resolves to this process.
func (k EnvironmentKey) InProcess() bool {
	return k.HostURI == ""
}

func (k EnvironmentKey) String() string {
	switch {
	case k == LocalKey:
		return "local"
	case k.InProcess():
		return k.ProcessName
	default:
		return strings.TrimSuffix(k.HostURI, "/") + "/" + k.ProcessName
	}
}
