// Package datamodel describes the target data model: clusters, their
// attributes, commands and events, and the device types built from them.
package datamodel

import (
	"strconv"
	"strings"
)

// Access flags
const (
	AccessRead   uint8 = 0x01
	AccessWrite  uint8 = 0x02
	AccessReport uint8 = 0x04
)

// Range bounds an integral attribute or field.
type Range struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Contains reports whether n lies within the range.
func (r *Range) Contains(n int64) bool {
	return r == nil || (n >= r.Min && n <= r.Max)
}

// Bounds is shorthand for a Range literal.
func Bounds(min, max int64) *Range {
	return &Range{Min: min, Max: max}
}

// AttributeDef defines a target attribute. Type is a codec tag.
type AttributeDef struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Access uint8  `json:"access"` // bitmask: 1=read, 2=write, 4=reportable
	Range  *Range `json:"range,omitempty"`
}

// IsReadable returns true if the attribute can be read.
func (a *AttributeDef) IsReadable() bool {
	return a.Access&AccessRead != 0
}

// IsWritable returns true if the attribute can be written.
func (a *AttributeDef) IsWritable() bool {
	return a.Access&AccessWrite != 0
}

// IsReportable returns true if the attribute supports reporting.
func (a *AttributeDef) IsReportable() bool {
	return a.Access&AccessReport != 0
}

// FieldDef is one field of a command payload.
type FieldDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
	Range    *Range `json:"range,omitempty"`
}

// CommandDef defines a client-to-server command.
type CommandDef struct {
	ID     uint32     `json:"id"`
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields,omitempty"`
}

// FindField looks up a payload field by exact name.
func (c *CommandDef) FindField(name string) *FieldDef {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}

// EventDef defines a cluster event.
type EventDef struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// ClusterDef defines a target cluster with its attributes, commands and events.
type ClusterDef struct {
	ID         uint32         `json:"id"`
	Name       string         `json:"name"`
	Revision   uint16         `json:"revision"`
	Attributes []AttributeDef `json:"attributes,omitempty"`
	Commands   []CommandDef   `json:"commands,omitempty"`
	Events     []EventDef     `json:"events,omitempty"`
}

// FindAttribute looks up an attribute by ID.
func (c *ClusterDef) FindAttribute(id uint32) *AttributeDef {
	for i := range c.Attributes {
		if c.Attributes[i].ID == id {
			return &c.Attributes[i]
		}
	}
	return nil
}

// FindAttributeByName looks up an attribute by name, ignoring case.
func (c *ClusterDef) FindAttributeByName(name string) *AttributeDef {
	for i := range c.Attributes {
		if strings.EqualFold(c.Attributes[i].Name, name) {
			return &c.Attributes[i]
		}
	}
	return nil
}

// FindCommand looks up a command by ID.
func (c *ClusterDef) FindCommand(id uint32) *CommandDef {
	for i := range c.Commands {
		if c.Commands[i].ID == id {
			return &c.Commands[i]
		}
	}
	return nil
}

// FindCommandByName looks up a command by name, ignoring case.
func (c *ClusterDef) FindCommandByName(name string) *CommandDef {
	for i := range c.Commands {
		if strings.EqualFold(c.Commands[i].Name, name) {
			return &c.Commands[i]
		}
	}
	return nil
}

// LookupAttribute resolves an attribute by name or numeric ID. Numeric IDs
// are returned as-is, whether or not the cluster defines them.
func (c *ClusterDef) LookupAttribute(s string) (uint32, bool) {
	if id, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(id), true
	}
	if ad := c.FindAttributeByName(s); ad != nil {
		return ad.ID, true
	}
	return 0, false
}

// LookupCommand resolves a command by name or numeric ID.
func (c *ClusterDef) LookupCommand(s string) (uint32, bool) {
	if id, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(id), true
	}
	if cd := c.FindCommandByName(s); cd != nil {
		return cd.ID, true
	}
	return 0, false
}

// FindEvent looks up an event by ID.
func (c *ClusterDef) FindEvent(id uint32) *EventDef {
	for i := range c.Events {
		if c.Events[i].ID == id {
			return &c.Events[i]
		}
	}
	return nil
}

// DeepCopy returns a deep copy of the cluster definition.
func (c *ClusterDef) DeepCopy() *ClusterDef {
	cp := *c
	if c.Attributes != nil {
		cp.Attributes = make([]AttributeDef, len(c.Attributes))
		copy(cp.Attributes, c.Attributes)
	}
	if c.Commands != nil {
		cp.Commands = make([]CommandDef, len(c.Commands))
		for i, cmd := range c.Commands {
			cp.Commands[i] = cmd
			if cmd.Fields != nil {
				cp.Commands[i].Fields = make([]FieldDef, len(cmd.Fields))
				copy(cp.Commands[i].Fields, cmd.Fields)
			}
		}
	}
	if c.Events != nil {
		cp.Events = make([]EventDef, len(c.Events))
		copy(cp.Events, c.Events)
	}
	return &cp
}

// Merge adds attributes, commands and events from another definition.
func (c *ClusterDef) Merge(other *ClusterDef) {
	for _, attr := range other.Attributes {
		if c.FindAttribute(attr.ID) == nil {
			c.Attributes = append(c.Attributes, attr)
		}
	}
	for _, cmd := range other.Commands {
		if c.FindCommand(cmd.ID) == nil {
			c.Commands = append(c.Commands, cmd)
		}
	}
	for _, ev := range other.Events {
		if c.FindEvent(ev.ID) == nil {
			c.Events = append(c.Events, ev)
		}
	}
}
