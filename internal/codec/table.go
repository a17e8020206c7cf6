package codec

import (
	"fmt"
	"sort"
	"sync"
)

// Label pairs an enumerant or flag label with its numeric value.
type Label struct {
	Name  string
	Value uint64
}

// EnumTable is the closed label set of one enumeration type.
type EnumTable struct {
	Tag     string
	entries []Label
	byName  map[string]uint64
	byValue map[uint64]string
}

// NewEnum builds an enumeration table. Duplicate labels or values panic.
func NewEnum(tag string, entries ...Label) *EnumTable {
	t := &EnumTable{
		Tag:     tag,
		entries: entries,
		byName:  make(map[string]uint64, len(entries)),
		byValue: make(map[uint64]string, len(entries)),
	}
	for _, e := range entries {
		if _, dup := t.byName[e.Name]; dup {
			panic(fmt.Sprintf("codec: %s: duplicate label %q", tag, e.Name))
		}
		if _, dup := t.byValue[e.Value]; dup {
			panic(fmt.Sprintf("codec: %s: duplicate value %d", tag, e.Value))
		}
		t.byName[e.Name] = e.Value
		t.byValue[e.Value] = e.Name
	}
	return t
}

// Lookup returns the value for an exact label.
func (t *EnumTable) Lookup(label string) (uint64, bool) {
	v, ok := t.byName[label]
	return v, ok
}

// Label returns the label for a value.
func (t *EnumTable) Label(v uint64) (string, bool) {
	l, ok := t.byValue[v]
	return l, ok
}

// Entries returns the table in declaration order.
func (t *EnumTable) Entries() []Label {
	out := make([]Label, len(t.entries))
	copy(out, t.entries)
	return out
}

// BitmapTable is the set of named flags of one bitmap type.
type BitmapTable struct {
	Tag    string
	flags  []Label
	byName map[string]uint64
	mask   uint64
}

// NewBitmap builds a bitmap table. Each flag value is a mask; overlapping or
// duplicate flags panic.
func NewBitmap(tag string, flags ...Label) *BitmapTable {
	t := &BitmapTable{
		Tag:    tag,
		flags:  flags,
		byName: make(map[string]uint64, len(flags)),
	}
	for _, f := range flags {
		if _, dup := t.byName[f.Name]; dup {
			panic(fmt.Sprintf("codec: %s: duplicate flag %q", tag, f.Name))
		}
		if f.Value == 0 || t.mask&f.Value != 0 {
			panic(fmt.Sprintf("codec: %s: flag %q overlaps", tag, f.Name))
		}
		t.byName[f.Name] = f.Value
		t.mask |= f.Value
	}
	return t
}

// Combine ORs the masks of the given flag labels.
// Flags returns the flags in declaration order.
func (t *BitmapTable) Flags() []Label {
	out := make([]Label, len(t.flags))
	copy(out, t.flags)
	return out
}

func (t *BitmapTable) Combine(labels []string) (uint64, error) {
	var v uint64
	for _, l := range labels {
		m, ok := t.byName[l]
		if !ok {
			return 0, fmt.Errorf("%q: %w", l, ErrUnknownLabel)
		}
		v |= m
	}
	return v, nil
}

// Split returns the labels of the flags set in v, in table order.
func (t *BitmapTable) Split(v uint64) ([]string, error) {
	if v&^t.mask != 0 {
		return nil, fmt.Errorf("bits 0x%X: %w", v&^t.mask, ErrUnknownValue)
	}
	labels := []string{}
	for _, f := range t.flags {
		if v&f.Value != 0 {
			labels = append(labels, f.Name)
		}
	}
	return labels, nil
}

var (
	tablesMu sync.RWMutex
	enums    = make(map[string]*EnumTable)
	bitmaps  = make(map[string]*BitmapTable)
)

// RegisterEnum makes an enumeration table available under its tag.
// Registering a tag twice panics.
func RegisterEnum(t *EnumTable) {
	tablesMu.Lock()
	defer tablesMu.Unlock()
	mustBeFree(t.Tag)
	enums[t.Tag] = t
}

// RegisterBitmap makes a bitmap table available under its tag.
// Registering a tag twice panics.
func RegisterBitmap(t *BitmapTable) {
	tablesMu.Lock()
	defer tablesMu.Unlock()
	mustBeFree(t.Tag)
	bitmaps[t.Tag] = t
}

func mustBeFree(tag string) {
	if _, ok := scalars[tag]; ok {
		panic("codec: tag shadows primitive: " + tag)
	}
	if _, ok := enums[tag]; ok {
		panic("codec: enum registered twice: " + tag)
	}
	if _, ok := bitmaps[tag]; ok {
		panic("codec: bitmap registered twice: " + tag)
	}
}

// Enum returns the registered enumeration table for tag.
func Enum(tag string) (*EnumTable, bool) {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	t, ok := enums[tag]
	return t, ok
}

// Bitmap returns the registered bitmap table for tag.
func Bitmap(tag string) (*BitmapTable, bool) {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	t, ok := bitmaps[tag]
	return t, ok
}

// Tags lists every registered table tag, sorted.
func Tags() []string {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	out := make([]string, 0, len(enums)+len(bitmaps))
	for tag := range enums {
		out = append(out, tag)
	}
	for tag := range bitmaps {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func lookupTable(tag string) (*EnumTable, *BitmapTable, bool) {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	if t, ok := enums[tag]; ok {
		return t, nil, true
	}
	if t, ok := bitmaps[tag]; ok {
		return nil, t, true
	}
	return nil, nil, false
}
