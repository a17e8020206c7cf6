package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"zigbee-matter-bridge/internal/codec"
	"zigbee-matter-bridge/internal/datamodel"
	"zigbee-matter-bridge/internal/ncp"
)

// TargetAttribute names the target attribute a native attribute maps to.
type TargetAttribute struct {
	Cluster     uint32
	ClusterName string
	Attribute   uint32
	Name        string
	Def         datamodel.AttributeDef
}

// NativeWrite is a target attribute write translated for the native side.
type NativeWrite struct {
	Cluster   uint16
	Attribute uint16
	Value     codec.Value     // target value, validated
	Native    json.RawMessage // native wire value

	// native updates of the attribute seen when the write was issued
	since uint64
}

type compiledBinding struct {
	ClusterBinding
	attrByNative map[uint16]*AttributeBinding
	attrByTarget map[uint32]*AttributeBinding
	cmdByTarget  map[uint32]*CommandBinding
	// reverse label tables, target label -> native label
	reverse map[uint32]map[string]string
}

func compile(b ClusterBinding) *compiledBinding {
	cb := &compiledBinding{
		ClusterBinding: b,
		attrByNative:   make(map[uint16]*AttributeBinding, len(b.Attributes)),
		attrByTarget:   make(map[uint32]*AttributeBinding, len(b.Attributes)),
		cmdByTarget:    make(map[uint32]*CommandBinding, len(b.Commands)),
		reverse:        make(map[uint32]map[string]string),
	}
	for i := range b.Attributes {
		a := &b.Attributes[i]
		cb.attrByNative[a.Native] = a
		cb.attrByTarget[a.Attribute] = a
		if len(a.Labels) > 0 {
			rev := make(map[string]string, len(a.Labels))
			for n, t := range a.Labels {
				rev[t] = n
			}
			cb.reverse[a.Attribute] = rev
		}
	}
	for i := range b.Commands {
		c := &b.Commands[i]
		cb.cmdByTarget[c.Command] = c
	}
	return cb
}

// Translator converts between native attribute/command representations and
// the target data model using an explicit binding table. It never guesses:
// anything without a binding, label or table entry is rejected.
type Translator struct {
	schema   *datamodel.Registry
	byNative map[uint16]*compiledBinding
	byTarget map[uint32]*compiledBinding
}

// NewTranslator builds a translator. Later bindings for the same native
// cluster replace earlier ones.
func NewTranslator(schema *datamodel.Registry, bindings ...[]ClusterBinding) *Translator {
	t := &Translator{
		schema:   schema,
		byNative: make(map[uint16]*compiledBinding),
		byTarget: make(map[uint32]*compiledBinding),
	}
	for _, set := range bindings {
		for _, b := range set {
			cb := compile(b)
			if prev, ok := t.byNative[b.Native]; ok {
				delete(t.byTarget, prev.Target)
			}
			t.byNative[b.Native] = cb
			t.byTarget[b.Target] = cb
		}
	}
	return t
}

// Schema returns the target schema the translator validates against.
func (t *Translator) Schema() *datamodel.Registry {
	return t.schema
}

// ResolveCluster maps a native cluster to the target cluster exposing it.
// It satisfies ClusterResolver.
func (t *Translator) ResolveCluster(native uint16) (uint32, string, bool) {
	b, ok := t.byNative[native]
	if !ok {
		return 0, "no target binding", false
	}
	if t.schema.Get(b.Target) == nil {
		return 0, fmt.Sprintf("cluster 0x%04X not in target schema", b.Target), false
	}
	return b.Target, "", true
}

// NativeCluster returns the native cluster bound to a target cluster.
func (t *Translator) NativeCluster(target uint32) (uint16, bool) {
	b, ok := t.byTarget[target]
	if !ok {
		return 0, false
	}
	return b.Native, true
}

// AttributeIDs returns the native attributes bound for a native cluster, in
// ascending order.
func (t *Translator) AttributeIDs(native uint16) []uint16 {
	b, ok := t.byNative[native]
	if !ok {
		return nil
	}
	ids := make([]uint16, 0, len(b.attrByNative))
	for id := range b.attrByNative {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// NativeAttribute returns the native cluster and attribute behind a target
// attribute.
func (t *Translator) NativeAttribute(cluster, attr uint32) (uint16, uint16, bool) {
	b, ok := t.byTarget[cluster]
	if !ok {
		return 0, 0, false
	}
	a, ok := b.attrByTarget[attr]
	if !ok {
		return 0, 0, false
	}
	return b.Native, a.Native, true
}

// Target describes the target attribute behind a native attribute.
func (t *Translator) Target(nativeCluster, nativeAttr uint16) (TargetAttribute, error) {
	b, ok := t.byNative[nativeCluster]
	if !ok {
		return TargetAttribute{}, fmt.Errorf("cluster 0x%04X: %w", nativeCluster, ErrNotFound)
	}
	a, ok := b.attrByNative[nativeAttr]
	if !ok {
		return TargetAttribute{}, fmt.Errorf("cluster 0x%04X attribute 0x%04X: no binding: %w",
			nativeCluster, nativeAttr, ErrUnsupportedAttribute)
	}
	def := t.schema.Get(b.Target)
	if def == nil {
		return TargetAttribute{}, fmt.Errorf("cluster 0x%04X: %w", b.Target, ErrNotFound)
	}
	ad := def.FindAttribute(a.Attribute)
	if ad == nil {
		return TargetAttribute{}, fmt.Errorf("%s attribute 0x%04X: %w", def.Name, a.Attribute, ErrUnsupportedAttribute)
	}
	return TargetAttribute{
		Cluster:     def.ID,
		ClusterName: def.Name,
		Attribute:   ad.ID,
		Name:        ad.Name,
		Def:         *ad,
	}, nil
}

// TranslateReport converts a native attribute value to its target value.
// Values without a table entry, a label mapping or within range yield
// ErrUnrepresentable.
func (t *Translator) TranslateReport(nativeCluster, nativeAttr uint16, raw json.RawMessage) (TargetAttribute, codec.Value, error) {
	ta, err := t.Target(nativeCluster, nativeAttr)
	if err != nil {
		return TargetAttribute{}, codec.Value{}, err
	}
	a := t.byNative[nativeCluster].attrByNative[nativeAttr]
	v, err := toTarget(a, ta.Def.Type, raw)
	if err != nil {
		return ta, codec.Value{}, fmt.Errorf("%s.%s: %w: %w", ta.ClusterName, ta.Name, ErrUnrepresentable, err)
	}
	if n, ok := v.Int(); ok && !ta.Def.Range.Contains(n) {
		return ta, codec.Value{}, fmt.Errorf("%s.%s: %d outside [%d, %d]: %w",
			ta.ClusterName, ta.Name, n, ta.Def.Range.Min, ta.Def.Range.Max, ErrUnrepresentable)
	}
	return ta, v, nil
}

// TranslateWrite validates a target write and converts it to a native one.
func (t *Translator) TranslateWrite(cluster, attr uint32, raw json.RawMessage) (NativeWrite, error) {
	def := t.schema.Get(cluster)
	if def == nil {
		return NativeWrite{}, fmt.Errorf("cluster 0x%04X: %w", cluster, ErrNotFound)
	}
	ad := def.FindAttribute(attr)
	if ad == nil {
		return NativeWrite{}, fmt.Errorf("%s attribute 0x%04X: %w", def.Name, attr, ErrUnsupportedAttribute)
	}
	if !ad.IsWritable() {
		return NativeWrite{}, fmt.Errorf("%s.%s: %w", def.Name, ad.Name, ErrUnsupportedWrite)
	}
	v, err := decodeChecked(ad.Type, ad.Range, raw)
	if err != nil {
		return NativeWrite{}, fmt.Errorf("%s.%s: %w", def.Name, ad.Name, err)
	}
	b, ok := t.byTarget[cluster]
	if !ok {
		return NativeWrite{}, fmt.Errorf("%s: no native binding: %w", def.Name, ErrUnsupportedAttribute)
	}
	a, ok := b.attrByTarget[attr]
	if !ok {
		return NativeWrite{}, fmt.Errorf("%s.%s: no native binding: %w", def.Name, ad.Name, ErrUnsupportedAttribute)
	}
	native, err := toNative(a, b.reverse[attr], v)
	if err != nil {
		return NativeWrite{}, fmt.Errorf("%s.%s: %w", def.Name, ad.Name, err)
	}
	return NativeWrite{Cluster: b.Native, Attribute: a.Native, Value: v, Native: native}, nil
}

// TranslateCommand validates a target command payload against the command's
// declared fields and builds the native request. Unknown, duplicate,
// missing or mistyped fields yield ErrInvalidPayload; out-of-range values
// yield ErrConstraint.
func (t *Translator) TranslateCommand(dev *Device, index uint8, cluster, command uint32, payload json.RawMessage) (ncp.ClusterCommandRequest, error) {
	def := t.schema.Get(cluster)
	if def == nil {
		return ncp.ClusterCommandRequest{}, fmt.Errorf("cluster 0x%04X: %w", cluster, ErrNotFound)
	}
	cd := def.FindCommand(command)
	if cd == nil {
		return ncp.ClusterCommandRequest{}, fmt.Errorf("%s command 0x%02X: %w", def.Name, command, ErrUnsupportedCommand)
	}
	b, ok := t.byTarget[cluster]
	if !ok {
		return ncp.ClusterCommandRequest{}, fmt.Errorf("%s.%s: no native binding: %w", def.Name, cd.Name, ErrUnsupportedCommand)
	}
	cb, ok := b.cmdByTarget[command]
	if !ok {
		return ncp.ClusterCommandRequest{}, fmt.Errorf("%s.%s: no native binding: %w", def.Name, cd.Name, ErrUnsupportedCommand)
	}
	ep := dev.Endpoint(index)
	if ep == nil || ep.Clusters[b.Native] == nil {
		return ncp.ClusterCommandRequest{}, fmt.Errorf("%s on endpoint %d: %w", def.Name, index, ErrNotFound)
	}
	if !ep.Clusters[b.Native].SupportsCommand(cb.Native) {
		return ncp.ClusterCommandRequest{}, fmt.Errorf("%s.%s: not supported by device: %w", def.Name, cd.Name, ErrUnsupportedCommand)
	}

	fieldsIn, err := payloadFields(payload)
	if err != nil {
		return ncp.ClusterCommandRequest{}, fmt.Errorf("%s.%s: %w", def.Name, cd.Name, err)
	}
	for name := range fieldsIn {
		if cd.FindField(name) == nil {
			return ncp.ClusterCommandRequest{}, fmt.Errorf("%s.%s: unknown field %q: %w", def.Name, cd.Name, name, ErrInvalidPayload)
		}
	}

	out := make(map[string]json.RawMessage, len(cd.Fields))
	for _, f := range cd.Fields {
		raw, present := fieldsIn[f.Name]
		if !present {
			if f.Optional {
				continue
			}
			return ncp.ClusterCommandRequest{}, fmt.Errorf("%s.%s: missing field %q: %w", def.Name, cd.Name, f.Name, ErrInvalidPayload)
		}
		v, err := decodeChecked(f.Type, f.Range, raw)
		if err != nil {
			return ncp.ClusterCommandRequest{}, fmt.Errorf("%s.%s field %s: %w", def.Name, cd.Name, f.Name, err)
		}
		name, divisor := f.Name, int64(0)
		for _, fb := range cb.Fields {
			if fb.Target == f.Name {
				name, divisor = fb.Native, fb.Divisor
				break
			}
		}
		native, err := fieldToNative(v, divisor)
		if err != nil {
			return ncp.ClusterCommandRequest{}, fmt.Errorf("%s.%s field %s: %w", def.Name, cd.Name, f.Name, err)
		}
		out[name] = native
	}

	req := ncp.ClusterCommandRequest{
		IEEEAddress: dev.IEEEAddress,
		Endpoint:    index,
		ClusterID:   b.Native,
		CommandID:   cb.Native,
	}
	if len(out) > 0 {
		data, err := json.Marshal(out)
		if err != nil {
			return ncp.ClusterCommandRequest{}, fmt.Errorf("%s.%s: %w", def.Name, cd.Name, err)
		}
		req.Payload = data
	}
	return req, nil
}

// payloadFields splits a command payload object into its fields. An empty
// payload or null is an empty object; duplicate keys are ambiguous and
// rejected.
func payloadFields(payload json.RawMessage) (map[string]json.RawMessage, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return map[string]json.RawMessage{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("payload is not an object: %w", ErrInvalidPayload)
	}
	out := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrInvalidPayload)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("bad key: %w", ErrInvalidPayload)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("duplicate field %q: %w", key, ErrInvalidPayload)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("field %q: %v: %w", key, err, ErrInvalidPayload)
		}
		out[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidPayload)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data: %w", ErrInvalidPayload)
	}
	return out, nil
}

// decodeChecked decodes a target-side value. Shape errors are invalid
// payloads; range and table misses are constraint errors.
func decodeChecked(tag string, r *datamodel.Range, raw json.RawMessage) (codec.Value, error) {
	v, err := codec.Decode(tag, raw)
	switch {
	case errors.Is(err, codec.ErrOutOfRange), errors.Is(err, codec.ErrUnknownLabel):
		return codec.Value{}, fmt.Errorf("%w: %w", ErrConstraint, err)
	case err != nil:
		return codec.Value{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if n, ok := v.Int(); ok && !r.Contains(n) {
		return codec.Value{}, fmt.Errorf("%d outside [%d, %d]: %w", n, r.Min, r.Max, ErrConstraint)
	}
	return v, nil
}

// isTable reports whether a tag is an enumeration or bitmap.
func isTable(tag string) bool {
	if _, ok := codec.Enum(tag); ok {
		return true
	}
	_, ok := codec.Bitmap(tag)
	return ok
}

func toTarget(a *AttributeBinding, tag string, raw json.RawMessage) (codec.Value, error) {
	switch {
	case len(a.Labels) > 0:
		var label string
		if err := json.Unmarshal(raw, &label); err != nil {
			return codec.Value{}, codec.ErrTypeMismatch
		}
		mapped, ok := a.Labels[label]
		if !ok {
			return codec.Value{}, fmt.Errorf("native label %q: %w", label, codec.ErrUnknownLabel)
		}
		b, _ := json.Marshal(mapped)
		return codec.Decode(tag, b)
	case a.Numeric || a.Scale != 0:
		return fromNativeNumber(tag, raw, a.Scale)
	}
	return codec.Decode(tag, raw)
}

func fromNativeNumber(tag string, raw json.RawMessage, scale int64) (codec.Value, error) {
	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return codec.Value{}, codec.ErrTypeMismatch
	}
	if scale == 0 {
		scale = 1
	}
	if n, err := strconv.ParseInt(num.String(), 10, 64); err == nil {
		scaled := n * scale
		if n != 0 && scaled/n != scale {
			return codec.Value{}, codec.ErrOutOfRange
		}
		return codec.FromInt(tag, scaled)
	}
	n, err := strconv.ParseUint(num.String(), 10, 64)
	if err != nil {
		return codec.Value{}, codec.ErrTypeMismatch
	}
	if scale != 1 {
		return codec.Value{}, codec.ErrOutOfRange
	}
	return codec.FromUint(tag, n)
}

func toNative(a *AttributeBinding, reverse map[string]string, v codec.Value) (json.RawMessage, error) {
	switch {
	case len(a.Labels) > 0:
		enc, err := codec.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnrepresentable, err)
		}
		var label string
		if err := json.Unmarshal(enc, &label); err != nil {
			return nil, fmt.Errorf("%w: not a label", ErrUnrepresentable)
		}
		native, ok := reverse[label]
		if !ok {
			return nil, fmt.Errorf("%q has no native label: %w", label, ErrUnrepresentable)
		}
		return json.Marshal(native)
	case a.Numeric:
		return json.Marshal(v.V)
	case a.Scale != 0:
		return fieldToNative(v, a.Scale)
	}
	return codec.Encode(v)
}

// fieldToNative renders a validated value for the native side. Tables travel
// as their numeric value; divisor converts units and must divide exactly.
func fieldToNative(v codec.Value, divisor int64) (json.RawMessage, error) {
	if divisor > 1 {
		n, ok := v.Int()
		if !ok {
			return nil, fmt.Errorf("%s is not integral: %w", v, ErrInvalidPayload)
		}
		if n%divisor != 0 {
			return nil, fmt.Errorf("%d is not a multiple of %d: %w", n, divisor, ErrUnrepresentable)
		}
		return json.Marshal(n / divisor)
	}
	if isTable(v.Tag) {
		return json.Marshal(v.V)
	}
	return codec.Encode(v)
}
