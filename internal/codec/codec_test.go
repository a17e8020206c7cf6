package codec

import (
	"errors"
	"slices"
	"sort"
	"testing"
)

func init() {
	RegisterEnum(NewEnum("Test.ModeEnum", Label{"Up", 0}, Label{"Down", 1}))
	RegisterBitmap(NewBitmap("Test.FlagsBitmap", Label{"A", 0x01}, Label{"B", 0x04}))
}

func TestDecodePrimitives(t *testing.T) {
	tests := []struct {
		tag  string
		raw  string
		want any
	}{
		{"bool", `true`, true},
		{"uint8", `254`, uint64(254)},
		{"uint16", `65535`, uint64(65535)},
		{"int16", `-2150`, int64(-2150)},
		{"float", `1.5`, 1.5},
		{"string", `"kitchen"`, "kitchen"},
		{"percent", `100`, uint64(100)},
		{"temperature", `2150`, int64(2150)},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			v, err := Decode(tt.tag, []byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			if v.V != tt.want {
				t.Errorf("got %#v, want %#v", v.V, tt.want)
			}
			if v.Tag != tt.tag {
				t.Errorf("tag = %q, want %q", v.Tag, tt.tag)
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		raw  string
		want error
	}{
		{"uint8 overflow", "uint8", `256`, ErrOutOfRange},
		{"uint negative", "uint16", `-1`, ErrOutOfRange},
		{"int8 underflow", "int8", `-129`, ErrOutOfRange},
		{"fractional int", "uint8", `1.5`, ErrOutOfRange},
		{"quoted number", "uint8", `"5"`, ErrTypeMismatch},
		{"null number", "uint8", `null`, ErrTypeMismatch},
		{"bool from number", "bool", `1`, ErrTypeMismatch},
		{"percent over", "percent", `101`, ErrOutOfRange},
		{"below absolute zero", "temperature", `-30000`, ErrOutOfRange},
		{"unknown tag", "Nope.Enum", `"x"`, ErrUnknownType},
		{"enum from number", "Test.ModeEnum", `0`, ErrTypeMismatch},
		{"unknown flag", "Test.FlagsBitmap", `["C"]`, ErrUnknownLabel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.tag, []byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEnumExactMatch(t *testing.T) {
	v, err := Decode("Test.ModeEnum", []byte(`"Down"`))
	if err != nil {
		t.Fatal(err)
	}
	if v.V != uint64(1) {
		t.Errorf("Down = %v, want 1", v.V)
	}

	for _, label := range []string{`"down"`, `"DOWN"`, `" Down"`, `"SidewaysNew"`, `""`} {
		if _, err := Decode("Test.ModeEnum", []byte(label)); !errors.Is(err, ErrUnknownLabel) {
			t.Errorf("Decode(%s) err = %v, want ErrUnknownLabel", label, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	values := []Value{
		{Tag: "bool", V: false},
		{Tag: "uint32", V: uint64(70000)},
		{Tag: "int64", V: int64(-1)},
		{Tag: "string", V: ""},
		{Tag: "percent100ths", V: uint64(2500)},
		{Tag: "Test.ModeEnum", V: uint64(0)},
		{Tag: "Test.FlagsBitmap", V: uint64(0x05)},
		{Tag: "Test.FlagsBitmap", V: uint64(0)},
		{Tag: "OnOff.StartUpOnOffEnum", V: uint64(2)},
		{Tag: "Thermostat.SystemModeEnum", V: uint64(4)},
	}
	for _, v := range values {
		raw, err := Encode(v)
		if err != nil {
			t.Fatalf("Encode(%v): %v", v, err)
		}
		got, err := Decode(v.Tag, raw)
		if err != nil {
			t.Fatalf("Decode(%s, %s): %v", v.Tag, raw, err)
		}
		if !got.Equal(v) {
			t.Errorf("round trip %s: got %#v, want %#v", raw, got, v)
		}
	}
}

func TestEncodeBitmapOrder(t *testing.T) {
	raw, err := Encode(Value{Tag: "Test.FlagsBitmap", V: uint64(0x05)})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `["A","B"]` {
		t.Errorf("got %s", raw)
	}
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want error
	}{
		{"enum value outside table", Value{Tag: "Test.ModeEnum", V: uint64(7)}, ErrUnknownValue},
		{"undeclared bits", Value{Tag: "Test.FlagsBitmap", V: uint64(0x02)}, ErrUnknownValue},
		{"wrong go type", Value{Tag: "uint8", V: "1"}, ErrTypeMismatch},
		{"over range", Value{Tag: "uint8", V: uint64(300)}, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.v); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFromUint(t *testing.T) {
	if _, err := FromUint("Test.ModeEnum", 1); err != nil {
		t.Errorf("FromUint(Down): %v", err)
	}
	if _, err := FromUint("Test.ModeEnum", 2); !errors.Is(err, ErrUnknownValue) {
		t.Errorf("err = %v, want ErrUnknownValue", err)
	}
	if _, err := FromInt("uint8", -1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	RegisterEnum(NewEnum("Test.ModeEnum", Label{"Up", 0}))
}

func TestStandardTablesRegistered(t *testing.T) {
	for _, tag := range []string{
		"OnOff.StartUpOnOffEnum",
		"LevelControl.MoveModeEnum",
		"WindowCovering.ModeBitmap",
		"DoorLock.LockStateEnum",
	} {
		if !Known(tag) {
			t.Errorf("%s not registered", tag)
		}
	}
}

func TestTagsAndLabels(t *testing.T) {
	tags := Tags()
	if !sort.StringsAreSorted(tags) {
		t.Error("tags not sorted")
	}
	if !slices.Contains(tags, "Test.ModeEnum") || !slices.Contains(tags, "Test.FlagsBitmap") {
		t.Fatalf("test tables missing from %v", tags)
	}

	e, _ := Enum("Test.ModeEnum")
	if got := e.Entries(); len(got) != 2 || got[1] != (Label{"Down", 1}) {
		t.Errorf("entries = %v", got)
	}
	b, _ := Bitmap("Test.FlagsBitmap")
	flags := b.Flags()
	if len(flags) != 2 || flags[1] != (Label{"B", 0x04}) {
		t.Errorf("flags = %v", flags)
	}
	flags[0].Name = "changed"
	if b.Flags()[0].Name != "A" {
		t.Error("Flags exposed the table's backing slice")
	}
}
