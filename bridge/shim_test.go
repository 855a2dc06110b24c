package bridge

import (
	"reflect"
	"testing"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/engine"
	"github.com/wippyai/nep-sign/errors"
	"github.com/wippyai/nep-sign/resource"
)

// objects is a minimal engine.Objects over a resource table.
type objects struct {
	table *resource.Table
}

func (o objects) NewObject(class string, value any) (nepsign.Ref, error) {
	return o.table.NewLocal(class, value)
}

func (o objects) Object(ref nepsign.Ref) (resource.Object, error) {
	return o.table.Get(ref)
}

func TestShim_Dispatch(t *testing.T) {
	objs := objects{table: resource.NewTable()}
	headers, _ := objs.NewObject(resource.ClassHashMap, engine.HashMap{"a": "1", "b": "2"})
	empty, _ := objs.NewObject(resource.ClassHashMap, engine.HashMap{})
	str, _ := objs.NewObject(resource.ClassString, "héllo")

	shim := NewShim(nil, map[string]StandIn{
		"java/lang/String->intern()Ljava/lang/String;":      StandInEmptyString,
		"java/lang/String->getClass()Ljava/lang/Class;":     StandInNull,
		"java/util/HashMap->hashCode()I":                    StandInZero,
		"java/util/HashMap->values()Ljava/util/Collection;": StandInEmptySet,
	})

	tests := []struct {
		name      string
		call      engine.CallOut
		wantClass string
		wantValue any
		wantNull  bool
	}{
		{
			name:      "keySet copies map keys",
			call:      engine.CallOut{Kind: engine.CallOutObject, Class: resource.ClassHashMap, Signature: "java/util/HashMap->keySet()Ljava/util/Set;", This: headers},
			wantClass: resource.ClassHashSet,
			wantValue: engine.HashSet{"a": {}, "b": {}},
		},
		{
			name:      "keySet of empty map",
			call:      engine.CallOut{Kind: engine.CallOutObject, Class: resource.ClassHashMap, Signature: "java/util/HashMap->keySet()Ljava/util/Set;", This: empty},
			wantClass: resource.ClassHashSet,
			wantValue: engine.HashSet{},
		},
		{
			name:      "empty set",
			call:      engine.CallOut{Kind: engine.CallOutObject, Class: resource.ClassHashMap, Signature: "java/util/HashMap->values()Ljava/util/Collection;", This: headers},
			wantClass: resource.ClassHashSet,
			wantValue: engine.HashSet{},
		},
		{
			name:      "empty string",
			call:      engine.CallOut{Kind: engine.CallOutObject, Class: resource.ClassString, Signature: "java/lang/String->intern()Ljava/lang/String;", This: str},
			wantClass: resource.ClassString,
		},
		{
			name:     "null",
			call:     engine.CallOut{Kind: engine.CallOutObject, Class: resource.ClassString, Signature: "java/lang/String->getClass()Ljava/lang/Class;", This: str},
			wantNull: true,
		},
		{
			name:      "pass through toString",
			call:      engine.CallOut{Kind: engine.CallOutObject, Class: resource.ClassString, Method: "toString()Ljava/lang/String;", Signature: "java/lang/String->toString()Ljava/lang/String;", This: str},
			wantClass: resource.ClassString,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ref, err := shim.CallObjectMethod(objs, tc.call)
			if err != nil {
				t.Fatalf("CallObjectMethod failed: %v", err)
			}
			if tc.wantNull {
				if ref != 0 {
					t.Errorf("expected null, got %d", ref)
				}
				return
			}
			obj, err := objs.Object(ref)
			if err != nil {
				t.Fatal(err)
			}
			if obj.Class != tc.wantClass {
				t.Errorf("class = %q, want %q", obj.Class, tc.wantClass)
			}
			if tc.wantValue != nil && !reflect.DeepEqual(obj.Value, tc.wantValue) {
				t.Errorf("value = %#v, want %#v", obj.Value, tc.wantValue)
			}
		})
	}

	n, err := shim.CallIntMethod(objs, engine.CallOut{Kind: engine.CallOutInt, Signature: "java/lang/String->length()I", This: str})
	if err != nil || n != 5 {
		t.Errorf("length = %d, %v; want 5", n, err)
	}
	n, err = shim.CallIntMethod(objs, engine.CallOut{Kind: engine.CallOutInt, Signature: "java/util/HashMap->hashCode()I", This: headers})
	if err != nil || n != 0 {
		t.Errorf("hashCode = %d, %v; want 0", n, err)
	}

	_, err = shim.CallObjectMethod(objs, engine.CallOut{Kind: engine.CallOutStatic, Signature: "java/lang/System->currentTimeMillis()J"})
	if !errors.Is(err, errors.Category(errors.PhaseCallOut, errors.KindUnsupported)) {
		t.Errorf("unknown signature should be unsupported, got %v", err)
	}

	counts := shim.Counts()
	if len(counts) != 8 {
		t.Fatalf("expected 8 distinct signatures, got %+v", counts)
	}
	for i := 1; i < len(counts); i++ {
		if counts[i-1].Signature >= counts[i].Signature {
			t.Errorf("counts not sorted: %+v", counts)
		}
	}
}

func TestShim_OverrideDefault(t *testing.T) {
	sig := "java/util/HashMap->keySet()Ljava/util/Set;"
	if got := NewShim(nil, nil).Lookup(sig); got != StandInKeySet {
		t.Errorf("default keySet = %v", got)
	}
	if got := NewShim(nil, map[string]StandIn{sig: StandInNull}).Lookup(sig); got != StandInNull {
		t.Errorf("override keySet = %v", got)
	}
	if got := NewShim(nil, nil).Lookup("x->y()V"); got != PassThrough {
		t.Errorf("unknown = %v, want pass_through", got)
	}
}

func TestParseStandIn(t *testing.T) {
	for v, name := range standInNames {
		got, err := ParseStandIn(name)
		if err != nil || got != v {
			t.Errorf("ParseStandIn(%q) = %v, %v", name, got, err)
		}
	}
	if got, err := ParseStandIn(" Empty_Set "); err != nil || got != StandInEmptySet {
		t.Errorf("case/space insensitive parse = %v, %v", got, err)
	}
	if _, err := ParseStandIn("hashset"); errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("expected invalid input, got %v", err)
	}

	parsed, err := ParseCallOuts(map[string]string{"a->b()V": "zero"})
	if err != nil || parsed["a->b()V"] != StandInZero {
		t.Errorf("ParseCallOuts = %v, %v", parsed, err)
	}
	if _, err := ParseCallOuts(map[string]string{"a->b()V": "nope"}); err == nil {
		t.Error("expected error for unknown variant")
	}
}
