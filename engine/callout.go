package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf16"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/errors"
	"github.com/wippyai/nep-sign/resource"
)

// CallOutKind identifies which host method family the guest invoked.
type CallOutKind uint8

const (
	CallOutObject CallOutKind = iota
	CallOutStatic
	CallOutInt
)

func (k CallOutKind) String() string {
	switch k {
	case CallOutObject:
		return "object"
	case CallOutStatic:
		return "static"
	case CallOutInt:
		return "int"
	default:
		return fmt.Sprintf("CallOutKind(%d)", uint8(k))
	}
}

// CallOut is one method invocation made by the guest on a host object.
type CallOut struct {
	// Signature is the fully qualified method, e.g.
	// "java/util/HashMap->keySet()Ljava/util/Set;".
	Signature string
	Class     string
	Method    string
	This      nepsign.Ref
	Kind      CallOutKind
}

// Objects is the part of the VM a call-out handler may use.
type Objects interface {
	NewObject(class string, value any) (nepsign.Ref, error)
	Object(ref nepsign.Ref) (resource.Object, error)
}

// CallOutHandler answers guest call-outs. Returning an error aborts the
// guest call in progress.
type CallOutHandler interface {
	CallObjectMethod(objs Objects, c CallOut) (nepsign.Ref, error)
	CallIntMethod(objs Objects, c CallOut) (int32, error)
}

// Collection values stored in the object table.
type (
	// HashMap backs java/util/HashMap objects.
	HashMap map[string]string

	// HashSet backs java/util/HashSet objects.
	HashSet map[string]struct{}
)

// BaseHandler implements the methods the host object model supports.
// Anything else is unsupported and aborts the guest.
type BaseHandler struct{}

// CallObjectMethod implements CallOutHandler.
func (BaseHandler) CallObjectMethod(objs Objects, c CallOut) (nepsign.Ref, error) {
	if c.Kind == CallOutObject && c.Method == "toString()Ljava/lang/String;" {
		obj, err := objs.Object(c.This)
		if err != nil {
			return 0, err
		}
		return objs.NewObject(resource.ClassString, describe(obj))
	}
	return 0, errors.Unsupported(errors.PhaseCallOut, c.Signature)
}

// CallIntMethod implements CallOutHandler.
func (BaseHandler) CallIntMethod(objs Objects, c CallOut) (int32, error) {
	switch c.Signature {
	case "java/lang/String->length()I",
		"java/util/HashMap->size()I",
		"java/util/HashSet->size()I":
	default:
		return 0, errors.Unsupported(errors.PhaseCallOut, c.Signature)
	}

	obj, err := objs.Object(c.This)
	if err != nil {
		return 0, err
	}
	switch v := obj.Value.(type) {
	case string:
		return int32(len(utf16.Encode([]rune(v)))), nil
	case HashMap:
		return int32(len(v)), nil
	case HashSet:
		return int32(len(v)), nil
	default:
		return 0, errors.TypeMismatch(errors.PhaseCallOut, c.Signature, obj.Class, fmt.Sprintf("%T", obj.Value))
	}
}

// describe renders an object the way its Java class prints it. Collection
// keys are sorted so the text is stable.
func describe(obj resource.Object) string {
	switch v := obj.Value.(type) {
	case string:
		return v
	case HashSet:
		return "[" + strings.Join(slices.Sorted(maps.Keys(v)), ", ") + "]"
	case HashMap:
		pairs := make([]string, 0, len(v))
		for _, k := range slices.Sorted(maps.Keys(v)) {
			pairs = append(pairs, k+"="+v[k])
		}
		return "{" + strings.Join(pairs, ", ") + "}"
	case nil:
		return obj.Class
	default:
		return fmt.Sprintf("%s@%v", obj.Class, v)
	}
}
