package vm

import (
	"fmt"
	"math"

	"github.com/chazu/marrow/arena"
)

// Tag is the runtime type of a Value.
type Tag uint8

// Value tags. Tags from TagPointer on name heap objects and line up with
// arena.Kind.
const (
	TagNil Tag = iota
	TagInt
	TagFloat
	TagBool
	TagType
	TagPointer
	TagString
	TagArray
	TagSet
	TagMap
	TagObject
	TagFunction
	TagThread
	TagPromise
)

var tagNames = [...]string{
	TagNil:      "nil",
	TagInt:      "int",
	TagFloat:    "float",
	TagBool:     "bool",
	TagType:     "type",
	TagPointer:  "pointer",
	TagString:   "string",
	TagArray:    "array",
	TagSet:      "set",
	TagMap:      "map",
	TagObject:   "object",
	TagFunction: "function",
	TagThread:   "thread",
	TagPromise:  "promise",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", t)
}

// IsReference reports whether values with this tag live on the heap.
func (t Tag) IsReference() bool {
	return t >= TagPointer && t <= TagPromise
}

// Kind returns the heap object kind for a reference tag, or 0.
func (t Tag) Kind() arena.Kind {
	if !t.IsReference() {
		return 0
	}
	return arena.KindPointer + arena.Kind(t-TagPointer)
}

// TagOf returns the reference tag for a heap object kind.
func TagOf(k arena.Kind) Tag {
	if !k.Valid() {
		return TagNil
	}
	return TagPointer + Tag(k-arena.KindPointer)
}

// Value is a tagged interpreter value. Scalars carry their payload in bits;
// references carry the handle of their heap node.
type Value struct {
	tag  Tag
	bits uint64
	ref  arena.Handle
}

// Nil is the nil value.
var Nil = Value{}

// Int returns an integer value.
func Int(i int64) Value {
	return Value{tag: TagInt, bits: uint64(i)}
}

// Float returns a float value.
func Float(f float64) Value {
	return Value{tag: TagFloat, bits: math.Float64bits(f)}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{tag: TagBool}
	if b {
		v.bits = 1
	}
	return v
}

// Type returns a value naming the runtime type t.
func Type(t Tag) Value {
	return Value{tag: TagType, bits: uint64(t)}
}

// Ref returns a reference to the heap node h of the given kind.
func Ref(kind arena.Kind, h arena.Handle) Value {
	return Value{tag: TagOf(kind), ref: h}
}

// Tag returns the value's runtime tag.
func (v Value) Tag() Tag {
	return v.tag
}

// IsReferenceType reports whether v refers to a heap object. Only such
// values are tracked as roots.
func (v Value) IsReferenceType() bool {
	return v.tag.IsReference()
}

// Handle returns the heap node of a reference value, or arena.Nil.
func (v Value) Handle() arena.Handle {
	return v.ref
}

// AsInt returns the payload of an int value.
func (v Value) AsInt() int64 {
	return int64(v.bits)
}

// AsFloat returns the payload of a float value.
func (v Value) AsFloat() float64 {
	return math.Float64frombits(v.bits)
}

// AsBool returns the payload of a bool value.
func (v Value) AsBool() bool {
	return v.bits != 0
}

func (v Value) String() string {
	switch v.tag {
	case TagNil:
		return "nil"
	case TagInt:
		return fmt.Sprintf("%d", v.AsInt())
	case TagFloat:
		return fmt.Sprintf("%g", v.AsFloat())
	case TagBool:
		return fmt.Sprintf("%t", v.AsBool())
	case TagType:
		return "<" + Tag(v.bits).String() + ">"
	default:
		return fmt.Sprintf("%s%v", v.tag, v.ref)
	}
}
