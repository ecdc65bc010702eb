package arena

// Kind classifies the heap object a node stands for.
type Kind uint8

const (
	KindPointer Kind = iota + 1
	KindString
	KindArray
	KindSet
	KindMap
	KindObject
	KindFunction
	KindThread
	KindPromise
)

var kindNames = [...]string{
	KindPointer:  "pointer",
	KindString:   "string",
	KindArray:    "array",
	KindSet:      "set",
	KindMap:      "map",
	KindObject:   "object",
	KindFunction: "function",
	KindThread:   "thread",
	KindPromise:  "promise",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindPointer && k <= KindPromise
}
