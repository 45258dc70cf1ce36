package crdt

import (
	"fmt"

	"github.com/kevinxiao27/ycrdt/codec"
)

// ID addresses a single clock tick of a client. Each inserted unit of
// content gets its own ID.
type ID struct {
	Client uint64 `json:"client"`
	Clock  int    `json:"clock"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func idPtr(client uint64, clock int) *ID {
	return &ID{Client: client, Clock: clock}
}

// compareIDs reports whether both are nil or both point to equal ids.
func compareIDs(a, b *ID) bool {
	return a == b || (a != nil && b != nil && *a == *b)
}

func writeID(enc *codec.Encoder, id ID) {
	enc.WriteVarUint(id.Client)
	enc.WriteVarUint(uint64(id.Clock))
}

func readID(dec *codec.Decoder) ID {
	return ID{Client: dec.ReadVarUint(), Clock: int(dec.ReadVarUint())}
}

// findRootTypeKey returns the name under which a root type is shared. Types
// that are not registered as roots panic.
func findRootTypeKey(t SharedType) string {
	d := t.base().doc
	for name, v := range d.share {
		if v == t {
			return name
		}
	}
	unexpectedCase("type is not a root type")
	return ""
}
