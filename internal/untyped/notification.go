package untyped

import (
	"sync"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/list"
	"github.com/sel4go/rootspace/internal/sys"
)

// FragmentSizeBits is the size of one fragment this pool hands out: 16 bytes, the smallest object
// this root task ever retypes (a Notification).
const FragmentSizeBits = 4

var (
	fragMu     sync.Mutex
	fragments  list.List[Untyped]
	fragSource *Allocator
)

// SetFragmentSource wires the bucketed allocator the fragment pool refills 4K blocks from.
func SetFragmentSource(a *Allocator) {
	fragMu.Lock()
	defer fragMu.Unlock()

	fragSource = a
}

// ResetFragmentForTesting discards the fragment pool and its source, for tests only.
func ResetFragmentForTesting() {
	fragMu.Lock()
	defer fragMu.Unlock()

	fragments = list.List[Untyped]{}
	fragSource = nil
}

// refillLocked splits one fresh 4K block into 256 16-byte fragments. fragMu must be held.
func refillLocked(inv sys.Invoker) error {
	ut, err := fragSource.Allocate4K(inv)
	if err != nil {
		return err
	}

	set, err := ut.SplitAlloc(inv, abi.FanOutLimitBits)
	if err != nil {
		fragSource.Free4K(ut)
		return err
	}

	for {
		frag, ok := set.TakeFront()
		if !ok {
			break
		}

		if err := fragments.Push(frag); err != nil {
			panic("untyped: out of bookkeeping memory refilling fragment pool")
		}
	}

	return nil
}

// Allocate16 returns one 16-byte Untyped, refilling the pool by splitting a fresh 4K block from
// the wired source when it runs dry. The drained UntypedSet from a refill is not kept around --
// once every fragment has been taken out, its backing CapSlotSet has nothing left to track and is
// already safe to let go, unlike a Rust port which needs an explicit list just to keep the parent
// alive until an explicit free.
func Allocate16(inv sys.Invoker) (Untyped, error) {
	fragMu.Lock()
	defer fragMu.Unlock()

	if fragments.Empty() {
		if err := refillLocked(inv); err != nil {
			return Untyped{}, err
		}
	}

	u, ok := fragments.Pop()
	if !ok {
		panic("untyped: fragment pool empty immediately after a successful refill")
	}

	return u, nil
}

// Free16 returns a 16-byte Untyped to the fragment pool.
func Free16(u Untyped) {
	if u.sizeBits != FragmentSizeBits {
		panic("untyped: Free16 of wrongly-sized block")
	}

	fragMu.Lock()
	defer fragMu.Unlock()

	if err := fragments.Push(u); err != nil {
		panic("untyped: out of bookkeeping memory freeing a fragment")
	}
}
