package main

import (
	"math/rand"

	"github.com/chazu/marrow/arena"
	"github.com/chazu/marrow/vm"
)

// workload describes a synthetic program: each round calls a function that
// builds a graph of objects in its locals (a ring plus random chords, some
// of them removed again) and returns one node. The caller either anchors
// the result to a long-lived object or drops it.
type workload struct {
	Objects      int
	Rounds       int
	Chords       int // extra edges per round
	Unlinks      int // edges removed per round
	CollectEvery int // rounds between explicit collections, 0 for none
	Seed         int64
}

type edge struct{ from, to int }

// generate assembles the workload. The program always leaves the stack
// empty before halting, so a complete run releases every root it took.
func (w workload) generate() []vm.Instr {
	rng := rand.New(rand.NewSource(w.Seed))
	n := max(w.Objects, 1)

	// Main section: anchor, one call per round, cleanup.
	var head []vm.Instr
	head = append(head, vm.Instr{Op: vm.OpNew, A: int(arena.KindObject)})
	callSites := make([]int, w.Rounds)
	for r := range w.Rounds {
		callSites[r] = len(head)
		head = append(head, vm.Instr{Op: vm.OpCall, B: 0, C: n})
		if rng.Intn(4) == 0 {
			head = append(head, vm.Instr{Op: vm.OpLink})
		} else {
			head = append(head, vm.Instr{Op: vm.OpPop})
		}
		if w.CollectEvery > 0 && (r+1)%w.CollectEvery == 0 {
			head = append(head, vm.Instr{Op: vm.OpCollect})
		}
	}
	head = append(head,
		vm.Instr{Op: vm.OpPop},
		vm.Instr{Op: vm.OpCollect},
		vm.Instr{Op: vm.OpHalt},
	)

	code := head
	for r := range w.Rounds {
		code[callSites[r]].A = len(code)
		code = append(code, w.body(rng, n)...)
	}
	return code
}

func (w workload) body(rng *rand.Rand, n int) []vm.Instr {
	var code []vm.Instr
	kinds := int(arena.KindPromise - arena.KindPointer + 1)
	for i := range n {
		kind := arena.KindPointer + arena.Kind(rng.Intn(kinds))
		code = append(code,
			vm.Instr{Op: vm.OpNew, A: int(kind)},
			vm.Instr{Op: vm.OpStore, A: i},
		)
	}

	var edges []edge
	link := func(op vm.Opcode, e edge) {
		code = append(code,
			vm.Instr{Op: vm.OpLoad, A: e.from},
			vm.Instr{Op: vm.OpLoad, A: e.to},
			vm.Instr{Op: op},
			vm.Instr{Op: vm.OpPop},
		)
	}
	for i := range n {
		e := edge{i, (i + 1) % n}
		edges = append(edges, e)
		link(vm.OpLink, e)
	}
	for range w.Chords {
		e := edge{rng.Intn(n), rng.Intn(n)}
		edges = append(edges, e)
		link(vm.OpLink, e)
	}
	for range min(w.Unlinks, len(edges)) {
		i := rng.Intn(len(edges))
		link(vm.OpUnlink, edges[i])
		edges[i] = edges[len(edges)-1]
		edges = edges[:len(edges)-1]
	}

	code = append(code,
		vm.Instr{Op: vm.OpLoad, A: rng.Intn(n)},
		vm.Instr{Op: vm.OpReturn, A: 1},
	)
	return code
}
