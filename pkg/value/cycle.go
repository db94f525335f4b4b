package value

// Retain increments o's refcount. Called whenever a Value of kind Obj is
// copied (ObjectValue, container Set/Append, Instance field assignment...),
// per the copy-retains discipline. o may be nil (a Value
// that is not kind Obj has O == nil).
func Retain(o Object) {
	if o == nil {
		return
	}
	p := o.refs()
	*p++
}

// Release decrements o's refcount. At zero it runs the "only-reference-is-
// self" cycle probe before cascading destruction into o's children:
// reference counting alone cannot reclaim cycles, so
// destruction of any container checks whether a contained object's only
// remaining references all originate within the dying subgraph, and if so
// clears its back-edges before freeing.
func Release(o Object) {
	if o == nil {
		return
	}
	p := o.refs()
	*p--
	if *p > 0 {
		return
	}
	breakCycles(o)
	for _, child := range o.children() {
		Release(child.O)
	}
}

// breakCycles implements the probe: Grace has no closures, so
// the only way to form a reference cycle is to store a container inside one
// of its own descendants. When a container's count reaches zero, walk its
// reachable graph; any descendant whose full set of inbound references lies
// entirely within that reachable set is part of the cycle, and its back-edge
// into the set is irrelevant once the set is unreachable from any root — so
// it is safe to let its refcount go stale and proceed straight to recursive
// release. This is cheaper than a full mark-sweep and sufficient under the
// no-closures invariant.
func breakCycles(dying Object) {
	reachable := map[Object]bool{dying: true}
	collectReachable(dying, reachable)
	for obj := range reachable {
		if obj == dying {
			continue
		}
		if allInboundWithin(obj, reachable) {
			// obj's remaining references are wholly internal to the dying
			// subgraph: its stored refcount will never reach zero through
			// the normal Release path once the subgraph is torn down, so
			// force it to zero to let recursive Release reclaim it too.
			*obj.refs() = 0
		}
	}
}

func collectReachable(o Object, seen map[Object]bool) {
	for _, child := range o.children() {
		if child.O == nil || seen[child.O] {
			continue
		}
		seen[child.O] = true
		collectReachable(child.O, seen)
	}
}

// allInboundWithin reports whether every object in `reachable` that
// references obj does so (obj's refcount equals the number of such
// in-subgraph references, i.e. no outside root retains it directly).
func allInboundWithin(obj Object, reachable map[Object]bool) bool {
	inbound := 0
	for other := range reachable {
		if other == obj {
			continue
		}
		for _, child := range other.children() {
			if child.O == obj {
				inbound++
			}
		}
	}
	return inbound >= *obj.refs()
}
