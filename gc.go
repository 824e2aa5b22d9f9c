package lily

// GCEntry is a heap object's membership record in the GC's tagged-object
// chain: the object itself and the pass number it was last visited
// during a mark. lastPass == -1 is the sentinel spec 4.G uses to break
// recursive destruction when a cycle's shells tear each other down.
type GCEntry struct {
	obj      Heap
	lastPass int
	next     *GCEntry
}

// GC is Lily's hybrid collector: ordinary values are freed the instant
// their refcount hits zero (see deref/incref below); only "may be
// circular" containers (List, Hash, Tuple, Instance, Variant, Any,
// Function-with-closure) are registered here and swept when a full mark
// pass finds them unreachable from any root.
type GC struct {
	vm *VM

	head      *GCEntry
	tagged    int
	threshold int
	multiplier int
	pass      int
}

// NewGC creates a collector with the given starting threshold and growth
// multiplier (options gc_start / gc_multiplier, spec 1/4.G).
func NewGC(vm *VM, start, multiplier int) *GC {
	if start <= 0 {
		start = defaultGCStart
	}
	if multiplier <= 0 {
		multiplier = defaultGCMultiplier
	}
	return &GC{vm: vm, threshold: start, multiplier: multiplier}
}

// Register records a freshly allocated heap object in the tagged-object
// chain and initializes its entry, per gc_register. Collection runs
// automatically once the tagged count crosses the threshold.
func (gc *GC) Register(obj Heap) {
	h := obj.Header()
	if h.Tagged {
		return
	}
	entry := &GCEntry{obj: obj, lastPass: -1}
	entry.next = gc.head
	gc.head = entry
	h.Entry = entry
	h.Tagged = true
	h.RC = 1
	gc.tagged++
	if gc.tagged >= gc.threshold {
		gc.Collect()
	}
}

// Incref/Decref implement the refcounted fast path: plain acyclic values
// (String, File, Foreign not holding a tagged payload) are destroyed the
// instant their count reaches zero, with no GC involvement.
func (gc *GC) Incref(v Value) {
	if !v.IsRefcounted() || v.Obj == nil {
		return
	}
	v.Obj.Header().RC++
}

func (gc *GC) Decref(v Value) {
	if !v.IsRefcounted() || v.Obj == nil {
		return
	}
	h := v.Obj.Header()
	h.RC--
	if h.RC > 0 {
		return
	}
	if h.Tagged {
		// Leave tagged objects for the next Collect() pass: an
		// object that just hit refcount zero might still be part of
		// a cycle another tagged object keeps reachable through a
		// stale back-edge until the mark pass proves otherwise.
		return
	}
	gc.destroy(v.Obj)
}

func (gc *GC) destroy(obj Heap) {
	cls := obj.Class()
	if cls.Destroy != nil {
		cls.Destroy(gc.vm, obj)
	}
}

// Collect runs one mark-and-sweep pass: mark from every VM root (every
// live register in every call frame, every global, every pushed-but-
// unconsumed embedding API slot), then sweep any tagged object whose
// pass number is stale. The threshold grows by multiplier afterward,
// the way spec 4.G describes.
func (gc *GC) Collect() {
	gc.pass++
	pass := gc.pass

	for _, fr := range gc.vm.frames {
		for _, v := range fr.regs {
			gc.mark(v, pass)
		}
	}
	for _, v := range gc.vm.globals {
		gc.mark(v, pass)
	}
	for _, v := range gc.vm.apiStack {
		gc.mark(v, pass)
	}

	var kept *GCEntry
	stale := gc.head
	gc.head = nil
	for e := stale; e != nil; {
		next := e.next
		if e.lastPass == pass {
			e.next = kept
			kept = e
		} else {
			gc.sweepOne(e)
		}
		e = next
	}
	gc.head = kept

	gc.tagged = 0
	for e := gc.head; e != nil; e = e.next {
		gc.tagged++
	}
	gc.threshold = gc.threshold * gc.multiplier
}

// mark stamps obj and everything reachable from it with pass, via its
// class's GCMarker, and stops revisiting objects already stamped this
// pass -- this is what makes cyclic containers terminate.
func (gc *GC) mark(v Value, pass int) {
	if !v.IsRefcounted() || v.Obj == nil {
		return
	}
	h := v.Obj.Header()
	if h.Tagged {
		if h.Entry.lastPass == pass {
			return
		}
		h.Entry.lastPass = pass
	}
	if cls := v.Obj.Class(); cls != nil && cls.GCMarker != nil {
		cls.GCMarker(gc, v.Obj, pass)
	}
}

// sweepOne fully destroys a stale tagged object: first it tears down
// the object's own inner references (so a cycle's members release each
// other instead of waiting on a refcount that never reaches zero), then
// frees the shell via the class destructor. The entry's lastPass is set
// to the -1 sentinel first so a cycle partner that also gets swept this
// pass doesn't re-enter destruction on an object already being torn down.
func (gc *GC) sweepOne(e *GCEntry) {
	h := e.obj.Header()
	if h.lastPassIsDestroying() {
		return
	}
	h.Entry = nil
	e.lastPass = -1
	gc.destroy(e.obj)
}

// lastPassIsDestroying reports whether this header was already mid-
// teardown when a cyclic partner's destructor recursively dereferenced
// back into it.
func (h *HeapHeader) lastPassIsDestroying() bool { return h.Entry == nil && h.Tagged }

// --- default class GCMarker/Destroy wiring -----------------------------

// defaultInstanceMark walks a class Instance's declared fields; it is
// also reused (registered on the List/Hash/Tuple/Any/Function/Exception/
// Foreign builtin classes in symtab.go's seedBuiltins, and on enums by the
// emitter) wherever "walk every child value" is the whole marking job.
func defaultInstanceMark(gc *GC, obj Heap, pass int) {
	switch o := obj.(type) {
	case *InstanceObj:
		for _, v := range o.Fields {
			gc.mark(v, pass)
		}
	case *ListObj:
		for _, v := range o.Items {
			gc.mark(v, pass)
		}
	case *TupleObj:
		for _, v := range o.Items {
			gc.mark(v, pass)
		}
	case *VariantObj:
		for _, v := range o.Payload {
			gc.mark(v, pass)
		}
	case *HashObj:
		for _, head := range o.Bins {
			for e := head; e != nil; e = e.Next {
				gc.mark(e.Key, pass)
				gc.mark(e.Val, pass)
			}
		}
	case *DynamicObj:
		gc.mark(o.Inner, pass)
	case *FunctionObj:
		for _, cell := range o.Closure {
			gc.mark(cell.Value, pass)
		}
	}
}

// defaultInstanceDestroy recursively derefs a container's children, then
// leaves the shell to Go's own collector -- "free the shell" in this
// port means dropping the last Go-level reference to it, since there is
// no manual heap to return memory to.
func defaultInstanceDestroy(vm *VM, obj Heap) {
	switch o := obj.(type) {
	case *InstanceObj:
		for _, v := range o.Fields {
			vm.gc.Decref(v)
		}
	case *ListObj:
		for _, v := range o.Items {
			vm.gc.Decref(v)
		}
	case *TupleObj:
		for _, v := range o.Items {
			vm.gc.Decref(v)
		}
	case *VariantObj:
		for _, v := range o.Payload {
			vm.gc.Decref(v)
		}
	case *HashObj:
		for _, head := range o.Bins {
			for e := head; e != nil; e = e.Next {
				vm.gc.Decref(e.Key)
				vm.gc.Decref(e.Val)
			}
		}
	case *DynamicObj:
		vm.gc.Decref(o.Inner)
	case *ForeignObj:
		if o.Destroy != nil {
			o.Destroy(o.Payload)
		}
	case *FunctionObj:
		for _, cell := range o.Closure {
			vm.gc.Decref(cell.Value)
		}
	}
}
