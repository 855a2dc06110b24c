// Package resource provides the guest object table.
//
// Guest code never sees host values directly. A host value materialized for
// the guest (a string, a class, a map) is stored here and the guest receives
// an integer Handle. Handle 0 is null.
//
// # Handle Table
//
// The Table maps handles to typed objects:
//
//	table := resource.NewTable()
//
//	// Insert a value, get a handle
//	h, err := table.NewGlobal(resource.ClassString, "hello")
//
//	// Retrieve it, checking its class
//	s, err := table.GetTyped(h, resource.ClassString)
//
//	// Release it
//	table.Remove(h)
//
// # Local Reference Frames
//
// Objects created while a frame is active are local to that frame and are
// released together when the frame is popped:
//
//	table.PushFrame()
//	defer table.PopFrame()
//
//	url, _ := table.NewLocal(resource.ClassString, u)
//
// Frames nest. Objects created with no active frame, and objects created with
// NewGlobal, live until removed or until the table is closed.
//
// # Stale Handles
//
// Slots are reused, but every handle carries the generation of its slot.
// A handle that outlived its object is reported as released instead of
// silently resolving to whatever object reused the slot.
package resource
