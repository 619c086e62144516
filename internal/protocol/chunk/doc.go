// Package chunk reassembles upper-layer messages that the protocol itself
// splits into chunks, independently of transport segmentation.
//
// Chunks are grouped by Key. Each stored chunk receives a synthetic index
// that starts at 0 per group; the wire's own sequence counter is recorded
// but never used for ordering or gap detection.
//
// Group lifecycle:
//
//	          Deliver (not final)
//	 ┌──────┐ ───────────────────► ┌────────────┐ ◄──┐
//	 │ None │                      │ Incomplete │    │ more chunks / gaps
//	 └──────┘ ──┐                  └─────┬──────┘ ───┘
//	            │ Deliver (final)        │ final chunk seen and 0..N gapless
//	            │ single chunk           ▼
//	            │                  ┌────────────┐
//	            └────────────────► │ Completed  │  cached view, idempotent
//	                               └────────────┘
//
//	 Incomplete ──Abort──► Aborted ──Deliver──► Incomplete (fresh, index 0)
package chunk
