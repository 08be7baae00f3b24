package plume

// Result is one narrowphase hit between an element of patch A and an element
// of patch B. Side A is always the pair's initiating object, whichever
// object's result list the hit lands on. Element indices are positions in
// the patch payloads; a pair-level result (no exact test configured)
// carries -1 for both.
type Result struct {
	PatchA   int
	PatchB   int
	ElementA int
	ElementB int
}

// PatchData is one side of a narrowphase test: the patch summary, the rank
// that published it and the raw element payload. Decode the payload with
// ElementsOf.
type PatchData struct {
	Meta   Patch
	Origin int
	Data   []byte
}

// NarrowphaseFunc runs the exact test for one overlapping patch pair. It
// returns the hits to report on a's side and on b's side; either slice may
// be empty. Called concurrently from the worker pool, so it must not share
// mutable state across calls.
type NarrowphaseFunc func(a, b PatchData) (hitsA, hitsB []Result)
