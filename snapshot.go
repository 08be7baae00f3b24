package plume

import (
	"unsafe"

	"github.com/akmonengine/plume/kdop"
	"github.com/go-gl/mathgl/mgl64"
)

// Element is the contract collision entities fulfill: a conservative bounding
// volume and a representative point used by the split strategies.
type Element interface {
	Bound() kdop.DOP
	Centroid() mgl64.Vec3
}

// EntitySnapshot captures the spatial state of one element at the start of a
// phase. Element is the index into the slice passed to SetEntityData; results
// report these indices back to the caller.
type EntitySnapshot struct {
	Element  int
	Bound    kdop.DOP
	Centroid mgl64.Vec3
}

func snapshotElements[E Element](elements []E, workers int) []EntitySnapshot {
	snaps := make([]EntitySnapshot, len(elements))
	taskIndexed(workers, elements, func(i int, e E) {
		snaps[i] = EntitySnapshot{
			Element:  i,
			Bound:    e.Bound(),
			Centroid: e.Centroid(),
		}
	})
	return snaps
}

// elementBytes is the raw memory image of one element. Ghost payloads are
// built from these images, so element types must be plain data: a pointer
// smuggled through a payload is invisible to the garbage collector on the
// receiving side.
func elementBytes[E any](e *E) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(e)), unsafe.Sizeof(*e))
}

// packElements copies the selected elements into one contiguous payload, in
// the order given by idx.
func packElements[E any](elements []E, idx []int) []byte {
	var zero E
	size := int(unsafe.Sizeof(zero))
	buf := make([]byte, 0, size*len(idx))
	for _, i := range idx {
		buf = append(buf, elementBytes(&elements[i])...)
	}
	return buf
}

// ElementsOf reinterprets a ghost payload as a slice of elements. E must be
// the type the publishing side passed to SetEntityData.
func ElementsOf[E any](data []byte) []E {
	var zero E
	size := unsafe.Sizeof(zero)
	if size == 0 || uintptr(len(data)) < size {
		return nil
	}
	return unsafe.Slice((*E)(unsafe.Pointer(&data[0])), uintptr(len(data))/size)
}
