package inference

import "image"

// Region pairs a cropped image with the rectangle it was cut from in the
// source frame. Region entries are owned by the stage's buffer from enqueue
// until the fetch that consumes them.
type Region struct {
	Image image.Image
	Frame image.Rectangle
}
