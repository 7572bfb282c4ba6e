package sift

// ScalePyramid returns the octave shapes of a w×h image: the full size,
// then successive halvings while the smaller side stays above 2*border+2.
// The last shape produced by the loop is too small to be searched and is
// dropped, so an image whose smaller side is already at or below the bound
// has no octaves.
func ScalePyramid(w, h, border int) []OctaveShape {
	shapes := []OctaveShape{{Width: w, Height: h}}
	for min(w, h) > 2*border+2 {
		w, h = w/2, h/2
		shapes = append(shapes, OctaveShape{Width: w, Height: h})
	}
	return shapes[:len(shapes)-1]
}
