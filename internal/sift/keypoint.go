package sift

// KeypointsToRecords flattens keypoints into an N×4 row-major geometry
// table (x, y, scale, angle) and an N×128 descriptor matrix.
func KeypointsToRecords(kps []Keypoint) (geometry []float32, descriptors []byte) {
	geometry = make([]float32, 0, 4*len(kps))
	descriptors = make([]byte, 0, 128*len(kps))
	for _, k := range kps {
		geometry = append(geometry, k.X, k.Y, k.Scale, k.Angle)
		descriptors = append(descriptors, k.Desc[:]...)
	}
	return geometry, descriptors
}

// RecordsToKeypoints is the inverse of KeypointsToRecords. Trailing partial
// rows are ignored.
func RecordsToKeypoints(geometry []float32, descriptors []byte) []Keypoint {
	n := len(geometry) / 4
	if d := len(descriptors) / 128; d < n {
		n = d
	}
	kps := make([]Keypoint, n)
	for i := range kps {
		g := geometry[4*i : 4*i+4]
		kps[i] = Keypoint{X: g[0], Y: g[1], Scale: g[2], Angle: g[3]}
		copy(kps[i].Desc[:], descriptors[128*i:128*(i+1)])
	}
	return kps
}
