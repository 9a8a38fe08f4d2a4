package opt

import "math"

// Matrix is a dense travel matrix. Values need not be symmetric: a
// road-network DistanceFunc may yield different costs per direction.
type Matrix [][]float64

// At returns the travel value from node i to node j.
func (m Matrix) At(i, j int) float64 { return m[i][j] }

// BuildDistanceMatrix computes all pairwise distances in miles. With a
// virtual depot (no configured location) arcs to and from the depot cost
// nothing, which lets routes start wherever their first stop is.
func BuildDistanceMatrix(nodes []Node, dist DistanceFunc, virtualDepot bool) Matrix {
	n := len(nodes)
	m := make(Matrix, n)
	for i := range m {
		m[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if virtualDepot && (nodes[i].Kind == KindDepot || nodes[j].Kind == KindDepot) {
				continue
			}
			m[i][j] = dist(nodes[i].Lat, nodes[i].Lng, nodes[j].Lat, nodes[j].Lng)
		}
	}
	return m
}

// BuildTimeMatrix derives travel minutes from a distance matrix and an
// average speed.
func BuildTimeMatrix(dist Matrix, speedMph float64) Matrix {
	if speedMph <= 0 {
		speedMph = 45
	}
	n := len(dist)
	m := make(Matrix, n)
	for i := range m {
		m[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			m[i][j] = dist[i][j] / speedMph * 60
		}
	}
	return m
}

// HaversineMiles is the default DistanceFunc: great-circle miles.
func HaversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusMi = 3958.8
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMi * c
}
