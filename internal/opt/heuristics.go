package opt

import "math"

// twoOpt reverses segments of route while that lowers the objective and every
// hard window still holds.
func (p *problem) twoOpt(route []int, vi int) []int {
	n := len(route)
	if n < 3 {
		return route
	}
	best := append([]int(nil), route...)
	bestCost := p.cost(best, vi)
	for improved := true; improved; {
		improved = false
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				if c := p.cost(cand, vi); c+1e-3 < bestCost {
					best, bestCost = cand, c
					improved = true
				}
			}
		}
	}
	return best
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
