package opt

import (
	"context"
	"math"
	"time"

	"fleetops/internal/model"
)

// Greedy seeds routes by round-robin nearest append, inserts what is left at
// the cheapest feasible position, then improves each route with 2-opt.
type Greedy struct {
	SpeedKph   float64
	ServiceSec int
}

type node struct {
	orderID    string
	lat, lng   float64
	serviceSec float64
	readySec   float64
	dueSec     float64
	hasDue     bool
	hardDue    bool
	weight     float64
	volume     float64
	skills     []string
}

type vehicle struct {
	id                 string
	capW, capV         float64
	skills             map[string]bool
	startLat, startLng float64
	hasStart           bool
}

type problem struct {
	nodes     []node
	vehicles  []vehicle
	speed     float64 // m/s
	objective string
}

type schedule struct {
	arrivals []float64
	distM    float64
	endSec   float64
	onTime   int
}

func (g Greedy) Optimize(ctx context.Context, orders []model.Order, vehicles []model.Vehicle, opts Options) (Plan, error) {
	p := g.build(orders, vehicles, opts)
	plans := make([][]int, len(p.vehicles))
	used := make([]bool, len(p.nodes))

	if err := p.seed(ctx, plans, used); err != nil {
		return Plan{}, err
	}
	if err := p.insertRemaining(ctx, plans, used); err != nil {
		return Plan{}, err
	}
	for vi := range plans {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		plans[vi] = p.twoOpt(plans[vi], vi)
	}
	return p.toPlan(plans, used, opts.PlanStart), nil
}

func (g Greedy) build(orders []model.Order, vehicles []model.Vehicle, opts Options) *problem {
	speed := opts.SpeedKph
	if speed <= 0 {
		speed = g.SpeedKph
	}
	if speed <= 0 {
		speed = 40
	}
	svc := opts.ServiceSec
	if svc <= 0 {
		svc = g.ServiceSec
	}
	p := &problem{speed: speed / 3.6, objective: opts.Objective}
	for _, o := range orders {
		n := node{
			orderID:    o.ID,
			lat:        o.Location.Lat,
			lng:        o.Location.Lng,
			serviceSec: float64(svc),
			weight:     o.WeightKg,
			volume:     o.VolumeM3,
			skills:     o.RequiredSkills,
		}
		if o.ServiceMinutes > 0 {
			n.serviceSec = float64(o.ServiceMinutes * 60)
		}
		if o.WindowStart != nil && !opts.PlanStart.IsZero() {
			n.readySec = math.Max(0, o.WindowStart.Sub(opts.PlanStart).Seconds())
		}
		if o.WindowEnd != nil && !opts.PlanStart.IsZero() {
			n.dueSec, n.hasDue = o.WindowEnd.Sub(opts.PlanStart).Seconds(), true
			n.hardDue = o.StrictnessOverride == nil || *o.StrictnessOverride == model.StrictnessHard
		}
		p.nodes = append(p.nodes, n)
	}
	for _, v := range vehicles {
		veh := vehicle{id: v.ID, capW: v.CapacityWeightKg, capV: v.CapacityVolumeM3}
		if len(v.Skills) > 0 {
			veh.skills = map[string]bool{}
			for _, s := range v.Skills {
				veh.skills[s] = true
			}
		}
		switch {
		case opts.Depot != nil:
			veh.startLat, veh.startLng, veh.hasStart = opts.Depot.Lat, opts.Depot.Lng, true
		case v.Home != (model.GeoPoint{}):
			veh.startLat, veh.startLng, veh.hasStart = v.Home.Lat, v.Home.Lng, true
		}
		p.vehicles = append(p.vehicles, veh)
	}
	return p
}

// seed appends, per vehicle in turn, the cheapest feasible unused node.
func (p *problem) seed(ctx context.Context, plans [][]int, used []bool) error {
	for assigned := 0; assigned < len(p.nodes); {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress := false
		for vi := range p.vehicles {
			best, bestDelta := -1, math.MaxFloat64
			for i := range p.nodes {
				if used[i] || !p.feasibleAt(plans[vi], vi, i, len(plans[vi])) {
					continue
				}
				if d := p.appendDelta(plans[vi], vi, i); d < bestDelta {
					best, bestDelta = i, d
				}
			}
			if best < 0 {
				continue
			}
			plans[vi] = append(plans[vi], best)
			used[best] = true
			assigned++
			progress = true
		}
		if !progress {
			return nil
		}
	}
	return nil
}

// insertRemaining places each leftover node at its cheapest feasible position.
// Nodes with no feasible position stay unassigned.
func (p *problem) insertRemaining(ctx context.Context, plans [][]int, used []bool) error {
	for i := range p.nodes {
		if used[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		bestV, bestPos, bestCost := -1, -1, math.MaxFloat64
		for vi := range p.vehicles {
			base := p.cost(plans[vi], vi)
			for pos := 0; pos <= len(plans[vi]); pos++ {
				if !p.feasibleAt(plans[vi], vi, i, pos) {
					continue
				}
				if c := p.cost(insertAt(plans[vi], i, pos), vi) - base; c < bestCost {
					bestV, bestPos, bestCost = vi, pos, c
				}
			}
		}
		if bestV >= 0 {
			plans[bestV] = insertAt(plans[bestV], i, bestPos)
			used[i] = true
		}
	}
	return nil
}

func (p *problem) feasibleAt(route []int, vi, idx, pos int) bool {
	v := p.vehicles[vi]
	nd := p.nodes[idx]
	w, vol := nd.weight, nd.volume
	for _, i := range route {
		w += p.nodes[i].weight
		vol += p.nodes[i].volume
	}
	if (v.capW > 0 && w > v.capW) || (v.capV > 0 && vol > v.capV) {
		return false
	}
	if v.skills != nil {
		for _, s := range nd.skills {
			if !v.skills[s] {
				return false
			}
		}
	}
	_, ok := p.schedule(insertAt(route, idx, pos), vi)
	return ok
}

func (p *problem) appendDelta(route []int, vi, idx int) float64 {
	lat, lng, ok := p.tail(route, vi)
	if !ok {
		return 0
	}
	return haversineMeters(lat, lng, p.nodes[idx].lat, p.nodes[idx].lng)
}

func (p *problem) tail(route []int, vi int) (float64, float64, bool) {
	if n := len(route); n > 0 {
		last := p.nodes[route[n-1]]
		return last.lat, last.lng, true
	}
	v := p.vehicles[vi]
	return v.startLat, v.startLng, v.hasStart
}

// schedule walks route from the vehicle start; ok is false when a hard window is missed.
func (p *problem) schedule(route []int, vi int) (schedule, bool) {
	v := p.vehicles[vi]
	s := schedule{arrivals: make([]float64, len(route))}
	curLat, curLng, started := v.startLat, v.startLng, v.hasStart
	t := 0.0
	for k, idx := range route {
		nd := p.nodes[idx]
		if !started {
			curLat, curLng, started = nd.lat, nd.lng, true
		}
		d := haversineMeters(curLat, curLng, nd.lat, nd.lng)
		t += d / p.speed
		if t < nd.readySec {
			t = nd.readySec
		}
		if nd.hasDue && t > nd.dueSec {
			if nd.hardDue {
				return s, false
			}
		} else {
			s.onTime++
		}
		s.arrivals[k] = t
		s.distM += d
		t += nd.serviceSec
		curLat, curLng = nd.lat, nd.lng
	}
	s.endSec = t
	return s, true
}

func (p *problem) cost(route []int, vi int) float64 {
	s, ok := p.schedule(route, vi)
	if !ok {
		return math.Inf(1)
	}
	if p.objective == ObjectiveDuration {
		return s.endSec
	}
	return s.distM
}

func (p *problem) toPlan(plans [][]int, used []bool, start time.Time) Plan {
	out := Plan{Routes: []PlannedRoute{}, UnassignedOrderIDs: []string{}}
	for vi, route := range plans {
		if len(route) == 0 {
			continue
		}
		s, _ := p.schedule(route, vi)
		pr := PlannedRoute{
			VehicleID:   p.vehicles[vi].id,
			DistanceM:   int(math.Round(s.distM)),
			DurationSec: int(math.Round(s.endSec)),
		}
		q := math.Round(float64(s.onTime)/float64(len(route))*1000) / 10
		pr.Quality = &q
		for k, idx := range route {
			pr.Stops = append(pr.Stops, PlannedStop{
				OrderID:   p.nodes[idx].orderID,
				Sequence:  k + 1,
				ArrivalAt: start.Add(time.Duration(s.arrivals[k] * float64(time.Second))),
			})
		}
		out.Routes = append(out.Routes, pr)
		out.TotalDistanceM += pr.DistanceM
		out.TotalDurationSec += pr.DurationSec
	}
	for i, u := range used {
		if !u {
			out.UnassignedOrderIDs = append(out.UnassignedOrderIDs, p.nodes[i].orderID)
		}
	}
	return out
}

func insertAt(route []int, idx, pos int) []int {
	out := make([]int, 0, len(route)+1)
	out = append(out, route[:pos]...)
	out = append(out, idx)
	return append(out, route[pos:]...)
}
