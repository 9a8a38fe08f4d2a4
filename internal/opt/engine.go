package opt

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"routeopt/internal/model"
)

// Engine state machine. Transitions are linear: Idle -> Constructing ->
// Improving -> Done, with Failed reachable from any working state.
type State int32

const (
	StateIdle State = iota
	StateConstructing
	StateImproving
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConstructing:
		return "constructing"
	case StateImproving:
		return "improving"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Metrics is the engine's per-run accounting, returned with the Solution.
type Metrics struct {
	State          string  `json:"state"`
	Seed           int64   `json:"seed"`
	Iterations     int     `json:"iterations"`
	Improvements   int     `json:"improvements"`
	PenalizedArcs  int     `json:"penalizedArcs"`
	ConstructionMS int64   `json:"constructionMs"`
	ImprovementMS  int64   `json:"improvementMs"`
	InitialCost    float64 `json:"initialCost"`
	BestCost       float64 `json:"bestCost"`
	Unassigned     int     `json:"unassigned"`
}

// ProgressFunc observes state transitions and periodic improvement
// progress. Called synchronously on the solve goroutine.
type ProgressFunc func(state State, iteration int, bestCost float64)

// Engine runs one bounded-time solve: parallel cheapest insertion to
// construct, then guided local search to improve until the time budget
// or context expires.
type Engine struct {
	cfg      Config
	Progress ProgressFunc

	state int32
}

// NewEngine returns an idle engine for one solve.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// State returns the current state; safe to call from other goroutines.
func (e *Engine) State() State { return State(atomic.LoadInt32(&e.state)) }

func (e *Engine) setState(s State, iteration int, best float64) {
	atomic.StoreInt32(&e.state, int32(s))
	if e.Progress != nil {
		e.Progress(s, iteration, best)
	}
}

// routePlan is one vehicle's working sequence (node indices, no depot)
// with its cached evaluation.
type routePlan struct {
	seq  []int
	eval routeEval
}

// plan is a working solution: one routePlan per vehicle plus the set of
// shipments left out. Shipment k lives entirely in one plan or in skip.
type plan struct {
	routes []routePlan
	skip   []int // shipment indices
	cost   float64
}

func (pl *plan) clone() plan {
	cp := plan{
		routes: make([]routePlan, len(pl.routes)),
		skip:   append([]int(nil), pl.skip...),
		cost:   pl.cost,
	}
	for i, r := range pl.routes {
		cp.routes[i] = routePlan{seq: append([]int(nil), r.seq...), eval: r.eval}
	}
	return cp
}

// Solve runs the full pipeline for one shipment set. An input where no
// shipment fits any vehicle is not an error: it yields a Solution with
// every shipment unassigned.
func (e *Engine) Solve(ctx context.Context, shipments []model.Shipment) (model.Solution, Metrics, error) {
	m := Metrics{Seed: e.cfg.Seed}
	if m.Seed == 0 {
		m.Seed = time.Now().UnixNano()
		e.cfg.Seed = m.Seed
	}
	prob, err := BuildProblem(shipments, e.cfg)
	if err != nil {
		e.setState(StateFailed, 0, 0)
		m.State = e.State().String()
		return model.Solution{}, m, err
	}

	e.setState(StateConstructing, 0, 0)
	t0 := time.Now()
	cur := constructCheapestInsertion(prob)
	m.ConstructionMS = time.Since(t0).Milliseconds()
	m.InitialCost = cur.cost
	m.BestCost = cur.cost

	best := cur.clone()
	if e.cfg.TimeBudget > 0 {
		e.setState(StateImproving, 0, best.cost)
		t1 := time.Now()
		best = e.improve(ctx, prob, cur, &m)
		m.ImprovementMS = time.Since(t1).Milliseconds()
	}
	m.BestCost = best.cost
	m.Unassigned = len(best.skip)

	e.setState(StateDone, m.Iterations, best.cost)
	m.State = e.State().String()
	return extractSolution(prob, best), m, nil
}

// dropPenalty is the objective charge for leaving one shipment out: the
// sum of every enabled dimension's penalty.
func dropPenalty(cfg Config) float64 {
	p := 0.0
	for _, cc := range []ConstraintConfig{cfg.Capacity, cfg.Lifo, cfg.TimeWindows} {
		if cc.Enabled {
			p += cc.Penalty
		}
	}
	if p == 0 {
		p = 1000
	}
	return p
}

// routeCost converts an evaluation into objective cost: distance cost
// plus soft time-window lateness charges.
func (p *Problem) routeCost(ev routeEval) float64 {
	c := p.cfg.Cost(ev.dist)
	if p.cfg.SoftTimeWindows && ev.lateStop > 0 {
		c += float64(ev.lateStop)*p.cfg.TimeWindows.Penalty + p.cfg.TimeWindows.Weight*ev.lateness
	}
	return c
}

func (p *Problem) planCost(pl *plan) float64 {
	c := float64(len(pl.skip)) * dropPenalty(p.cfg)
	for i := range pl.routes {
		c += p.routeCost(pl.routes[i].eval)
	}
	return c
}

// insertion is one candidate placement of a shipment pair.
type insertion struct {
	shipment int
	vehicle  int
	puPos    int
	dlPos    int // position in the sequence after the pickup is inserted
	delta    float64
	headroom int // vehicle capacity minus route peak load, pre-insertion
	ok       bool
}

// constructCheapestInsertion grows all vehicle routes in parallel: each
// round places the globally cheapest feasible (shipment, route, position)
// triple. Ties break toward the route with more remaining capacity, then
// the lower vehicle index, so equal inputs yield equal outputs.
func constructCheapestInsertion(p *Problem) plan {
	pl := plan{routes: make([]routePlan, p.cfg.MaxVehicles)}
	pending := make([]int, len(p.Shipments))
	for k := range pending {
		pending[k] = k
	}

	for len(pending) > 0 {
		bestIns := insertion{}
		bestAt := -1
		for pi, k := range pending {
			ins := p.bestInsertion(&pl, k)
			if !ins.ok {
				continue
			}
			if !bestIns.ok || betterInsertion(ins, bestIns) {
				bestIns = ins
				bestAt = pi
			}
		}
		if !bestIns.ok {
			break
		}
		p.applyInsertion(&pl, bestIns)
		pending = append(pending[:bestAt], pending[bestAt+1:]...)
	}
	pl.skip = append(pl.skip, pending...)
	pl.cost = p.planCost(&pl)
	return pl
}

// betterInsertion orders candidates: cheaper delta first, then more
// capacity headroom, then lower vehicle index, then lower shipment index.
func betterInsertion(a, b insertion) bool {
	const eps = 1e-9
	if math.Abs(a.delta-b.delta) > eps {
		return a.delta < b.delta
	}
	if a.headroom != b.headroom {
		return a.headroom > b.headroom
	}
	if a.vehicle != b.vehicle {
		return a.vehicle < b.vehicle
	}
	return a.shipment < b.shipment
}

// bestInsertion scans every pickup/delivery position pair on every route
// for shipment k and returns the cheapest feasible one.
func (p *Problem) bestInsertion(pl *plan, k int) insertion {
	best := insertion{shipment: k}
	pu, dl := p.Pairs[k][0], p.Pairs[k][1]
	for v := range pl.routes {
		rt := &pl.routes[v]
		base := p.routeCost(rt.eval)
		headroom := p.cfg.VehicleCapacity - peakLoad(p, rt.seq)
		n := len(rt.seq)
		cand := make([]int, 0, n+2)
		for i := 0; i <= n; i++ {
			for j := i + 1; j <= n+1; j++ {
				cand = cand[:0]
				cand = append(cand, rt.seq[:i]...)
				cand = append(cand, pu)
				cand = append(cand, rt.seq[i:]...)
				// insert delivery into the pickup-extended sequence
				cand = append(cand, 0)
				copy(cand[j+1:], cand[j:])
				cand[j] = dl
				ev := p.evalRoute(cand)
				if !ev.feasible {
					continue
				}
				ins := insertion{
					shipment: k,
					vehicle:  v,
					puPos:    i,
					dlPos:    j,
					delta:    p.routeCost(ev) - base,
					headroom: headroom,
					ok:       true,
				}
				if !best.ok || betterInsertion(ins, best) {
					best = ins
				}
			}
		}
	}
	return best
}

func (p *Problem) applyInsertion(pl *plan, ins insertion) {
	rt := &pl.routes[ins.vehicle]
	pu, dl := p.Pairs[ins.shipment][0], p.Pairs[ins.shipment][1]
	seq := make([]int, 0, len(rt.seq)+2)
	seq = append(seq, rt.seq[:ins.puPos]...)
	seq = append(seq, pu)
	seq = append(seq, rt.seq[ins.puPos:]...)
	seq = append(seq, 0)
	copy(seq[ins.dlPos+1:], seq[ins.dlPos:])
	seq[ins.dlPos] = dl
	rt.seq = seq
	rt.eval = p.evalRoute(seq)
}

// peakLoad is the maximum onboard pallet count over a sequence.
func peakLoad(p *Problem, seq []int) int {
	load, peak := 0, 0
	for _, ni := range seq {
		load += p.Nodes[ni].Demand
		if load > peak {
			peak = load
		}
	}
	return peak
}

// improve runs guided local search: repeated relocation/swap descent on a
// penalty-augmented cost, penalizing the highest-utility arcs at each
// local optimum. The true-cost best is tracked throughout and returned
// as soon as the deadline or context expires.
func (e *Engine) improve(ctx context.Context, p *Problem, cur plan, m *Metrics) plan {
	best := cur.clone()
	penalties := map[[2]int]float64{}
	lambda := glsLambda(p, &cur)
	rng := rand.New(rand.NewSource(e.cfg.Seed))
	deadline := time.Now().Add(e.cfg.TimeBudget)

	for {
		select {
		case <-ctx.Done():
			return best
		default:
		}
		if !time.Now().Before(deadline) {
			return best
		}
		m.Iterations++

		moved := e.descend(p, &cur, penalties, lambda, rng, deadline)
		cur.cost = p.planCost(&cur)
		if cur.cost < best.cost-1e-9 {
			best = cur.clone()
			m.Improvements++
			if e.Progress != nil && m.Improvements%10 == 0 {
				e.Progress(StateImproving, m.Iterations, best.cost)
			}
		}
		if !moved {
			// local optimum on the augmented cost: penalize and continue
			n := penalizeArcs(p, &cur, penalties)
			if n == 0 {
				return best
			}
			m.PenalizedArcs += n
		}
	}
}

// glsLambda scales arc penalties relative to the average arc cost of the
// starting solution.
func glsLambda(p *Problem, pl *plan) float64 {
	arcs := 0
	for i := range pl.routes {
		if n := len(pl.routes[i].seq); n > 0 {
			arcs += n + 1
		}
	}
	if arcs == 0 {
		return 1
	}
	return 0.3 * pl.cost / float64(arcs)
}

// augCost is the penalty-augmented plan cost GLS descends on.
func (e *Engine) augCost(p *Problem, pl *plan, penalties map[[2]int]float64, lambda float64) float64 {
	c := p.planCost(pl)
	if len(penalties) == 0 {
		return c
	}
	for i := range pl.routes {
		prev := p.Depot
		for _, ni := range pl.routes[i].seq {
			c += lambda * penalties[[2]int{prev, ni}]
			prev = ni
		}
		if len(pl.routes[i].seq) > 0 {
			c += lambda * penalties[[2]int{prev, p.Depot}]
		}
	}
	return c
}

// descend applies first-improvement moves until none helps or the
// deadline passes. Moves: reinsert one shipment pair at its best
// position anywhere, and insert a skipped shipment. The rng only
// shuffles scan order, so equal seeds walk equal trajectories.
func (e *Engine) descend(p *Problem, pl *plan, penalties map[[2]int]float64, lambda float64, rng *rand.Rand, deadline time.Time) bool {
	movedAny := false
	for {
		if !time.Now().Before(deadline) {
			return movedAny
		}
		moved := false

		// Try to place skipped shipments first: assignment dominates
		// any distance saving.
		for si := 0; si < len(pl.skip); si++ {
			k := pl.skip[si]
			ins := p.bestInsertion(pl, k)
			if !ins.ok {
				continue
			}
			p.applyInsertion(pl, ins)
			pl.skip = append(pl.skip[:si], pl.skip[si+1:]...)
			si--
			moved = true
		}

		order := rng.Perm(len(p.Shipments))
		curAug := e.augCost(p, pl, penalties, lambda)
		for _, k := range order {
			if containsInt(pl.skip, k) {
				continue
			}
			trial := pl.clone()
			removePair(p, &trial, k)
			ins := p.bestInsertion(&trial, k)
			if !ins.ok {
				continue
			}
			p.applyInsertion(&trial, ins)
			if a := e.augCost(p, &trial, penalties, lambda); a < curAug-1e-9 {
				*pl = trial
				curAug = a
				moved = true
			}
		}
		if !moved {
			return movedAny
		}
		movedAny = true
	}
}

// penalizeArcs bumps the penalty of every arc with maximal utility
// cost/(1+penalty) in the current plan. Returns how many were bumped.
func penalizeArcs(p *Problem, pl *plan, penalties map[[2]int]float64) int {
	type arc struct{ from, to int }
	maxUtil := 0.0
	var worst []arc
	visit := func(a, b int) {
		d := p.Dist.At(a, b)
		if d <= 0 {
			return
		}
		u := d / (1 + penalties[[2]int{a, b}])
		switch {
		case u > maxUtil+1e-9:
			maxUtil = u
			worst = worst[:0]
			worst = append(worst, arc{a, b})
		case u > maxUtil-1e-9:
			worst = append(worst, arc{a, b})
		}
	}
	for i := range pl.routes {
		prev := p.Depot
		for _, ni := range pl.routes[i].seq {
			visit(prev, ni)
			prev = ni
		}
		if len(pl.routes[i].seq) > 0 {
			visit(prev, p.Depot)
		}
	}
	for _, a := range worst {
		penalties[[2]int{a.from, a.to}]++
	}
	return len(worst)
}

// removePair drops shipment k's two nodes from whichever route holds them.
func removePair(p *Problem, pl *plan, k int) {
	pu, dl := p.Pairs[k][0], p.Pairs[k][1]
	for v := range pl.routes {
		rt := &pl.routes[v]
		out := rt.seq[:0]
		removed := false
		for _, ni := range rt.seq {
			if ni == pu || ni == dl {
				removed = true
				continue
			}
			out = append(out, ni)
		}
		if removed {
			rt.seq = out
			rt.eval = p.evalRoute(rt.seq)
			return
		}
	}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
