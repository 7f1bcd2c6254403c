package world

import (
	"math"
	"sort"
)

// Spatial answers geometric questions against a given world state.
// Implementations must be deterministic for identical inputs.
type Spatial interface {
	// WithinDistance reports whether the entity is within radius of p.
	WithinDistance(ws *WorldState, entityID string, p Point, radius float64) (bool, error)
	// TerrainAt returns the terrain covering p. ok is false for open ground.
	TerrainAt(ws *WorldState, p Point) (info TerrainInfo, ok bool)
	// PathBlocked reports whether the straight segment crosses impassable
	// terrain, and which terrain blocks it.
	PathBlocked(ws *WorldState, from, to Point) (blocked bool, terrainID string)
}

// Planar implements Spatial with flat euclidean geometry over the
// terrain polygons carried by the state.
type Planar struct{}

// Distance returns the euclidean distance between two points.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// WithinDistance implements Spatial.
func (Planar) WithinDistance(ws *WorldState, entityID string, p Point, radius float64) (bool, error) {
	e := ws.Entity(entityID)
	if e == nil {
		return false, &NotFoundError{Kind: "entity", ID: entityID}
	}
	if e.Position == nil {
		return false, nil
	}
	return Distance(*e.Position, p) <= radius, nil
}

// TerrainAt implements Spatial. Overlapping regions resolve to the
// lowest terrain id so the answer is stable.
func (Planar) TerrainAt(ws *WorldState, p Point) (TerrainInfo, bool) {
	for _, t := range sortedTerrain(ws) {
		if PointInPolygon(p, t.Polygon) {
			return TerrainInfo{
				TerrainID:    t.ID,
				Type:         t.Type,
				Passable:     t.Passable,
				MovementCost: t.MovementCost,
			}, true
		}
	}
	return TerrainInfo{}, false
}

// PathBlocked implements Spatial.
func (Planar) PathBlocked(ws *WorldState, from, to Point) (bool, string) {
	for _, t := range sortedTerrain(ws) {
		if t.Passable {
			continue
		}
		if SegmentCrossesPolygon(from, to, t.Polygon) {
			return true, t.ID
		}
	}
	return false, ""
}

func sortedTerrain(ws *WorldState) []*Terrain {
	if ws == nil {
		return nil
	}
	out := make([]*Terrain, 0, len(ws.Terrain))
	for _, t := range ws.Terrain {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PointInPolygon uses ray casting. Points on an edge count as inside.
func PointInPolygon(p Point, poly []Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if onSegment(a, b, p) {
			return true
		}
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// SegmentCrossesPolygon reports whether segment ab touches the polygon,
// either by an endpoint inside it or by crossing one of its edges.
func SegmentCrossesPolygon(a, b Point, poly []Point) bool {
	if PointInPolygon(a, poly) || PointInPolygon(b, poly) {
		return true
	}
	n := len(poly)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		if segmentsIntersect(a, b, poly[j], poly[i]) {
			return true
		}
	}
	return false
}

const epsilon = 1e-12

func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

func onSegment(a, b, p Point) bool {
	if math.Abs(cross(a, b, p)) > epsilon {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-epsilon && p.X <= math.Max(a.X, b.X)+epsilon &&
		p.Y >= math.Min(a.Y, b.Y)-epsilon && p.Y <= math.Max(a.Y, b.Y)+epsilon
}

func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	if ((d1 > epsilon && d2 < -epsilon) || (d1 < -epsilon && d2 > epsilon)) &&
		((d3 > epsilon && d4 < -epsilon) || (d3 < -epsilon && d4 > epsilon)) {
		return true
	}
	return onSegment(q1, q2, p1) || onSegment(q1, q2, p2) ||
		onSegment(p1, p2, q1) || onSegment(p1, p2, q2)
}
