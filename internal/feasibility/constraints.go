package feasibility

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/world"
	"go.uber.org/zap"
)

// Constraint names registered by Defaults.
const (
	IntentSchema         = "intent_schema"
	ActorActive          = "actor_active"
	TargetExists         = "target_exists"
	AssetOperational     = "asset_operational"
	ActorAuthorized      = "actor_authorized"
	ResourceAvailability = "resource_availability"
	ReachableDistance    = "reachable_distance"
	TerrainPassability   = "terrain_passability"
	PathClear            = "path_clear"
	CycleWindow          = "cycle_window"
)

// Limits are the thresholds owned by the spatial constraints.
type Limits struct {
	// MaxMoveDistance caps a single move when the entity has no "range"
	// property. Zero means unlimited.
	MaxMoveDistance float64 `yaml:"max_move_distance"`
	// ClaimRadius is how close an actor must be to claim a positioned
	// asset. Zero disables the check.
	ClaimRadius float64 `yaml:"claim_radius"`
}

// Defaults returns the stock constraint registry in evaluation order.
func Defaults(limits Limits) []Constraint {
	return []Constraint{
		{Name: IntentSchema, Category: CategoryPolicy, Predicate: checkSchema,
			Recommendation: "resubmit the action with a payload matching its kind"},
		{Name: ActorActive, Category: CategoryPhysical, Predicate: checkActorActive,
			Recommendation: "only active actors may act"},
		{Name: TargetExists, Category: CategoryLogistical, Predicate: checkTargetExists,
			Recommendation: "target an entity that exists and is not destroyed"},
		{Name: AssetOperational, Category: CategoryPhysical, Predicate: checkAssetOperational,
			Recommendation: "restore the asset to active status or use another asset"},
		{Name: ActorAuthorized, Category: CategoryPolicy, Predicate: checkAuthorized,
			Recommendation: "claim the asset before directing it"},
		{Name: ResourceAvailability, Category: CategoryLogistical, Predicate: checkResources,
			Recommendation: "refuel before moving"},
		{Name: ReachableDistance, Category: CategoryPhysical, Predicate: reachable(limits),
			Recommendation: "choose a closer destination or move closer first"},
		{Name: TerrainPassability, Category: CategoryPhysical, Predicate: checkTerrain,
			Recommendation: "choose a destination on passable terrain"},
		{Name: PathClear, Category: CategoryPhysical, Predicate: checkPath,
			Recommendation: "route around impassable terrain in shorter legs"},
		{Name: CycleWindow, Category: CategoryTemporal, Predicate: checkCycleWindow,
			Recommendation: "submit the intent for the current cycle"},
	}
}

// NewDefaultEngine builds an engine with the stock registry.
func NewDefaultEngine(spatial world.Spatial, limits Limits, log *zap.Logger) (*Engine, error) {
	e := NewEngine(spatial, log)
	for _, c := range Defaults(limits) {
		if err := e.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func checkSchema(in *Input) (bool, string, error) {
	if !in.Intent.Structured() {
		return true, "free-text intent", nil
	}
	if err := ValidatePayload(in.Intent.Payload); err != nil {
		return false, err.Error(), nil
	}
	if in.ActionErr != nil {
		return false, in.ActionErr.Error(), nil
	}
	return true, fmt.Sprintf("%s payload valid", in.Action.Kind), nil
}

func checkActorActive(in *Input) (bool, string, error) {
	agent := in.State.Entity(in.Intent.AgentID)
	switch {
	case agent == nil:
		return false, fmt.Sprintf("agent %s does not exist", in.Intent.AgentID), nil
	case !agent.IsActor():
		return false, fmt.Sprintf("%s is a %s, not an actor", agent.ID, agent.Kind), nil
	case agent.Status != world.StatusActive:
		return false, fmt.Sprintf("agent %s is %s", agent.ID, agent.Status), nil
	}
	return true, "agent is active", nil
}

// referenced returns the entity ids a structured action touches.
func referenced(in *Input) []string {
	a := in.Action
	if a == nil {
		return nil
	}
	switch a.Kind {
	case intent.ActionMove, intent.ActionSetProperty:
		return []string{a.Subject(in.Intent.AgentID)}
	case intent.ActionClaim, intent.ActionRelease, intent.ActionRelate:
		if a.Target != "" {
			return []string{a.Target}
		}
	}
	return nil
}

func checkTargetExists(in *Input) (bool, string, error) {
	ids := referenced(in)
	if len(ids) == 0 {
		return true, "no target", nil
	}
	for _, id := range ids {
		e := in.State.Entity(id)
		if e == nil {
			return false, fmt.Sprintf("target %s does not exist", id), nil
		}
		if e.Status == world.StatusDestroyed {
			return false, fmt.Sprintf("target %s is destroyed", id), nil
		}
	}
	return true, "targets exist", nil
}

func checkAssetOperational(in *Input) (bool, string, error) {
	assets := map[string]bool{}
	for _, id := range referenced(in) {
		if e := in.State.Entity(id); e != nil && e.Kind == world.KindAsset {
			assets[id] = true
		}
	}
	for _, id := range mentionedAssets(in.Intent.Text, in.State) {
		assets[id] = true
	}
	if len(assets) == 0 {
		return true, "no assets involved", nil
	}
	ids := make([]string, 0, len(assets))
	for id := range assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if e := in.State.Entity(id); e.Status != world.StatusActive {
			return false, fmt.Sprintf("asset %s is %s", id, e.Status), nil
		}
	}
	return true, fmt.Sprintf("assets operational: %s", strings.Join(ids, ", ")), nil
}

// mentionedAssets finds asset ids that appear as whole words in free text.
func mentionedAssets(text string, ws *world.WorldState) []string {
	if text == "" {
		return nil
	}
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	}) {
		words[w] = true
	}
	var out []string
	for id, e := range ws.Entities {
		if e.Kind == world.KindAsset && words[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func checkAuthorized(in *Input) (bool, string, error) {
	a := in.Action
	if a == nil {
		return true, "no structured action", nil
	}
	agent := in.Intent.AgentID
	switch a.Kind {
	case intent.ActionMove, intent.ActionSetProperty:
		subject := a.Subject(agent)
		if subject == agent {
			return true, "acting on self", nil
		}
		e := in.State.Entity(subject)
		if e == nil {
			return true, "target missing", nil
		}
		if e.Kind != world.KindAsset {
			return false, fmt.Sprintf("%s cannot direct %s %s", agent, e.Kind, subject), nil
		}
		if e.Owner() != agent {
			return false, fmt.Sprintf("asset %s is not controlled by %s", subject, agent), nil
		}
	case intent.ActionClaim:
		e := in.State.Entity(a.Target)
		if e == nil {
			return true, "target missing", nil
		}
		if e.Kind != world.KindAsset {
			return false, fmt.Sprintf("%s is not an asset", a.Target), nil
		}
		if owner := e.Owner(); owner != "" && owner != agent {
			return false, fmt.Sprintf("asset %s is held by %s", a.Target, owner), nil
		}
	case intent.ActionRelease:
		e := in.State.Entity(a.Target)
		if e == nil {
			return true, "target missing", nil
		}
		if e.Owner() != agent {
			return false, fmt.Sprintf("asset %s is not held by %s", a.Target, agent), nil
		}
	case intent.ActionRelate:
		if a.Target == agent {
			return false, "cannot relate to self", nil
		}
	}
	return true, "authorized", nil
}

func checkResources(in *Input) (bool, string, error) {
	a := in.Action
	if a == nil || a.Kind != intent.ActionMove {
		return true, "no resources consumed", nil
	}
	e := in.State.Entity(a.Subject(in.Intent.AgentID))
	if e == nil {
		return true, "target missing", nil
	}
	fuel, ok := e.NumberProperty(world.PropFuel)
	if !ok {
		return true, "no fuel tracked", nil
	}
	if fuel <= 0 {
		return false, fmt.Sprintf("%s has no fuel", e.ID), nil
	}
	return true, fmt.Sprintf("fuel %.1f", fuel), nil
}

func reachable(limits Limits) Predicate {
	return func(in *Input) (bool, string, error) {
		a := in.Action
		if a == nil {
			return true, "no movement", nil
		}
		switch a.Kind {
		case intent.ActionMove:
			if a.Destination == nil {
				return true, "no destination", nil
			}
			subject := a.Subject(in.Intent.AgentID)
			e := in.State.Entity(subject)
			if e == nil {
				return true, "target missing", nil
			}
			if e.Position == nil {
				return false, fmt.Sprintf("%s has no position", subject), nil
			}
			limit := limits.MaxMoveDistance
			if r, ok := e.NumberProperty(world.PropRange); ok {
				limit = r
			}
			if limit <= 0 {
				return true, "unlimited range", nil
			}
			ok, err := in.Spatial.WithinDistance(in.State, subject, *a.Destination, limit)
			if err != nil {
				return false, "", err
			}
			if !ok {
				return false, fmt.Sprintf("destination is %.2f away, range is %.2f",
					world.Distance(*e.Position, *a.Destination), limit), nil
			}
			return true, "destination in range", nil
		case intent.ActionClaim:
			asset := in.State.Entity(a.Target)
			if limits.ClaimRadius <= 0 || asset == nil || asset.Kind != world.KindAsset || asset.Position == nil {
				return true, "no proximity requirement", nil
			}
			ok, err := in.Spatial.WithinDistance(in.State, in.Intent.AgentID, *asset.Position, limits.ClaimRadius)
			if err != nil {
				return false, "", err
			}
			if !ok {
				return false, fmt.Sprintf("%s is not within %.2f of %s", in.Intent.AgentID, limits.ClaimRadius, a.Target), nil
			}
			return true, "asset within reach", nil
		}
		return true, "no movement", nil
	}
}

func checkTerrain(in *Input) (bool, string, error) {
	a := in.Action
	if a == nil || a.Kind != intent.ActionMove || a.Destination == nil {
		return true, "no movement", nil
	}
	info, ok := in.Spatial.TerrainAt(in.State, *a.Destination)
	if !ok {
		return true, "open ground", nil
	}
	if !info.Passable {
		return false, fmt.Sprintf("destination terrain %s (%s) is impassable", info.TerrainID, info.Type), nil
	}
	return true, fmt.Sprintf("destination terrain %s is passable", info.TerrainID), nil
}

func checkPath(in *Input) (bool, string, error) {
	a := in.Action
	if a == nil || a.Kind != intent.ActionMove || a.Destination == nil {
		return true, "no movement", nil
	}
	e := in.State.Entity(a.Subject(in.Intent.AgentID))
	if e == nil || e.Position == nil {
		return true, "no origin", nil
	}
	if blocked, id := in.Spatial.PathBlocked(in.State, *e.Position, *a.Destination); blocked {
		return false, fmt.Sprintf("path crosses impassable terrain %s", id), nil
	}
	return true, "path clear", nil
}

func checkCycleWindow(in *Input) (bool, string, error) {
	cycle := in.State.Cycle
	if in.Intent.Cycle != cycle {
		return false, fmt.Sprintf("intent is for cycle %d but the world is at cycle %d", in.Intent.Cycle, cycle), nil
	}
	if a := in.Action; a != nil {
		if a.NotBefore != nil && cycle < *a.NotBefore {
			return false, fmt.Sprintf("not valid before cycle %d", *a.NotBefore), nil
		}
		if a.NotAfter != nil && cycle > *a.NotAfter {
			return false, fmt.Sprintf("expired after cycle %d", *a.NotAfter), nil
		}
	}
	return true, "within window", nil
}
