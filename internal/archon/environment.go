package archon

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/AaronLay10/Universalis/internal/world"
)

// EnvironmentModel evolves actor-independent world conditions in place and
// describes what changed. It must be deterministic for a given state.
type EnvironmentModel interface {
	Evolve(ws *world.WorldState) []string
}

// WeatherTransition is one weighted outgoing edge of the weather chain.
type WeatherTransition struct {
	To     string  `yaml:"to"`
	Weight float64 `yaml:"weight"`
}

// DefaultWeather is the stock weather chain.
func DefaultWeather() map[string][]WeatherTransition {
	return map[string][]WeatherTransition{
		"Clear":  {{"Clear", 0.7}, {"Cloudy", 0.25}, {"Fog", 0.05}},
		"Cloudy": {{"Cloudy", 0.4}, {"Clear", 0.3}, {"Rain", 0.3}},
		"Rain":   {{"Rain", 0.5}, {"Cloudy", 0.3}, {"Storm", 0.2}},
		"Storm":  {{"Storm", 0.3}, {"Rain", 0.7}},
		"Fog":    {{"Fog", 0.3}, {"Clear", 0.7}},
	}
}

// StandardEnvironment advances the clock, steps the weather chain with a
// seed derived from (simulation id, cycle) and fires scheduled events.
type StandardEnvironment struct {
	MinutesPerCycle int
	Weather         map[string][]WeatherTransition
}

// NewStandardEnvironment returns the default model.
func NewStandardEnvironment(minutesPerCycle int) *StandardEnvironment {
	return &StandardEnvironment{MinutesPerCycle: minutesPerCycle, Weather: DefaultWeather()}
}

// Evolve implements EnvironmentModel.
func (m *StandardEnvironment) Evolve(ws *world.WorldState) []string {
	var changes []string
	env := &ws.Environment

	if m.MinutesPerCycle > 0 {
		next := advanceClock(env.TimeOfDay, m.MinutesPerCycle)
		if next != env.TimeOfDay {
			changes = append(changes, fmt.Sprintf("time advanced to %s", next))
			env.TimeOfDay = next
		}
	}

	if w := m.nextWeather(ws.SimulationID, ws.Cycle, env.Weather); w != env.Weather {
		changes = append(changes, fmt.Sprintf("weather changed from %s to %s", env.Weather, w))
		env.Weather = w
	}

	for _, ev := range env.Scheduled {
		if ev.AtCycle > ws.Cycle || contains(env.Fired, ev.ID) {
			continue
		}
		ctx := &TriggerContext{
			Cycle:     ws.Cycle,
			Weather:   env.Weather,
			TimeOfDay: env.TimeOfDay,
			Events:    env.GlobalEvents,
			Fired:     env.Fired,
		}
		if !EvalCondition(ev.Condition, ctx) {
			continue
		}
		env.Fired = append(env.Fired, ev.ID)
		if ev.Text != "" {
			env.GlobalEvents = append(env.GlobalEvents, ev.Text)
			changes = append(changes, fmt.Sprintf("event %s: %s", ev.ID, ev.Text))
		}
		if ev.SetWeather != "" && ev.SetWeather != env.Weather {
			changes = append(changes, fmt.Sprintf("weather forced from %s to %s by %s", env.Weather, ev.SetWeather, ev.ID))
			env.Weather = ev.SetWeather
		}
	}
	return changes
}

func (m *StandardEnvironment) nextWeather(simID string, cycle uint64, current string) string {
	edges := m.Weather[current]
	if len(edges) == 0 {
		return current
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(simID + ":" + strconv.FormatUint(cycle, 10)))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	sorted := append([]WeatherTransition(nil), edges...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].To < sorted[j].To })
	var total float64
	for _, e := range sorted {
		total += e.Weight
	}
	if total <= 0 {
		return current
	}
	roll := rng.Float64() * total
	for _, e := range sorted {
		roll -= e.Weight
		if roll < 0 {
			return e.To
		}
	}
	return sorted[len(sorted)-1].To
}

// advanceClock adds minutes to an "HH:MM" clock, wrapping at midnight.
// Unparseable clocks are reset to 00:00 before advancing.
func advanceClock(hhmm string, minutes int) string {
	total := 0
	if parts := strings.SplitN(hhmm, ":", 2); len(parts) == 2 {
		h, errH := strconv.Atoi(parts[0])
		mm, errM := strconv.Atoi(parts[1])
		if errH == nil && errM == nil {
			total = h*60 + mm
		}
	}
	total = ((total+minutes)%1440 + 1440) % 1440
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// StaticEnvironment never changes anything.
type StaticEnvironment struct{}

// Evolve implements EnvironmentModel.
func (StaticEnvironment) Evolve(*world.WorldState) []string { return nil }
