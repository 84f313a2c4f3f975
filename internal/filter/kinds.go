package filter

import (
	"math"
	"strconv"
	"strings"

	"github.com/nappa85/Pokifications-sub000/internal/model"
)

func evalCreature(cfg *model.Config, c *model.Creature, active bool, tr *tracer) (string, Decision) {
	rules := cfg.Creature
	q, hasQ := c.Quality()
	m := measure{quality: q, hasQuality: hasQ}
	if c.Level != nil {
		m.level, m.hasLevel = *c.Level, true
	}

	species := speciesRule(rules.Species, c.Species)
	if len(rules.Species) > 0 && species == nil {
		return "", reject("creature", "species %d not watched", c.Species)
	}

	var badge string
	if !active {
		if d := bypass(cfg, m, tr); d.Reason != nil {
			return "", d
		}
	} else {
		threshold := rules.Filter
		if species != nil && species.Filter != nil {
			threshold = *species.Filter
		}
		if rules.Badges {
			badge = Badge(c)
		}
		switch {
		case badge != "":
			tr.add("badge %s exempts threshold", badge)
		case !meets(threshold, m):
			return "", reject("creature", "below threshold %s", describe(threshold))
		default:
			tr.add("threshold %s met", describe(threshold))
		}
	}

	if species != nil {
		if species.Gender != model.GenderUnset && c.Gender != species.Gender {
			return "", reject("creature", "gender %d does not match %d", c.Gender, species.Gender)
		}
		for _, a := range species.Attrs {
			v, ok := attribute(c, a.Name)
			if !ok {
				return "", reject("creature", "attribute %s unknown", a.Name)
			}
			if !compare(v, a.Cmp, a.Value) {
				return "", reject("creature", "attribute %s %v not %s %v", a.Name, v, a.Cmp, a.Value)
			}
			tr.add("attribute %s %s %v", a.Name, a.Cmp, a.Value)
		}
	}
	return badge, Decision{}
}

func speciesRule(rules []model.SpeciesRule, id int) *model.SpeciesRule {
	for i := range rules {
		if rules[i].ID == id {
			return &rules[i]
		}
	}
	return nil
}

func attribute(c *model.Creature, name string) (float64, bool) {
	switch name {
	case "atk", "def", "sta":
		if c.IV == nil {
			return 0, false
		}
		switch name {
		case "atk":
			return float64(c.IV.Attack), true
		case "def":
			return float64(c.IV.Defense), true
		}
		return float64(c.IV.Stamina), true
	case "quality":
		return c.Quality()
	case "level":
		if c.Level == nil {
			return 0, false
		}
		return float64(*c.Level), true
	case "cp":
		if c.CP == nil {
			return 0, false
		}
		return float64(*c.CP), true
	case "height":
		if c.Height == nil {
			return 0, false
		}
		return *c.Height, true
	case "weight":
		if c.Weight == nil {
			return 0, false
		}
		return *c.Weight, true
	}
	return 0, false
}

func compare(v float64, cmp string, want float64) bool {
	switch cmp {
	case "<":
		return v < want
	case ">":
		return v > want
	case "=":
		return math.Abs(v-want) < 1e-9
	}
	return false
}

func evalRaid(cfg *model.Config, r *model.Raid, active bool, tr *tracer) Decision {
	rules := cfg.Raid
	if !active {
		m := measure{level: r.Level, hasLevel: true}
		if d := bypass(cfg, m, tr); d.Reason != nil {
			return d
		}
	} else if r.Level < rules.MinLevel {
		return reject("raid", "level %d below %d", r.Level, rules.MinLevel)
	}

	if r.IsEgg() {
		if !rules.Eggs {
			return reject("raid", "eggs not watched")
		}
		tr.add("egg level %d", r.Level)
		return Decision{}
	}
	if len(rules.Bosses) > 0 && !containsInt(rules.Bosses, r.Boss) {
		return reject("raid", "boss %d not watched", r.Boss)
	}
	tr.add("boss %d level %d", r.Boss, r.Level)
	return Decision{}
}

func evalChallenge(cfg *model.Config, c *model.Challenge, active bool, tr *tracer) Decision {
	if !active {
		if d := bypass(cfg, measure{}, tr); d.Reason != nil {
			return d
		}
	}
	rules := cfg.Challenge
	for _, p := range rules.Pairs {
		if p.Template == c.Template && p.Target == c.Target {
			tr.add("template %s target %d", c.Template, c.Target)
			return Decision{}
		}
	}
	for _, tok := range rules.Rewards {
		for _, rw := range c.Rewards {
			if RewardMatches(tok, rw) {
				tr.add("reward %s", tok)
				return Decision{}
			}
		}
	}
	return reject("challenge", "no watched template or reward")
}

// RewardMatches reports whether a configured reward token selects rw.
// Experience rewards never match.
func RewardMatches(token string, rw model.Reward) bool {
	kind, arg, hasArg := strings.Cut(token, ":")
	if kind != rw.Kind {
		return false
	}
	switch kind {
	case model.RewardStardust:
		if !hasArg {
			return true
		}
		floor, err := strconv.Atoi(arg)
		return err == nil && rw.Amount >= floor
	case model.RewardItem, model.RewardCreature, model.RewardCandy, model.RewardEnergy:
		id, err := strconv.Atoi(arg)
		return hasArg && err == nil && rw.ID == id
	}
	return false
}

func evalIncident(cfg *model.Config, i *model.Incident, active bool, tr *tracer) Decision {
	if !active {
		if d := bypass(cfg, measure{}, tr); d.Reason != nil {
			return d
		}
	}
	grunts := cfg.Incident.Grunts
	if len(grunts) > 0 && !containsInt(grunts, i.Grunt) {
		return reject("incident", "grunt %d not watched", i.Grunt)
	}
	tr.add("grunt %d", i.Grunt)
	return Decision{}
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
