package filter

import (
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nappa85/Pokifications-sub000/internal/geo"
	"github.com/nappa85/Pokifications-sub000/internal/model"
)

var noon = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

const (
	alwaysOn  = `"windows": [{"from": "00:00", "to": "24:00"}]`
	alwaysOff = `"windows": [{"from": "00:00", "to": "00:01"}]`
	refPoint  = `{"lat": 45.6540, "lon": 8.7878, "radius": 9}`
)

func parse(t *testing.T, format string, args ...any) *model.Config {
	t.Helper()
	cfg, err := model.ParseConfig([]byte(fmt.Sprintf(format, args...)))
	require.NoError(t, err)
	return cfg
}

func creatureConfig(t *testing.T, window, bypass, rules string) *model.Config {
	t.Helper()
	return parse(t, `{
		"enabled": true,
		"time": {%s, "bypass": {%s}},
		"locations": {"creature": %s},
		"creature": {"enabled": true, %s}
	}`, window, bypass, refPoint, rules)
}

func creature(lat, lon float64) *model.Creature {
	return &model.Creature{EncounterID: "enc", Species: 1, Latitude: lat, Longitude: lon}
}

func ivs(a, d, s int) *model.IVs { return &model.IVs{Attack: a, Defense: d, Stamina: s} }

func ptr[T any](v T) *T { return &v }

func TestRadius(t *testing.T) {
	cfg := creatureConfig(t, alwaysOn, "", `"badges": false`)

	near := Evaluate(cfg, creature(45.6540, 8.7879), noon)
	require.True(t, near.Accepted, "%v", near.Reason)
	assert.InDelta(t, 0.008, near.Payload.Distance, 0.001)
	assert.Equal(t, "→", near.Payload.Direction)

	far := Evaluate(cfg, creature(46.0, 9.0), noon)
	assert.False(t, far.Accepted)
	assert.Nil(t, far.Payload)
}

func TestRadiusClamp(t *testing.T) {
	assert.Equal(t, MinDistance, ClampRadius(0))
	assert.Equal(t, MinDistance, ClampRadius(-3))
	assert.Equal(t, MaxDistance, ClampRadius(100))
	assert.Equal(t, 4.0, ClampRadius(4))

	huge := parse(t, `{
		"time": {%s},
		"locations": {"creature": {"lat": 45.0, "lon": 9.0, "radius": 100}},
		"creature": {"enabled": true}
	}`, alwaysOn)
	assert.True(t, Evaluate(huge, creature(45.1, 9.0), noon).Accepted)
	assert.False(t, Evaluate(huge, creature(45.18, 9.0), noon).Accepted)

	tiny := parse(t, `{
		"time": {%s},
		"locations": {"creature": {"lat": 45.0, "lon": 9.0, "radius": 0}},
		"creature": {"enabled": true}
	}`, alwaysOn)
	assert.True(t, Evaluate(tiny, creature(45.0, 9.0001), noon).Accepted)
	assert.False(t, Evaluate(tiny, creature(45.002, 9.0), noon).Accepted)
}

func TestOverride(t *testing.T) {
	body := `{
		"time": {%s},
		"locations": {
			"creature": %s,
			"override": {"lat": 45.0, "lon": 9.0, "radius": 2, "expires": %q}
		},
		"creature": {"enabled": true}
	}`

	active := parse(t, body, alwaysOn, refPoint, noon.Add(time.Hour).Format(time.RFC3339))
	d := Evaluate(active, creature(45.0, 9.0), noon)
	require.True(t, d.Accepted, "%v", d.Reason)
	assert.Equal(t, geo.Centered, d.Payload.Direction)
	assert.Equal(t, 2.0, d.Payload.Radius)

	expired := parse(t, body, alwaysOn, refPoint, noon.Add(-time.Minute).Format(time.RFC3339))
	assert.False(t, Evaluate(expired, creature(45.0, 9.0), noon).Accepted)
	assert.True(t, Evaluate(expired, creature(45.6540, 8.7879), noon).Accepted)
}

func TestNoWindowRejects(t *testing.T) {
	cfg := parse(t, `{"locations": {"creature": %s}, "creature": {"enabled": true}}`, refPoint)
	d := Evaluate(cfg, creature(45.6540, 8.7878), noon)
	assert.False(t, d.Accepted)
	assert.True(t, errors.Is(d.Reason, ErrNoWindow))
}

func TestKindDisabled(t *testing.T) {
	cfg := parse(t, `{"time": {%s}, "locations": {"creature": %s}}`, alwaysOn, refPoint)
	assert.False(t, Evaluate(cfg, creature(45.6540, 8.7878), noon).Accepted)
}

func TestBypassOr(t *testing.T) {
	cfg := creatureConfig(t, alwaysOff, `"quality": 80, "level": 30, "op": "or"`, `"badges": false`)

	c := creature(45.6540, 8.7879)
	c.IV = ivs(13, 13, 13)
	d := Evaluate(cfg, c, noon)
	assert.True(t, d.Accepted, "%v", d.Reason)

	c.IV = ivs(1, 1, 1)
	assert.False(t, Evaluate(cfg, c, noon).Accepted)

	c.Level = ptr(31)
	assert.True(t, Evaluate(cfg, c, noon).Accepted)
}

func TestBypassAndMissingLevel(t *testing.T) {
	cfg := creatureConfig(t, alwaysOff, `"quality": 80, "level": 25, "op": "and"`, `"badges": false`)

	c := creature(45.6540, 8.7879)
	c.IV = ivs(15, 15, 11)
	assert.False(t, Evaluate(cfg, c, noon).Accepted)

	c.Level = ptr(25)
	assert.True(t, Evaluate(cfg, c, noon).Accepted)
}

func TestBypassUnconfiguredRejects(t *testing.T) {
	cfg := creatureConfig(t, alwaysOff, "", `"badges": false`)
	c := creature(45.6540, 8.7879)
	c.IV = ivs(15, 15, 15)
	assert.False(t, Evaluate(cfg, c, noon).Accepted)
}

func TestWindowFilterAnd(t *testing.T) {
	cfg := creatureConfig(t, alwaysOn, "", `"filter": {"quality": 80, "level": 25}`)

	c := creature(45.6540, 8.7879)
	c.IV = ivs(15, 15, 11)
	assert.False(t, Evaluate(cfg, c, noon).Accepted)

	c.Level = ptr(30)
	assert.True(t, Evaluate(cfg, c, noon).Accepted)

	c.IV = ivs(0, 0, 0)
	assert.False(t, Evaluate(cfg, c, noon).Accepted)
}

func TestSpeciesRules(t *testing.T) {
	cfg := creatureConfig(t, alwaysOn, "", `
		"filter": {"quality": 100},
		"species": [
			{"id": 25, "filter": {"quality": 50}, "gender": 2, "attrs": [{"name": "atk", "cmp": ">", "value": 10}]},
			{"id": 26, "attrs": [{"name": "cp", "cmp": "<", "value": 500}]}
		]`)

	pika := creature(45.6540, 8.7879)
	pika.Species = 25
	pika.Gender = model.GenderFemale
	pika.IV = ivs(12, 5, 10)
	assert.True(t, Evaluate(cfg, pika, noon).Accepted)

	pika.Gender = model.GenderMale
	assert.False(t, Evaluate(cfg, pika, noon).Accepted)

	pika.Gender = model.GenderFemale
	pika.IV = ivs(10, 10, 10)
	assert.False(t, Evaluate(cfg, pika, noon).Accepted, "atk 10 is not > 10")

	// Species 26 falls back to the general threshold.
	raichu := creature(45.6540, 8.7879)
	raichu.Species = 26
	raichu.IV = ivs(15, 15, 15)
	assert.False(t, Evaluate(cfg, raichu, noon).Accepted, "cp unknown")
	raichu.CP = ptr(400)
	assert.True(t, Evaluate(cfg, raichu, noon).Accepted)

	other := creature(45.6540, 8.7879)
	other.Species = 1
	other.IV = ivs(15, 15, 15)
	assert.False(t, Evaluate(cfg, other, noon).Accepted, "species not listed")
}

func TestBadgeExemption(t *testing.T) {
	rules := `"filter": {"quality": 100}, "badges": %t`

	c := creature(45.6540, 8.7879)
	c.Species = 19
	c.IV = ivs(1, 2, 3)
	c.Height = ptr(0.1)
	c.Weight = ptr(1.0)

	with := creatureConfig(t, alwaysOn, "", fmt.Sprintf(rules, true))
	d := Evaluate(with, c, noon)
	require.True(t, d.Accepted, "%v", d.Reason)
	assert.Equal(t, BadgeTiny, d.Payload.Badge)

	without := creatureConfig(t, alwaysOn, "", fmt.Sprintf(rules, false))
	assert.False(t, Evaluate(without, c, noon).Accepted)

	c.Height = ptr(0.3)
	c.Weight = ptr(3.5)
	assert.False(t, Evaluate(with, c, noon).Accepted, "average size earns nothing")
}

func TestBadge(t *testing.T) {
	magikarp := &model.Creature{Species: 129, Height: ptr(1.4), Weight: ptr(15.0)}
	assert.Equal(t, BadgeHuge, Badge(magikarp))

	magikarp.Height = ptr(0.3)
	magikarp.Weight = ptr(3.0)
	assert.Empty(t, Badge(magikarp), "small magikarp earns nothing")

	assert.Empty(t, Badge(&model.Creature{Species: 19}))
	assert.Empty(t, Badge(&model.Creature{Species: 1, Height: ptr(0.01), Weight: ptr(0.01)}))
}

func raidConfig(t *testing.T, rules string) *model.Config {
	t.Helper()
	return parse(t, `{
		"time": {%s},
		"locations": {"raid": %s},
		"raid": {"enabled": true, %s}
	}`, alwaysOn, refPoint, rules)
}

func TestRaid(t *testing.T) {
	cfg := raidConfig(t, `"min_level": 3, "bosses": [150], "eggs": false`)
	r := &model.Raid{GymID: "g", Latitude: 45.6540, Longitude: 8.7879, Level: 5, Boss: 150}

	assert.True(t, Evaluate(cfg, r, noon).Accepted)

	r.Boss = 151
	assert.False(t, Evaluate(cfg, r, noon).Accepted)

	r.Boss = 150
	r.Level = 1
	assert.False(t, Evaluate(cfg, r, noon).Accepted)

	egg := &model.Raid{GymID: "g", Latitude: 45.6540, Longitude: 8.7879, Level: 5}
	assert.False(t, Evaluate(cfg, egg, noon).Accepted)

	eggs := raidConfig(t, `"min_level": 3, "bosses": [150], "eggs": true`)
	assert.True(t, Evaluate(eggs, egg, noon).Accepted, "boss list does not apply to eggs")
}

func challengeConfig(t *testing.T, rules string) *model.Config {
	t.Helper()
	return parse(t, `{
		"time": {%s},
		"locations": {"challenge": %s},
		"challenge": {"enabled": true, %s}
	}`, alwaysOn, refPoint, rules)
}

func TestChallenge(t *testing.T) {
	cfg := challengeConfig(t, `
		"pairs": [{"template": "catch_5_grass", "target": 5}],
		"rewards": ["stardust:500", "item:701"]`)

	ch := &model.Challenge{StopID: "s", Latitude: 45.6540, Longitude: 8.7879, Template: "catch_5_grass", Target: 5}
	assert.True(t, Evaluate(cfg, ch, noon).Accepted)

	ch.Target = 6
	assert.False(t, Evaluate(cfg, ch, noon).Accepted)

	ch.Rewards = []model.Reward{{Kind: model.RewardStardust, Amount: 1000}}
	assert.True(t, Evaluate(cfg, ch, noon).Accepted)

	ch.Rewards = []model.Reward{{Kind: model.RewardStardust, Amount: 200}}
	assert.False(t, Evaluate(cfg, ch, noon).Accepted)

	ch.Rewards = []model.Reward{{Kind: model.RewardXP, Amount: 5000}, {Kind: model.RewardItem, ID: 701, Amount: 1}}
	assert.True(t, Evaluate(cfg, ch, noon).Accepted)
}

func TestRewardMatches(t *testing.T) {
	cases := []struct {
		token string
		rw    model.Reward
		want  bool
	}{
		{"stardust", model.Reward{Kind: model.RewardStardust, Amount: 1}, true},
		{"stardust:100", model.Reward{Kind: model.RewardStardust, Amount: 99}, false},
		{"creature:327", model.Reward{Kind: model.RewardCreature, ID: 327}, true},
		{"creature:327", model.Reward{Kind: model.RewardCreature, ID: 328}, false},
		{"candy:1", model.Reward{Kind: model.RewardCandy, ID: 1, Amount: 3}, true},
		{"energy:6", model.Reward{Kind: model.RewardEnergy, ID: 6}, true},
		{"item:1", model.Reward{Kind: model.RewardCandy, ID: 1}, false},
		{"xp", model.Reward{Kind: model.RewardXP, Amount: 100}, false},
		{"item", model.Reward{Kind: model.RewardItem, ID: 1}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RewardMatches(tc.token, tc.rw), "%s vs %+v", tc.token, tc.rw)
	}
}

func TestIncident(t *testing.T) {
	cfg := parse(t, `{
		"time": {%s},
		"locations": {"incident": %s},
		"incident": {"enabled": true, "grunts": [4, 5]}
	}`, alwaysOn, refPoint)

	inc := &model.Incident{StopID: "s", Latitude: 45.6540, Longitude: 8.7879, Grunt: 4}
	assert.True(t, Evaluate(cfg, inc, noon).Accepted)

	inc.Grunt = 6
	assert.False(t, Evaluate(cfg, inc, noon).Accepted)

	anyGrunt := parse(t, `{
		"time": {%s},
		"locations": {"incident": %s},
		"incident": {"enabled": true}
	}`, alwaysOn, refPoint)
	assert.True(t, Evaluate(anyGrunt, inc, noon).Accepted)
}

func TestControlEventsRejected(t *testing.T) {
	cfg := creatureConfig(t, alwaysOn, "", `"badges": false`)
	assert.False(t, Evaluate(cfg, &model.Reload{SubscriberID: 1}, noon).Accepted)
}

func TestDebugTrace(t *testing.T) {
	body := `{
		"debug": %t,
		"time": {%s, "bypass": {"quality": 50}},
		"locations": {"creature": %s},
		"creature": {"enabled": true}
	}`
	c := creature(45.6540, 8.7879)
	c.IV = ivs(15, 15, 15)

	on := Evaluate(parse(t, body, true, alwaysOff, refPoint), c, noon)
	require.True(t, on.Accepted)
	assert.NotEmpty(t, on.Payload.Trace)
	assert.Contains(t, on.Payload.Trace[len(on.Payload.Trace)-1], "bypass")

	off := Evaluate(parse(t, body, false, alwaysOff, refPoint), c, noon)
	require.True(t, off.Accepted)
	assert.Empty(t, off.Payload.Trace)
}

func TestWindowUsesSubscriberZone(t *testing.T) {
	// 12:00 UTC is 14:00 in Rome during summer time.
	cfg := parse(t, `{
		"tz": "Europe/Rome",
		"time": {"windows": [{"from": "13:30", "to": "14:30"}]},
		"locations": {"creature": %s},
		"creature": {"enabled": true}
	}`, refPoint)
	assert.True(t, Evaluate(cfg, creature(45.6540, 8.7879), noon).Accepted)
	assert.False(t, Evaluate(cfg, creature(45.6540, 8.7879), noon.Add(-time.Hour)).Accepted)
}
