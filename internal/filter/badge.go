package filter

import "github.com/nappa85/Pokifications-sub000/internal/model"

// Badge names.
const (
	BadgeTiny = "tiny"
	BadgeHuge = "huge"
)

// Size ratio bounds. The ratio is height/base + weight/base, so an average
// specimen scores 2.
const (
	tinyRatio = 1.5
	hugeRatio = 2.5
)

type badgeSpecies struct {
	height float64 // m
	weight float64 // kg
	badge  string
}

// Species whose extreme sizes count towards a collector badge.
var badgeTable = map[int]badgeSpecies{
	19:  {height: 0.3, weight: 3.5, badge: BadgeTiny},  // rattata
	129: {height: 0.9, weight: 10.0, badge: BadgeHuge}, // magikarp
}

// Badge returns the badge the creature qualifies for, or "" when it does not
// qualify or its size is unknown.
func Badge(c *model.Creature) string {
	base, ok := badgeTable[c.Species]
	if !ok || c.Height == nil || c.Weight == nil {
		return ""
	}
	ratio := *c.Height/base.height + *c.Weight/base.weight
	switch base.badge {
	case BadgeTiny:
		if ratio < tinyRatio {
			return BadgeTiny
		}
	case BadgeHuge:
		if ratio > hugeRatio {
			return BadgeHuge
		}
	}
	return ""
}
