package model

import (
	"strconv"
	"time"
)

// Kind identifies the variant carried by an Event.
type Kind uint8

const (
	KindCreature Kind = iota + 1
	KindRaid
	KindChallenge
	KindIncident
	KindReload
	KindWatchStart
	KindWatchStop
)

func (k Kind) String() string {
	switch k {
	case KindCreature:
		return "creature"
	case KindRaid:
		return "raid"
	case KindChallenge:
		return "challenge"
	case KindIncident:
		return "incident"
	case KindReload:
		return "reload"
	case KindWatchStart:
		return "watch_start"
	case KindWatchStop:
		return "watch_stop"
	default:
		return "unknown"
	}
}

// Event is one immutable occurrence ingested from the upstream feed.
// Values are shared by pointer between every subscriber pipeline and must
// never be mutated after ingestion.
type Event interface {
	Kind() Kind
	isEvent()
}

// Located is implemented by events that happen at a point on the map.
type Located interface {
	Event
	Lat() float64
	Lon() float64
	// Fingerprint identifies the real-world occurrence for duplicate suppression.
	Fingerprint() string
}

// IVs are the individual values of a creature, each in 0..15.
type IVs struct {
	Attack  int `json:"atk"`
	Defense int `json:"def"`
	Stamina int `json:"sta"`
}

// Gender values as reported by the feed.
const (
	GenderUnset      = 0
	GenderMale       = 1
	GenderFemale     = 2
	GenderGenderless = 3
)

// Creature is a wild sighting.
type Creature struct {
	EncounterID string
	SpawnID     string
	Species     int
	Form        int
	Gender      int
	Latitude    float64
	Longitude   float64
	DisappearAt time.Time
	IV          *IVs
	Level       *int
	CP          *int
	Height      *float64
	Weight      *float64
	Move1       int
	Move2       int
}

func (*Creature) Kind() Kind     { return KindCreature }
func (*Creature) isEvent()       {}
func (c *Creature) Lat() float64 { return c.Latitude }
func (c *Creature) Lon() float64 { return c.Longitude }
func (c *Creature) Fingerprint() string {
	// A later scan carrying IVs must not be suppressed by an earlier one without.
	if c.IV != nil {
		return "creature:" + c.EncounterID + ":iv"
	}
	return "creature:" + c.EncounterID
}

// Quality returns the IV percentage, or false when IVs are unknown.
func (c *Creature) Quality() (float64, bool) {
	if c.IV == nil {
		return 0, false
	}
	sum := c.IV.Attack + c.IV.Defense + c.IV.Stamina
	return float64(sum) / 45 * 100, true
}

// Raid is a raid battle or egg at a gym.
type Raid struct {
	GymID     string
	GymName   string
	Latitude  float64
	Longitude float64
	Level     int
	// Boss is 0 while the raid is still an egg.
	Boss       int
	Form       int
	Start      time.Time
	End        time.Time
	ExEligible bool
}

func (*Raid) Kind() Kind     { return KindRaid }
func (*Raid) isEvent()       {}
func (r *Raid) Lat() float64 { return r.Latitude }
func (r *Raid) Lon() float64 { return r.Longitude }
func (r *Raid) Fingerprint() string {
	return "raid:" + r.GymID + ":" + strconv.FormatInt(r.End.Unix(), 10) + ":" + strconv.Itoa(r.Boss)
}

// IsEgg reports whether the boss is still unknown.
func (r *Raid) IsEgg() bool { return r.Boss == 0 }

// Reward kinds carried by challenges.
const (
	RewardItem     = "item"
	RewardCreature = "creature"
	RewardStardust = "stardust"
	RewardCandy    = "candy"
	RewardEnergy   = "energy"
	RewardXP       = "xp"
)

// Reward is one reward granted by completing a challenge.
type Reward struct {
	Kind   string `json:"kind"`
	ID     int    `json:"id,omitempty"`
	Amount int    `json:"amount,omitempty"`
}

// Challenge is a timed challenge available at a stop.
type Challenge struct {
	StopID    string
	StopName  string
	Latitude  float64
	Longitude float64
	Template  string
	Target    int
	Title     string
	Rewards   []Reward
	Expires   time.Time
}

func (*Challenge) Kind() Kind     { return KindChallenge }
func (*Challenge) isEvent()       {}
func (c *Challenge) Lat() float64 { return c.Latitude }
func (c *Challenge) Lon() float64 { return c.Longitude }
func (c *Challenge) Fingerprint() string {
	return "challenge:" + c.StopID + ":" + c.Template
}

// Incident is a location incident at a stop.
type Incident struct {
	StopID    string
	StopName  string
	Latitude  float64
	Longitude float64
	Grunt     int
	Expires   time.Time
}

func (*Incident) Kind() Kind     { return KindIncident }
func (*Incident) isEvent()       {}
func (i *Incident) Lat() float64 { return i.Latitude }
func (i *Incident) Lon() float64 { return i.Longitude }
func (i *Incident) Fingerprint() string {
	return "incident:" + i.StopID + ":" + strconv.FormatInt(i.Expires.Unix(), 10)
}

// Reload asks for the configuration of one subscriber to be reloaded.
type Reload struct {
	SubscriberID int64
}

func (*Reload) Kind() Kind { return KindReload }
func (*Reload) isEvent()   {}

// WatchStart carries a tracking token produced by a notification action.
type WatchStart struct {
	Token string
}

func (*WatchStart) Kind() Kind { return KindWatchStart }
func (*WatchStart) isEvent()   {}

// WatchStop cancels tracking of one encounter.
type WatchStop struct {
	SubscriberID int64
	EncounterID  string
}

func (*WatchStop) Kind() Kind { return KindWatchStop }
func (*WatchStop) isEvent()   {}
