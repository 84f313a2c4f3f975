package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nappa85/Pokifications-sub000/internal/model"
)

type creatureMessage struct {
	EncounterID flexString `json:"encounter_id"`
	SpawnID     flexString `json:"spawnpoint_id"`
	PokemonID   int        `json:"pokemon_id"`
	Form        int        `json:"form"`
	Gender      int        `json:"gender"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	Disappear   int64      `json:"disappear_time"`
	Attack      *int       `json:"individual_attack"`
	Defense     *int       `json:"individual_defense"`
	Stamina     *int       `json:"individual_stamina"`
	Level       *int       `json:"pokemon_level"`
	CP          *int       `json:"cp"`
	Height      *float64   `json:"height"`
	Weight      *float64   `json:"weight"`
	Move1       int        `json:"move_1"`
	Move2       int        `json:"move_2"`
}

func parseCreature(raw json.RawMessage) (model.Event, error) {
	var m creatureMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode pokemon: %w", err)
	}
	if m.EncounterID == "" {
		return nil, errors.New("pokemon: missing encounter_id")
	}
	if m.PokemonID <= 0 {
		return nil, errors.New("pokemon: missing pokemon_id")
	}
	if err := checkCoords(m.Latitude, m.Longitude); err != nil {
		return nil, fmt.Errorf("pokemon: %w", err)
	}
	c := &model.Creature{
		EncounterID: string(m.EncounterID),
		SpawnID:     string(m.SpawnID),
		Species:     m.PokemonID,
		Form:        m.Form,
		Gender:      m.Gender,
		Latitude:    m.Latitude,
		Longitude:   m.Longitude,
		DisappearAt: unix(m.Disappear),
		Level:       m.Level,
		CP:          m.CP,
		Height:      m.Height,
		Weight:      m.Weight,
		Move1:       m.Move1,
		Move2:       m.Move2,
	}
	if m.Attack != nil && m.Defense != nil && m.Stamina != nil {
		iv := model.IVs{Attack: *m.Attack, Defense: *m.Defense, Stamina: *m.Stamina}
		for _, v := range []int{iv.Attack, iv.Defense, iv.Stamina} {
			if v < 0 || v > 15 {
				return nil, fmt.Errorf("pokemon: individual value %d out of range", v)
			}
		}
		c.IV = &iv
	}
	return c, nil
}

type raidMessage struct {
	GymID      flexString `json:"gym_id"`
	GymName    string     `json:"gym_name"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Level      int        `json:"level"`
	PokemonID  int        `json:"pokemon_id"`
	Form       int        `json:"form"`
	Start      int64      `json:"start"`
	End        int64      `json:"end"`
	ExEligible bool       `json:"ex_raid_eligible"`
}

func parseRaid(raw json.RawMessage) (model.Event, error) {
	var m raidMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode raid: %w", err)
	}
	if m.GymID == "" {
		return nil, errors.New("raid: missing gym_id")
	}
	if m.Level <= 0 {
		return nil, errors.New("raid: missing level")
	}
	if err := checkCoords(m.Latitude, m.Longitude); err != nil {
		return nil, fmt.Errorf("raid: %w", err)
	}
	return &model.Raid{
		GymID:      string(m.GymID),
		GymName:    m.GymName,
		Latitude:   m.Latitude,
		Longitude:  m.Longitude,
		Level:      m.Level,
		Boss:       m.PokemonID,
		Form:       m.Form,
		Start:      unix(m.Start),
		End:        unix(m.End),
		ExEligible: m.ExEligible,
	}, nil
}

// Upstream reward type codes.
const (
	rewardXP       = 1
	rewardItem     = 2
	rewardStardust = 3
	rewardCandy    = 4
	rewardCreature = 7
	rewardEnergy   = 12
)

type questReward struct {
	Type int `json:"type"`
	Info struct {
		Amount    int `json:"amount"`
		ItemID    int `json:"item_id"`
		PokemonID int `json:"pokemon_id"`
	} `json:"info"`
}

type questMessage struct {
	StopID    flexString    `json:"pokestop_id"`
	StopName  string        `json:"pokestop_name"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
	Template  string        `json:"template"`
	Target    int           `json:"target"`
	Title     string        `json:"title"`
	Rewards   []questReward `json:"rewards"`
	Expires   int64         `json:"expires"`
}

func parseChallenge(raw json.RawMessage) (model.Event, error) {
	var m questMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode quest: %w", err)
	}
	if m.StopID == "" {
		return nil, errors.New("quest: missing pokestop_id")
	}
	if err := checkCoords(m.Latitude, m.Longitude); err != nil {
		return nil, fmt.Errorf("quest: %w", err)
	}
	c := &model.Challenge{
		StopID:    string(m.StopID),
		StopName:  m.StopName,
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Template:  m.Template,
		Target:    m.Target,
		Title:     m.Title,
		Expires:   unix(m.Expires),
	}
	for _, r := range m.Rewards {
		var rw model.Reward
		switch r.Type {
		case rewardXP:
			rw = model.Reward{Kind: model.RewardXP, Amount: r.Info.Amount}
		case rewardItem:
			rw = model.Reward{Kind: model.RewardItem, ID: r.Info.ItemID, Amount: r.Info.Amount}
		case rewardStardust:
			rw = model.Reward{Kind: model.RewardStardust, Amount: r.Info.Amount}
		case rewardCandy:
			rw = model.Reward{Kind: model.RewardCandy, ID: r.Info.PokemonID, Amount: r.Info.Amount}
		case rewardCreature:
			rw = model.Reward{Kind: model.RewardCreature, ID: r.Info.PokemonID}
		case rewardEnergy:
			rw = model.Reward{Kind: model.RewardEnergy, ID: r.Info.PokemonID, Amount: r.Info.Amount}
		default:
			rw = model.Reward{Kind: fmt.Sprintf("type%d", r.Type), Amount: r.Info.Amount}
		}
		c.Rewards = append(c.Rewards, rw)
	}
	return c, nil
}

type invasionMessage struct {
	StopID     flexString `json:"pokestop_id"`
	Name       string     `json:"name"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	GruntType  int        `json:"grunt_type"`
	Character  int        `json:"character"`
	Expiration int64      `json:"incident_expire_timestamp"`
	Expiry     int64      `json:"expiration"`
}

func parseIncident(raw json.RawMessage) (model.Event, error) {
	var m invasionMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode invasion: %w", err)
	}
	if m.StopID == "" {
		return nil, errors.New("invasion: missing pokestop_id")
	}
	if err := checkCoords(m.Latitude, m.Longitude); err != nil {
		return nil, fmt.Errorf("invasion: %w", err)
	}
	grunt := m.GruntType
	if grunt == 0 {
		grunt = m.Character
	}
	exp := m.Expiration
	if exp == 0 {
		exp = m.Expiry
	}
	return &model.Incident{
		StopID:    string(m.StopID),
		StopName:  m.Name,
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Grunt:     grunt,
		Expires:   unix(exp),
	}, nil
}
