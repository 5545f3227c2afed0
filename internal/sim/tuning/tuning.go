package tuning

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tuning is the full configuration surface of a world deployment.
// Every shard loads the same file and derives the same cell layout from it.
type Tuning struct {
	WorldWidth         float64 `yaml:"world_width"`
	WorldHeight        float64 `yaml:"world_height"`
	CellWidth          float64 `yaml:"cell_width"`
	CellHeight         float64 `yaml:"cell_height"`
	CellOverlapDist    float64 `yaml:"cell_overlap_distance"`
	DefaultLineOfSight float64 `yaml:"default_line_of_sight"`

	TickIntervalMs int `yaml:"tick_interval_ms"`
	StaleTimeoutMs int `yaml:"stale_timeout_ms"`
	ShardCount     int `yaml:"shard_count"`

	Player Player `yaml:"player"`
	Bots   Bots   `yaml:"bots"`
	Coins  Coins  `yaml:"coins"`

	// SpecialUpdateIntervals maps a publish interval in milliseconds to the
	// entity types published at that reduced rate instead of every tick.
	SpecialUpdateIntervals map[int][]string `yaml:"special_update_intervals,omitempty"`
}

type Player struct {
	Diameter  float64 `yaml:"diameter"`
	Mass      float64 `yaml:"mass"`
	MoveSpeed float64 `yaml:"move_speed"`
}

type Bots struct {
	Count               int     `yaml:"count"`
	MoveSpeed           float64 `yaml:"move_speed"`
	Mass                float64 `yaml:"mass"`
	Diameter            float64 `yaml:"diameter"`
	ChangeDirectionProb float64 `yaml:"change_direction_probability"`
}

type Coins struct {
	MaxCount         int        `yaml:"max_count"`
	DropIntervalMs   int        `yaml:"drop_interval_ms"`
	PlayerNoDropDist float64    `yaml:"player_no_drop_radius"`
	Types            []CoinType `yaml:"types"`
}

type CoinType struct {
	Type        int     `yaml:"type"`
	Value       int     `yaml:"value"`
	Radius      float64 `yaml:"radius"`
	Probability float64 `yaml:"probability"`
}

// Load reads a yaml tuning file on top of Defaults. An empty path yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("world.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("world.yaml: %w", err)
	}
	return t, nil
}

func Defaults() Tuning {
	return Tuning{
		WorldWidth:         4000,
		WorldHeight:        4000,
		CellWidth:          2000,
		CellHeight:         2000,
		CellOverlapDist:    150,
		DefaultLineOfSight: 1000,
		TickIntervalMs:     20,
		StaleTimeoutMs:     1000,
		ShardCount:         1,
		Player: Player{
			Diameter:  60,
			Mass:      20,
			MoveSpeed: 10,
		},
		Bots: Bots{
			Count:               40,
			MoveSpeed:           5,
			Mass:                10,
			Diameter:            80,
			ChangeDirectionProb: 0.01,
		},
		Coins: Coins{
			MaxCount:         200,
			DropIntervalMs:   1000,
			PlayerNoDropDist: 80,
			Types: []CoinType{
				{Type: 1, Value: 1, Radius: 10, Probability: 0.25},
				{Type: 2, Value: 2, Radius: 10, Probability: 0.6},
				{Type: 3, Value: 6, Radius: 10, Probability: 0.1},
				{Type: 4, Value: 12, Radius: 10, Probability: 0.05},
			},
		},
		SpecialUpdateIntervals: map[int][]string{
			1000: {"coin"},
		},
	}
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	if t.DefaultLineOfSight <= 0 {
		t.DefaultLineOfSight = 1000
	}
	if t.ShardCount <= 0 {
		t.ShardCount = 1
	}
	if t.Bots.ChangeDirectionProb <= 0 {
		t.Bots.ChangeDirectionProb = 0.01
	}
	for i := range t.Coins.Types {
		if t.Coins.Types[i].Radius <= 0 {
			t.Coins.Types[i].Radius = 10
		}
		if t.Coins.Types[i].Value <= 0 {
			t.Coins.Types[i].Value = 1
		}
	}
}

func (t Tuning) Validate() error {
	if t.WorldWidth <= 0 || t.WorldHeight <= 0 {
		return fmt.Errorf("world_width/world_height must be > 0")
	}
	if t.CellWidth <= 0 || t.CellHeight <= 0 {
		return fmt.Errorf("cell_width/cell_height must be > 0")
	}
	if t.CellOverlapDist < 0 {
		return fmt.Errorf("cell_overlap_distance must be >= 0")
	}
	if t.TickIntervalMs <= 0 {
		return fmt.Errorf("tick_interval_ms must be > 0")
	}
	if t.StaleTimeoutMs <= 0 {
		return fmt.Errorf("stale_timeout_ms must be > 0")
	}
	if t.ShardCount <= 0 {
		return fmt.Errorf("shard_count must be > 0")
	}
	if t.Player.Diameter <= 0 || t.Player.Mass <= 0 {
		return fmt.Errorf("player diameter/mass must be > 0")
	}
	if t.Bots.Count < 0 {
		return fmt.Errorf("bots.count must be >= 0")
	}
	if t.Coins.MaxCount < 0 || t.Coins.DropIntervalMs < 0 {
		return fmt.Errorf("coins.max_count/drop_interval_ms must be >= 0")
	}
	if len(t.Coins.Types) == 0 {
		return fmt.Errorf("coins.types must not be empty")
	}
	sum := 0.0
	for i, ct := range t.Coins.Types {
		if ct.Probability < 0 {
			return fmt.Errorf("coins.types[%d] probability must be >= 0", i)
		}
		sum += ct.Probability
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("coins.types probabilities sum to %v, want 1", sum)
	}
	for ms := range t.SpecialUpdateIntervals {
		if ms <= 0 {
			return fmt.Errorf("special_update_intervals key %d must be > 0", ms)
		}
	}
	return nil
}

func (t Tuning) Cols() int { return int(math.Ceil(t.WorldWidth / t.CellWidth)) }
func (t Tuning) Rows() int { return int(math.Ceil(t.WorldHeight / t.CellHeight)) }

func (t Tuning) CellCount() int { return t.Cols() * t.Rows() }

// The coin and bot budgets are configured for the whole world and spread
// evenly over the cells.

func (t Tuning) CellCoinMaxCount() int {
	return int(math.Round(float64(t.Coins.MaxCount) / float64(t.CellCount())))
}

func (t Tuning) CellCoinDropIntervalMs() int {
	return t.Coins.DropIntervalMs * t.CellCount()
}

func (t Tuning) CellBotCount() int {
	return int(math.Round(float64(t.Bots.Count) / float64(t.CellCount())))
}

// SpecialTypes returns the set of entity types that have a reduced publish rate.
func (t Tuning) SpecialTypes() map[string]bool {
	out := map[string]bool{}
	for _, types := range t.SpecialUpdateIntervals {
		for _, typ := range types {
			out[typ] = true
		}
	}
	return out
}

// SpecialIntervals returns the configured reduced-rate intervals in ascending order.
func (t Tuning) SpecialIntervals() []int {
	out := make([]int, 0, len(t.SpecialUpdateIntervals))
	for ms := range t.SpecialUpdateIntervals {
		out = append(out, ms)
	}
	sort.Ints(out)
	return out
}
