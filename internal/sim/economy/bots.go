// Package economy spawns the synthetic players and collectible coins a
// cell keeps alive.
package economy

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"

	"shardworld.ai/internal/sim/entity"
)

const (
	DefaultBotDiameter   = 80
	DefaultBotSpeed      = 1
	DefaultBotMass       = 10
	DefaultBotChangeProb = 0.01
)

// BotMoves are the cardinal intents a bot picks from.
var BotMoves = []entity.Op{
	{Up: true},
	{Down: true},
	{Right: true},
	{Left: true},
}

type BotConfig struct {
	WorldWidth  float64
	WorldHeight float64

	Diameter   float64
	Speed      float64
	Mass       float64
	ChangeProb float64
}

type Bots struct {
	cfg BotConfig
	rng *rand.Rand
}

func NewBots(cfg BotConfig, rng *rand.Rand) *Bots {
	if cfg.Diameter <= 0 {
		cfg.Diameter = DefaultBotDiameter
	}
	if cfg.Mass <= 0 {
		cfg.Mass = DefaultBotMass
	}
	if cfg.ChangeProb <= 0 {
		cfg.ChangeProb = DefaultBotChangeProb
	}
	if cfg.Speed < 0 {
		cfg.Speed = DefaultBotSpeed
	}
	return &Bots{cfg: cfg, rng: rng}
}

// BotOptions overrides the configured defaults for one bot.
type BotOptions struct {
	Name  string
	X, Y  float64
	HasXY bool
	Diam  float64
	Speed *float64
	Mass  float64
	Score int
}

func (b *Bots) New(opts BotOptions) *entity.Player {
	diam := opts.Diam
	if diam <= 0 {
		diam = b.cfg.Diameter
	}
	speed := b.cfg.Speed
	if opts.Speed != nil {
		speed = *opts.Speed
	}
	mass := opts.Mass
	if mass <= 0 {
		mass = b.cfg.Mass
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("bot-%d", b.rng.Intn(10000))
	}

	x, y := opts.X, opts.Y
	if !opts.HasXY {
		x, y = b.randomPosition(math.Round(diam / 2))
	}

	p := &entity.Player{
		Header:        entity.NewHeader(uuid.NewString(), entity.TypePlayer, x, y),
		Name:          name,
		Diam:          diam,
		Mass:          mass,
		Score:         opts.Score,
		Speed:         speed,
		ChangeDirProb: b.cfg.ChangeProb,
	}
	p.Subtype = entity.SubtypeBot
	return p
}

// randomPosition picks a point whose circle of the given radius lies inside the world.
func (b *Bots) randomPosition(radius float64) (float64, float64) {
	d := radius * 2
	x := math.Round(b.rng.Float64()*(b.cfg.WorldWidth-d) + radius)
	y := math.Round(b.rng.Float64()*(b.cfg.WorldHeight-d) + radius)
	return x, y
}

// NextMove returns a uniformly chosen cardinal intent.
func (b *Bots) NextMove() entity.Op {
	return BotMoves[b.rng.Intn(len(BotMoves))]
}
