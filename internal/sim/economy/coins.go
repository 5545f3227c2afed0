package economy

import (
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"shardworld.ai/internal/sim/entity"
	"shardworld.ai/internal/sim/grid"
)

const (
	// MaxPlacementTrials bounds the random search for a free drop point.
	MaxPlacementTrials = 10

	DefaultCoinRadius = 10
	DefaultCoinValue  = 1
)

type CoinConfig struct {
	Bounds       grid.Rect
	NoDropRadius float64
	MaxCount     int
	DropInterval time.Duration
}

// Coins is the resource economy of one cell. It owns the live coin counter,
// which only changes through Add and Remove.
type Coins struct {
	cfg   CoinConfig
	table *CoinTable
	rng   *rand.Rand

	coins    map[string]*entity.Coin
	lastDrop time.Time
}

func NewCoins(cfg CoinConfig, table *CoinTable, rng *rand.Rand) *Coins {
	return &Coins{
		cfg:   cfg,
		table: table,
		rng:   rng,
		coins: map[string]*entity.Coin{},
	}
}

func (c *Coins) Count() int    { return len(c.coins) }
func (c *Coins) MaxCount() int { return c.cfg.MaxCount }

// ShouldDrop reports whether the drop interval elapsed and the cell is below its cap.
func (c *Coins) ShouldDrop(now time.Time) bool {
	return now.Sub(c.lastDrop) >= c.cfg.DropInterval && c.Count() < c.cfg.MaxCount
}

// Drop runs one drop attempt: picks a kind from the table and tries to place
// it away from every player. The interval restarts even when placement fails,
// so a crowded cell retries on the next interval.
func (c *Coins) Drop(now time.Time, players map[string]*entity.Player) (*entity.Coin, error) {
	c.lastDrop = now
	kind, err := c.table.Pick(c.rng.Float64())
	if err != nil {
		return nil, err
	}
	return c.Add(kind.Value, kind.Type, kind.Radius, players), nil
}

// Add places a new coin, or returns nil when no free point was found
// within MaxPlacementTrials.
func (c *Coins) Add(value, subtype int, radius float64, players map[string]*entity.Player) *entity.Coin {
	if radius <= 0 {
		radius = DefaultCoinRadius
	}
	if value <= 0 {
		value = DefaultCoinValue
	}
	if subtype <= 0 {
		subtype = 1
	}
	x, y, ok := c.freePosition(radius, players)
	if !ok {
		return nil
	}
	coin := &entity.Coin{
		Header: entity.NewHeader(uuid.NewString(), entity.TypeCoin, x, y),
		Value:  value,
		R:      radius,
	}
	coin.Subtype = strconv.Itoa(subtype)
	c.coins[coin.ID] = coin
	return coin
}

// Remove tombstones and forgets a coin. Unknown ids are ignored.
func (c *Coins) Remove(id string) {
	coin := c.coins[id]
	if coin == nil {
		return
	}
	coin.Tombstone()
	delete(c.coins, id)
}

// Forget drops a coin that left the tree without being collected (eviction).
func (c *Coins) Forget(id string) { delete(c.coins, id) }

// Touches reports whether a circle at (x, y) with radius r intersects a
// live coin. Collected and unknown coins never touch.
func (c *Coins) Touches(id string, x, y, r float64) bool {
	if c == nil {
		return false
	}
	coin := c.coins[id]
	if coin == nil {
		return false
	}
	dx := x - coin.X
	dy := y - coin.Y
	r += coin.R
	return dx*dx+dy*dy <= r*r
}

func (c *Coins) freePosition(radius float64, players map[string]*entity.Player) (float64, float64, bool) {
	b := c.cfg.Bounds
	d := radius * 2
	nd2 := c.cfg.NoDropRadius * c.cfg.NoDropRadius
	for i := 0; i < MaxPlacementTrials; i++ {
		x := b.MinX + math.Round(c.rng.Float64()*(b.Width()-d)+radius)
		y := b.MinY + math.Round(c.rng.Float64()*(b.Height()-d)+radius)
		free := true
		for _, p := range players {
			dx := x - p.X
			dy := y - p.Y
			if dx*dx+dy*dy <= nd2 {
				free = false
				break
			}
		}
		if free {
			return x, y, true
		}
	}
	return 0, 0, false
}
