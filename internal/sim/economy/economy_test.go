package economy

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"shardworld.ai/internal/sim/entity"
	"shardworld.ai/internal/sim/grid"
	"shardworld.ai/internal/sim/tuning"
)

func TestCoinTable_FrequenciesConverge(t *testing.T) {
	table, err := NewCoinTable(tuning.Defaults().Coins.Types)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	const n = 200000
	counts := map[int]int{}
	for i := 0; i < n; i++ {
		k, err := table.Pick(rng.Float64())
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		counts[k.Type]++
	}
	for _, ct := range tuning.Defaults().Coins.Types {
		got := float64(counts[ct.Type]) / n
		if math.Abs(got-ct.Probability) > 0.01 {
			t.Fatalf("type %d frequency %.4f want %.4f", ct.Type, got, ct.Probability)
		}
	}
}

func TestCoinTable_SortedAndThresholds(t *testing.T) {
	table, err := NewCoinTable([]tuning.CoinType{
		{Type: 1, Value: 1, Radius: 10, Probability: 0.7},
		{Type: 2, Value: 5, Radius: 10, Probability: 0.3},
	})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	kinds := table.Kinds()
	if kinds[0].Type != 2 || kinds[0].Floor != 0 || kinds[1].Floor != 0.3 {
		t.Fatalf("kinds=%+v", kinds)
	}
	if k, _ := table.Pick(0.29); k.Type != 2 {
		t.Fatalf("0.29 picked %d", k.Type)
	}
	if k, _ := table.Pick(0.3); k.Type != 1 {
		t.Fatalf("0.3 picked %d", k.Type)
	}
}

func TestCoinTable_RejectsBrokenDistribution(t *testing.T) {
	_, err := NewCoinTable([]tuning.CoinType{{Type: 1, Probability: 0.4}})
	if !errors.Is(err, ErrBadDistribution) {
		t.Fatalf("err=%v want ErrBadDistribution", err)
	}
}

func newTestCoins(t *testing.T, max int) *Coins {
	t.Helper()
	table, err := NewCoinTable([]tuning.CoinType{{Type: 1, Value: 3, Radius: 10, Probability: 1}})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	return NewCoins(CoinConfig{
		Bounds:       grid.Rect{MinX: 500, MinY: 0, MaxX: 1000, MaxY: 500},
		NoDropRadius: 80,
		MaxCount:     max,
		DropInterval: time.Second,
	}, table, rand.New(rand.NewSource(1)))
}

func TestCoins_CapAndInterval(t *testing.T) {
	c := newTestCoins(t, 3)
	now := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		if c.ShouldDrop(now) {
			coin, err := c.Drop(now, nil)
			if err != nil {
				t.Fatalf("drop: %v", err)
			}
			if coin == nil {
				t.Fatalf("placement failed in an empty cell")
			}
			b := grid.Rect{MinX: 500, MinY: 0, MaxX: 1000, MaxY: 500}
			if coin.X-coin.R < b.MinX || coin.X+coin.R > b.MaxX || coin.Y-coin.R < b.MinY || coin.Y+coin.R > b.MaxY {
				t.Fatalf("coin outside its cell: %+v", coin)
			}
		}
		if c.Count() > c.MaxCount() {
			t.Fatalf("count %d exceeds cap %d", c.Count(), c.MaxCount())
		}
		now = now.Add(time.Second)
	}
	if c.Count() != 3 {
		t.Fatalf("count=%d want 3", c.Count())
	}
	if c.ShouldDrop(now) {
		t.Fatalf("full cell should not drop")
	}
}

func TestCoins_PlacementFailureIsSoft(t *testing.T) {
	c := newTestCoins(t, 5)
	// A player centred in the cell with a huge exclusion zone covers every trial.
	c.cfg.NoDropRadius = 2000
	players := map[string]*entity.Player{"p": {Header: entity.NewHeader("p", entity.TypePlayer, 750, 250)}}
	now := time.Unix(0, 0).Add(time.Hour)
	coin, err := c.Drop(now, players)
	if err != nil || coin != nil {
		t.Fatalf("coin=%v err=%v, want soft skip", coin, err)
	}
	if c.Count() != 0 {
		t.Fatalf("failed placement changed the counter")
	}
	if c.ShouldDrop(now) {
		t.Fatalf("a failed drop still consumes the interval")
	}
}

func TestCoins_RemoveKeepsCounter(t *testing.T) {
	c := newTestCoins(t, 5)
	coin := c.Add(2, 1, 10, nil)
	if coin == nil || c.Count() != 1 {
		t.Fatalf("add failed")
	}
	p := &entity.Player{Header: entity.NewHeader("p", entity.TypePlayer, coin.X+20, coin.Y), Diam: 40}
	if !c.Touches(coin.ID, p.X, p.Y, p.Radius()) {
		t.Fatalf("player at distance 20 with radius 20 should touch a radius 10 coin")
	}
	if c.Touches(coin.ID, p.X+11, p.Y, p.Radius()) {
		t.Fatalf("player at distance 31 touches")
	}
	c.Remove(coin.ID)
	c.Remove(coin.ID)
	if c.Count() != 0 || !coin.Delete {
		t.Fatalf("remove: count=%d delete=%v", c.Count(), coin.Delete)
	}
	if c.Touches(coin.ID, p.X, p.Y, p.Radius()) {
		t.Fatalf("a collected coin still touches")
	}
}

func TestBots_SpawnInsideWorld(t *testing.T) {
	b := NewBots(BotConfig{WorldWidth: 1000, WorldHeight: 600, Speed: 2}, rand.New(rand.NewSource(3)))
	for i := 0; i < 500; i++ {
		bot := b.New(BotOptions{})
		r := bot.Radius()
		if bot.X-r < 0 || bot.X+r > 1000 || bot.Y-r < 0 || bot.Y+r > 600 {
			t.Fatalf("bot outside world: %+v", bot)
		}
		if !bot.IsBot() || bot.Diam != DefaultBotDiameter || bot.Mass != DefaultBotMass || bot.Speed != 2 {
			t.Fatalf("defaults not applied: %+v", bot)
		}
		if !bot.Op.IsZero() || bot.CCID != entity.NoCell {
			t.Fatalf("new bot should have no intent and no owner: %+v", bot)
		}
	}
	zero := 0.0
	if bot := b.New(BotOptions{Speed: &zero, X: 5, Y: 6, HasXY: true}); bot.Speed != 0 || bot.X != 5 || bot.Y != 6 {
		t.Fatalf("overrides ignored: %+v", bot)
	}
}
