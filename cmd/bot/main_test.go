package main

import (
	"math/rand"
	"testing"

	"shardworld.ai/internal/protocol"
)

func TestNextAction_AlwaysMovesAndRespectsChangeProb(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var act protocol.ActionMsg
	changes := 0
	for i := 0; i < 1000; i++ {
		next := nextAction(rng, act, 0)
		if !(next.Up || next.Down || next.Left || next.Right) {
			t.Fatalf("idle action %+v", next)
		}
		if next.Up && next.Down || next.Left && next.Right {
			t.Fatalf("opposite flags %+v", next)
		}
		if i > 0 && next != act {
			changes++
		}
		act = next
	}
	if changes != 0 {
		t.Fatalf("direction changed %d times with change_prob=0", changes)
	}

	next := nextAction(rng, act, 1)
	if next.Type != protocol.TypeAction || next.ProtocolVersion != protocol.Version {
		t.Fatalf("envelope %+v", next)
	}
}
