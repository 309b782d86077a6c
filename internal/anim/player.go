package anim

import (
	"github.com/chewxy/math32"

	"github.com/Faultbox/scenepose/internal/model"
)

// Player advances a set of clips on a shared clock.
type Player struct {
	Speed float32
	Loop  bool

	clips     []Clip
	durations []float32
}

// NewPlayer creates a player with no active clips.
func NewPlayer(speed float32, loop bool) *Player {
	return &Player{Speed: speed, Loop: loop}
}

// Play adds a clip at time zero with full weight and returns its slot.
func (p *Player) Play(m *model.Model, animation int) int {
	var d float32
	if animation >= 0 && animation < len(m.Animations) {
		d = m.Animations[animation].Duration()
	}
	p.clips = append(p.clips, NewClip(animation))
	p.durations = append(p.durations, d)
	return len(p.clips) - 1
}

// SetWeights changes the per-path blend weights of a slot.
func (p *Player) SetWeights(slot int, w [model.PathCount]float32) {
	p.clips[slot].Weights = w
}

// Advance moves every clip forward by dt seconds scaled by Speed. Looping
// clips wrap by their duration; others hold on their last frame.
func (p *Player) Advance(dt float32) []Clip {
	for i := range p.clips {
		c := &p.clips[i]
		d := p.durations[i]
		c.Time += dt * p.Speed
		if d <= 0 {
			continue
		}
		if p.Loop {
			c.Time = math32.Mod(c.Time, d)
			if c.Time < 0 {
				c.Time += d
			}
			continue
		}
		if c.Time > d {
			c.Time = d
		} else if c.Time < 0 {
			c.Time = 0
		}
	}
	return p.clips
}

// Clips returns the active clips.
func (p *Player) Clips() []Clip {
	return p.clips
}
