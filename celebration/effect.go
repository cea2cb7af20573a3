package celebration

import (
	"context"
	"time"

	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

// Origin is the launch point of a burst in viewport fractions.
type Origin struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Burst describes one confetti cannon shot.
type Burst struct {
	DelayMs       int      `json:"delayMs"`
	ParticleCount int      `json:"particleCount"`
	Angle         int      `json:"angle"`
	Spread        int      `json:"spread"`
	Origin        Origin   `json:"origin"`
	Colors        []string `json:"colors"`
}

// Note is one sine tone of the chime, decaying to silence over DurationMs.
type Note struct {
	Frequency  float64 `json:"frequency"`
	StartMs    int     `json:"startMs"`
	DurationMs int     `json:"durationMs"`
	Gain       float64 `json:"gain"`
}

// Recipe is what the board UI plays when a task changes column.
type Recipe struct {
	Bursts                  []Burst `json:"bursts"`
	Chime                   []Note  `json:"chime"`
	DisableForReducedMotion bool    `json:"disableForReducedMotion"`
}

const (
	chimeStagger  = 80
	chimeDuration = 400
	chimeGain     = 0.15
	sideDelay     = 150
)

// C5 E5 G5 C6
var chimeNotes = []float64{523.25, 659.25, 783.99, 1046.5}

// DefaultRecipe returns a fresh copy of the standard celebration.
func DefaultRecipe() Recipe {
	chime := make([]Note, 0, len(chimeNotes))
	for i, f := range chimeNotes {
		chime = append(chime, Note{
			Frequency:  f,
			StartMs:    i * chimeStagger,
			DurationMs: chimeDuration,
			Gain:       chimeGain,
		})
	}
	return Recipe{
		Bursts: []Burst{
			{
				ParticleCount: 80,
				Angle:         90,
				Spread:        70,
				Origin:        Origin{X: 0.5, Y: 0.6},
				Colors:        []string{"#8b5cf6", "#a78bfa", "#c4b5fd", "#fbbf24", "#34d399", "#60a5fa"},
			},
			{
				DelayMs:       sideDelay,
				ParticleCount: 40,
				Angle:         60,
				Spread:        55,
				Origin:        Origin{X: 0, Y: 0.65},
				Colors:        []string{"#8b5cf6", "#fbbf24", "#34d399"},
			},
			{
				DelayMs:       sideDelay,
				ParticleCount: 40,
				Angle:         120,
				Spread:        55,
				Origin:        Origin{X: 1, Y: 0.65},
				Colors:        []string{"#a78bfa", "#60a5fa", "#c4b5fd"},
			},
		},
		Chime:                   chime,
		DisableForReducedMotion: true,
	}
}

// Event is emitted once per drag that moves a task into another column.
type Event struct {
	Board  string          `json:"board"`
	TaskID string          `json:"taskId"`
	Title  string          `json:"title"`
	From   domain.ColumnID `json:"from"`
	To     domain.ColumnID `json:"to"`
	At     time.Time       `json:"at"`
	Recipe Recipe          `json:"recipe"`
}

// NewEvent builds an event carrying the default recipe.
func NewEvent(board string, task domain.Task, to domain.ColumnID) Event {
	return Event{
		Board:  board,
		TaskID: task.ID,
		Title:  task.Title,
		From:   task.Column,
		To:     to,
		At:     time.Now().UTC(),
		Recipe: DefaultRecipe(),
	}
}

// Effect plays a celebration. Implementations must not block the caller on
// delivery and have no failure path.
type Effect interface {
	Celebrate(ctx context.Context, ev Event)
}

// Func adapts a plain function to Effect.
type Func func(ctx context.Context, ev Event)

func (f Func) Celebrate(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
var Nop Effect = Func(func(context.Context, Event) {})

// Multi fans one event out to several effects in order.
func Multi(effects ...Effect) Effect {
	return Func(func(ctx context.Context, ev Event) {
		for _, e := range effects {
			if e != nil {
				e.Celebrate(ctx, ev)
			}
		}
	})
}
