package fatigue

import (
	"fmt"
	"strings"
	"time"
)

// Level is the ordinal classification assigned to a category.
type Level string

const (
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
)

func (l Level) rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelModerate:
		return 2
	case LevelHigh:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether l is ordered at or above min.
func (l Level) AtLeast(min Level) bool {
	return l.rank() >= min.rank() && l.rank() > 0
}

func (l Level) Valid() bool {
	return l.rank() > 0
}

// ParseLevel accepts the English names and the Spanish ones the sensor
// gateway and older databases use (bajo, moderado, alto).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "bajo":
		return LevelLow, nil
	case "moderate", "moderado":
		return LevelModerate, nil
	case "high", "alto":
		return LevelHigh, nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// Category is one of the four monitored fatigue/risk dimensions.
type Category string

const (
	CategoryVisual        Category = "visual"
	CategoryPostural      Category = "postural"
	CategoryCognitive     Category = "cognitive"
	CategoryEnvironmental Category = "environmental"
)

var Categories = []Category{CategoryVisual, CategoryPostural, CategoryCognitive, CategoryEnvironmental}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Posture is the head-position label produced by the vision loop.
type Posture string

const (
	PostureCorrect    Posture = "correcta"
	PostureHeadHigh   Posture = "cabeza_alta"
	PostureHeadLow    Posture = "cabeza_baja"
	PostureHeadTilted Posture = "cabeza_inclinada"
	PostureNoFace     Posture = "sin_deteccion"
	PostureUnknown    Posture = "desconocida"
)

// Sample is one classified observation. Exactly one of the raw fields is
// meaningful, selected by Category.
type Sample struct {
	Category Category
	Blinks   int
	Posture  Posture
	Minutes  float64
	PPM      float64
	Level    Level
	At       time.Time
}

// Indicator renders the raw metric the way detections are labelled in storage.
func (s Sample) Indicator() string {
	switch s.Category {
	case CategoryVisual:
		return fmt.Sprintf("Parpadeos: %d/min", s.Blinks)
	case CategoryPostural:
		return fmt.Sprintf("Postura: %s", s.Posture)
	case CategoryCognitive:
		return fmt.Sprintf("Tiempo de trabajo: %.0f min", s.Minutes)
	case CategoryEnvironmental:
		return fmt.Sprintf("CO2: %.0f ppm", s.PPM)
	}
	return ""
}

// AlertKind names what a guidance script is selected by: a category, or a
// derived rule such as general_high_fatigue.
type AlertKind string

const (
	KindVisual        = AlertKind(CategoryVisual)
	KindPostural      = AlertKind(CategoryPostural)
	KindCognitive     = AlertKind(CategoryCognitive)
	KindEnvironmental = AlertKind(CategoryEnvironmental)
)

// AlertEvent is a request to run one guidance script. It is consumed exactly
// once by the sequencer.
type AlertEvent struct {
	ID        string
	Kind      AlertKind
	Category  Category
	Level     Level
	Payload   map[string]any
	CreatedAt time.Time
}

func (e AlertEvent) String() string {
	return fmt.Sprintf("%s(%s) %s", e.Kind, e.Level, e.ID)
}
