package fatigue

import "fmt"

// Visual bands in blinks per minute. Normal is 15-20.
const (
	VisualHighAbove     = 25
	VisualModerateAbove = 20
)

// Cognitive bands in minutes worked.
const (
	CognitiveModerateFrom = 45
	CognitiveHighFrom     = 90
)

// DefaultCO2ThresholdPPM is the reading above which ventilation is alert-worthy.
const DefaultCO2ThresholdPPM = 1200

func ClassifyVisual(blinks int) Level {
	switch {
	case blinks > VisualHighAbove:
		return LevelHigh
	case blinks > VisualModerateAbove:
		return LevelModerate
	default:
		return LevelLow
	}
}

// ClassifyPosture maps a posture label to a level. Frames with no face carry
// no postural evidence and classify as low.
func ClassifyPosture(p Posture) Level {
	switch p {
	case PostureHeadLow, PostureHeadTilted:
		return LevelHigh
	case PostureHeadHigh:
		return LevelModerate
	default:
		return LevelLow
	}
}

func ClassifyCognitive(minutes float64) Level {
	switch {
	case minutes < CognitiveModerateFrom:
		return LevelLow
	case minutes < CognitiveHighFrom:
		return LevelModerate
	default:
		return LevelHigh
	}
}

// CO2AlertWorthy is a threshold check, not a leveled fact: there is no
// moderate tier for carbon dioxide.
func CO2AlertWorthy(ppm, threshold float64) bool {
	return ppm > threshold
}

// CO2Level expresses the threshold result as a level so environmental
// samples can be stored next to the others.
func CO2Level(ppm, threshold float64) Level {
	if CO2AlertWorthy(ppm, threshold) {
		return LevelHigh
	}
	return LevelLow
}

// Classify builds a sample for category from its raw metric. raw must be an
// int (blinks), Posture, or float64 (minutes, ppm). elapsedMinutes is only
// consulted by the cognitive band.
func Classify(category Category, raw any, elapsedMinutes float64, co2Threshold float64) (Sample, error) {
	s := Sample{Category: category}
	switch category {
	case CategoryVisual:
		blinks, ok := raw.(int)
		if !ok {
			return Sample{}, fmt.Errorf("visual metric must be int, got %T", raw)
		}
		s.Blinks = blinks
		s.Level = ClassifyVisual(blinks)
	case CategoryPostural:
		p, ok := raw.(Posture)
		if !ok {
			return Sample{}, fmt.Errorf("postural metric must be Posture, got %T", raw)
		}
		s.Posture = p
		s.Level = ClassifyPosture(p)
	case CategoryCognitive:
		s.Minutes = elapsedMinutes
		s.Level = ClassifyCognitive(elapsedMinutes)
	case CategoryEnvironmental:
		ppm, ok := raw.(float64)
		if !ok {
			return Sample{}, fmt.Errorf("environmental metric must be float64, got %T", raw)
		}
		if co2Threshold <= 0 {
			co2Threshold = DefaultCO2ThresholdPPM
		}
		s.PPM = ppm
		s.Level = CO2Level(ppm, co2Threshold)
	default:
		return Sample{}, fmt.Errorf("unknown category %q", category)
	}
	return s, nil
}
