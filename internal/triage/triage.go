// Package triage provides the symptom classifier used to stamp a risk level
// on appointments. The real classifier is an external service; Keyword is a
// deterministic default that needs no network.
package triage

import (
	"context"
	"strings"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

type Urgency string

const (
	UrgencyRoutine    Urgency = "ROUTINE"
	UrgencySemiUrgent Urgency = "SEMI_URGENT"
	UrgencyUrgent     Urgency = "URGENT"
	UrgencyEmergency  Urgency = "EMERGENCY"
)

type Assessment struct {
	RiskLevel RiskLevel `json:"riskLevel"`
	RiskScore int       `json:"riskScore"`
	Urgency   Urgency   `json:"urgency"`
	RedFlags  []string  `json:"redFlags,omitempty"`
}

type Classifier interface {
	Classify(ctx context.Context, symptoms []string) (Assessment, error)
}

type weighted struct {
	keyword string
	weight  float64
}

// first match wins, so longer phrases precede their substrings
var symptomWeights = []weighted{
	{"chest pain", 85},
	{"difficulty breathing", 80},
	{"severe headache", 75},
	{"blood in stool", 70},
	{"blood in urine", 70},
	{"high fever", 65},
	{"severe abdominal pain", 65},
	{"loss of consciousness", 95},
	{"stroke symptoms", 95},
	{"heart attack symptoms", 95},
	{"severe allergic reaction", 90},
	{"shortness of breath", 60},
	{"persistent cough", 40},
	{"nausea", 30},
	{"headache", 35},
	{"fatigue", 25},
	{"mild fever", 30},
	{"sore throat", 20},
	{"runny nose", 15},
}

const unknownSymptomWeight = 25

var emergencyKeywords = []string{
	"severe", "intense", "crushing", "sudden", "acute",
	"blood", "bleeding", "unconscious", "difficulty breathing",
	"chest pain", "heart attack", "stroke",
}

// Keyword scores symptoms against a fixed weight table.
type Keyword struct{}

func NewKeyword() Keyword { return Keyword{} }

func (Keyword) Classify(_ context.Context, symptoms []string) (Assessment, error) {
	cleaned := make([]string, 0, len(symptoms))
	for _, s := range symptoms {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return Assessment{RiskLevel: RiskLow, RiskScore: 0, Urgency: UrgencyRoutine}, nil
	}

	flags := redFlags(cleaned)
	score := symptomRisk(cleaned) + float64(len(flags)*20)
	final := int(score)
	if final > 100 {
		final = 100
	}

	return Assessment{
		RiskLevel: levelFor(final),
		RiskScore: final,
		Urgency:   urgencyFor(final, len(flags) > 0),
		RedFlags:  flags,
	}, nil
}

func symptomRisk(symptoms []string) float64 {
	var total float64
	for _, s := range symptoms {
		w := float64(unknownSymptomWeight)
		for _, sw := range symptomWeights {
			if strings.Contains(s, sw.keyword) {
				w = sw.weight
				break
			}
		}
		total += w
	}
	if len(symptoms) > 3 {
		total *= 1.2
	}
	avg := total / float64(len(symptoms))
	if avg > 100 {
		avg = 100
	}
	return avg
}

func redFlags(symptoms []string) []string {
	seen := make(map[string]struct{})
	var flags []string
	for _, s := range symptoms {
		for _, kw := range emergencyKeywords {
			if _, ok := seen[kw]; ok {
				continue
			}
			if strings.Contains(s, kw) {
				seen[kw] = struct{}{}
				flags = append(flags, kw)
			}
		}
	}
	return flags
}

func levelFor(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

func urgencyFor(score int, hasRedFlags bool) Urgency {
	switch {
	case hasRedFlags || score >= 85:
		return UrgencyEmergency
	case score >= 70:
		return UrgencyUrgent
	case score >= 50:
		return UrgencySemiUrgent
	default:
		return UrgencyRoutine
	}
}
