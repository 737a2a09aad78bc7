package triage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordClassify(t *testing.T) {
	cases := []struct {
		name     string
		symptoms []string
		level    RiskLevel
		urgency  Urgency
		score    int
	}{
		{name: "no symptoms", symptoms: nil, level: RiskLow, urgency: UrgencyRoutine, score: 0},
		{name: "runny nose", symptoms: []string{"Runny nose"}, level: RiskLow, urgency: UrgencyRoutine, score: 15},
		{name: "unknown symptom uses default weight", symptoms: []string{"itchy elbow"}, level: RiskLow, urgency: UrgencyRoutine, score: 25},
		{name: "persistent cough", symptoms: []string{"persistent cough"}, level: RiskMedium, urgency: UrgencyRoutine, score: 40},
		{name: "shortness of breath", symptoms: []string{"shortness of breath"}, level: RiskHigh, urgency: UrgencySemiUrgent, score: 60},
		// 85 for the symptom plus 20 for the "chest pain" red flag, clamped
		{name: "chest pain is an emergency", symptoms: []string{"chest pain"}, level: RiskCritical, urgency: UrgencyEmergency, score: 100},
	}

	c := NewKeyword()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Classify(context.Background(), tc.symptoms)
			require.NoError(t, err)
			assert.Equal(t, tc.level, got.RiskLevel)
			assert.Equal(t, tc.urgency, got.Urgency)
			assert.Equal(t, tc.score, got.RiskScore)
		})
	}
}

func TestKeywordLongerPhraseWins(t *testing.T) {
	got, err := NewKeyword().Classify(context.Background(), []string{"severe headache"})
	require.NoError(t, err)

	// 75 for "severe headache" (not 35 for "headache") plus one "severe" red flag
	assert.Equal(t, 95, got.RiskScore)
	assert.Equal(t, []string{"severe"}, got.RedFlags)
}
