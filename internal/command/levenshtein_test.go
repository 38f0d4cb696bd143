package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"press_key", "press_key", 0},
		{"press_kee", "press_key", 1},
		{"pres_key", "press_key", 1},
		{"back", "bcak", 2},
		{"", "abc", 3},
		{"abc", "", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestSuggestPrefersSameCategory(t *testing.T) {
	specs := WebSet().Specs
	got := suggest("check_element_exists", specs, "verification_web")
	assert.Equal(t, "waitForElementToAppear", got)
}
