package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsProfanity(t *testing.T) {
	p := NewProfanity(nil)

	cases := []struct {
		text string
		want bool
	}{
		{"a perfectly fine sentence", false},
		{"what the fuck", true},
		{"What The FUCK", true},
		{"sh1t happens", true},
		{"$hit happens", true},
		{"f-u-c-k spelled out is fine", false},
		{"shitake mushrooms", false}, // substring, not a word
		{"class assignment", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.ContainsProfanity(tc.text), "text: %q", tc.text)
	}
}

func TestExtraBlocklistWords(t *testing.T) {
	p := NewProfanity([]string{"Voldemort", "  ", "taboo"})

	assert.True(t, p.ContainsProfanity("do not mention voldemort here"))
	assert.True(t, p.ContainsProfanity("that topic is TABOO"))
	assert.False(t, p.ContainsProfanity("ordinary words only"))
}

func TestFilterFuncAdapts(t *testing.T) {
	p := NewProfanity(nil)
	var f Func = p.ContainsProfanity
	assert.True(t, f("oh shit"))
	assert.False(t, f("oh no"))
}
