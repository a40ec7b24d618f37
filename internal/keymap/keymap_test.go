package keymap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateKnownChars(t *testing.T) {
	assert.Equal(t, "shift-a", Translate("A"))
	assert.Equal(t, "shift-0x02", Translate("!"))
	assert.Equal(t, "ret", Translate("\n"))
	assert.Equal(t, "spc", Translate(" "))
}

func TestTranslatePassesThroughUnknownChars(t *testing.T) {
	assert.Equal(t, "a", Translate("a"))
	assert.Equal(t, "1", Translate("1"))
}

func TestSendCharsSequence(t *testing.T) {
	chars := []string{"A", "!", "\n"}
	var tokens []string
	for _, c := range chars {
		tokens = append(tokens, Translate(c))
	}
	assert.Equal(t, []string{"shift-a", "shift-0x02", "ret"}, tokens)
}
