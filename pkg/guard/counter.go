package guard

import (
	"strings"
	"unicode/utf8"
)

// Counter estimates how many tokens a provider's tokenizer produces for text.
type Counter interface {
	Count(text string) int
}

// CharCounter estimates one token per CharsPerToken runes.
type CharCounter struct {
	CharsPerToken int
}

// Count implements Counter.
func (c CharCounter) Count(text string) int {
	per := c.CharsPerToken
	if per <= 0 {
		per = 4
	}
	n := utf8.RuneCountInString(text)
	return (n + per - 1) / per
}

// WordCounter estimates four tokens per three words.
type WordCounter struct{}

// Count implements Counter.
func (WordCounter) Count(text string) int {
	n := len(strings.Fields(text))
	return (n*4 + 2) / 3
}

// CounterByName returns the built-in counter for a config name.
func CounterByName(name string) Counter {
	switch name {
	case "words":
		return WordCounter{}
	default:
		return CharCounter{CharsPerToken: 4}
	}
}
