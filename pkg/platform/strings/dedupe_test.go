package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty",
			input:    "",
			expected: nil,
		},
		{
			name:     "only separators and spaces",
			input:    " , ,",
			expected: []string{},
		},
		{
			name:     "single element",
			input:    "redpanda:9092",
			expected: []string{"redpanda:9092"},
		},
		{
			name:     "trims whitespace",
			input:    "  a:9092 ,b:9092  ",
			expected: []string{"a:9092", "b:9092"},
		},
		{
			name:     "removes duplicates preserving order",
			input:    "b:9092,a:9092,b:9092",
			expected: []string{"b:9092", "a:9092"},
		},
		{
			name:     "preserves case",
			input:    "Kafka:9092,kafka:9092",
			expected: []string{"Kafka:9092", "kafka:9092"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.input, ","))
		})
	}
}
