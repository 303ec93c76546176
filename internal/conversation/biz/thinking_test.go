package biz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripThinking(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no tag", in: "plain answer", want: "plain answer"},
		{name: "leading region", in: "<thinking>plan</thinking>Answer", want: "Answer"},
		{name: "middle region", in: "A <thinking>x</thinking>B", want: "A B"},
		{name: "unterminated", in: "Answer so far <thinking>still thinki", want: "Answer so far "},
		{name: "only one region stripped", in: "<thinking>a</thinking>mid<thinking>b</thinking>", want: "mid<thinking>b</thinking>"},
		{name: "lone closing tag", in: "x</thinking>y", want: "x</thinking>y"},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripThinking(tt.in))
		})
	}
}
