package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devicelink/devicelink-go/pkg/errs"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want errs.Kind
		ok   bool
	}{
		{"nil", nil, errs.Argument, false},
		{"empty", New(nil), 0, true},
		{"max length id", &Message{MessageID: strings.Repeat("a", MaxIDLength)}, 0, true},
		{"long message id", &Message{MessageID: strings.Repeat("a", MaxIDLength+1)}, errs.ArgumentOutOfRange, false},
		{"long correlation id", &Message{CorrelationID: strings.Repeat("b", 200)}, errs.ArgumentOutOfRange, false},
		{"non ascii", &Message{MessageID: "id-é"}, errs.Argument, false},
		{"empty property key", &Message{Properties: map[string]any{"": 1}}, errs.Argument, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.msg)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errs.IsKind(err, tt.want), "got %v", err)
		})
	}
}

func TestProperties(t *testing.T) {
	m := New([]byte("hi"))

	_, ok := m.Property("k")
	assert.False(t, ok)

	m.SetProperty("k", "v1")
	m.SetProperty("k", "v2")

	v, ok := m.Property("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Len(t, m.Properties, 1)
}
