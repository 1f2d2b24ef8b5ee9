//go:build unit

package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeIface interface{ Method() }

type fakeImpl struct{}

func (*fakeImpl) Method() {}

func TestInterface(t *testing.T) {
	t.Parallel()

	var typedNilPtr *fakeImpl

	var typedNilIface fakeIface = typedNilPtr

	var nilMap map[string]int

	var nilSlice []int

	var nilChan chan int

	var nilFunc func()

	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{name: "untyped nil", value: nil, want: true},
		{name: "typed nil pointer", value: typedNilPtr, want: true},
		{name: "typed nil in interface", value: typedNilIface, want: true},
		{name: "nil map", value: nilMap, want: true},
		{name: "nil slice", value: nilSlice, want: true},
		{name: "nil chan", value: nilChan, want: true},
		{name: "nil func", value: nilFunc, want: true},
		{name: "non-nil pointer", value: &fakeImpl{}, want: false},
		{name: "non-nil map", value: map[string]int{}, want: false},
		{name: "string", value: "relay", want: false},
		{name: "int", value: 0, want: false},
		{name: "struct value", value: fakeImpl{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, Interface(tt.value))
		})
	}
}
