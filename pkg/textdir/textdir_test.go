package textdir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRTL(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"hello שלום", true},
		{"مرحبا", true},
		{"ﻣﺮﺣﺒﺎ", true}, // presentation forms
		{"hello world", false},
		{"", false},
		{"日本語 and émoji 🙂", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsRTL(tc.in), "IsRTL(%q)", tc.in)
	}
}
