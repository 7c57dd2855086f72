package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfostringLookup(t *testing.T) {
	cases := []struct {
		name       string
		infostring string
		key        string
		wantValue  string
		wantOK     bool
	}{
		{"simple hit", `\protocol\3\gamename\DarkPlaces-Quake`, "gamename", "DarkPlaces-Quake", true},
		{"first key", `\protocol\3\gamename\DarkPlaces-Quake`, "protocol", "3", true},
		{"empty value", `\k\\`, "k", "", true},
		{"duplicate key returns first", `\k\1\k\2`, "k", "1", true},
		{"unknown key", `\k\1`, "missing", "", false},
		{"missing leading backslash", `k\1`, "k", "", false},
		{"empty string", ``, "k", "", false},
		{"truncated mid key", `\k`, "k", "", false},
		{"last value with no trailing backslash", `\k\v`, "k", "v", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			value, ok := infostringLookup(tc.infostring, tc.key)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantValue, value)
			}
		})
	}
}

func TestInfostringLookupNeverMutatesInput(t *testing.T) {
	in := `\a\1\b\2\c\3`
	cp := strings.Clone(in)
	_, _ = infostringLookup(in, "b")
	assert.Equal(t, cp, in)
}

func TestInfostringLookupTruncatesLongTokens(t *testing.T) {
	longKey := strings.Repeat("k", 300)
	infostring := `\` + longKey + `\value`
	_, ok := infostringLookup(infostring, longKey[:maxInfostringTokenLen])
	assert.True(t, ok)
}
