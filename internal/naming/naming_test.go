package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContentID_Deterministic(t *testing.T) {
	a := NewContentID([]byte("hello world"))
	b := NewContentID([]byte("hello world"))
	assert.Equal(t, a, b, "same bytes must hash to the same cid")
	assert.True(t, strings.HasPrefix(string(a), "b3:"))
	assert.Len(t, string(a), 3+CidLen)

	c := NewContentID([]byte("hello world!"))
	assert.NotEqual(t, a, c)
}

func TestParseContentID(t *testing.T) {
	valid := string(NewContentID([]byte("x")))

	cases := []struct {
		name  string
		input string
		ok    bool
	}{
		{"valid", valid, true},
		{"empty", "", false},
		{"missing prefix", valid[3:], false},
		{"uppercase hex", "b3:" + strings.ToUpper(valid[3:]), false},
		{"short digest", "b3:" + valid[3:66], false},
		{"long digest", valid + "ab", false},
		{"non-hex", "b3:" + strings.Repeat("zz", 32), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseContentID(tc.input)
			if tc.ok {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrBadContentID)
			}
		})
	}
}

func TestContentID_ETag(t *testing.T) {
	cid := NewContentID([]byte("etag me"))
	assert.Equal(t, `"`+string(cid)+`"`, cid.ETag())
}

func TestNormalizeFQDN(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"simple", "example.com", "example.com", true},
		{"uppercase", "EXAMPLE.COM", "example.com", true},
		{"trailing dot", "example.com.", "example.com", true},
		{"double dot collapse", "foo..bar.example", "foo.bar.example", true},
		{"unicode idna", "bücher.example", "xn--bcher-kva.example", true},
		{"leading hyphen label", "-bad.example", "", false},
		{"trailing hyphen label", "bad-.example", "", false},
		{"empty", "", "", false},
		{"oversize label", strings.Repeat("a", 64) + ".example", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeFQDN(tc.input)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestNormalizeFQDN_Idempotent(t *testing.T) {
	inputs := []string{"Example.COM", "foo..bar.example.", "bücher.example", "a.b.c.d.e"}
	for _, in := range inputs {
		once, err := NormalizeFQDN(in)
		require.NoError(t, err, in)
		twice, err := NormalizeFQDN(string(once))
		require.NoError(t, err, in)
		assert.Equal(t, once, twice, "normalize must be idempotent for %q", in)
	}
}

func TestNamePrefixHelpers(t *testing.T) {
	assert.True(t, IsName("name:example.com"))
	assert.False(t, IsName("example.com"))
	assert.Equal(t, "example.com", StripNamePrefix("name:example.com"))
	assert.Equal(t, "example.com", StripNamePrefix("example.com"))
}
