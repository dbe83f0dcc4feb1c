package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSubAddress(t *testing.T) {
	cases := []struct {
		addr  string
		agent string
		ok    bool
	}{
		{"user+alice@example.com", "alice", true},
		{"USER+alice@EXAMPLE.COM", "alice", true},
		{" user+alice@example.com ", "alice", true},
		{"user+a+b@example.com", "a+b", true},
		{"user@example.com", "", false},
		{"user+@example.com", "", false},
		{"other+alice@example.com", "", false},
		{"user+alice@other.com", "", false},
		{"garbage", "", false},
	}
	for _, tc := range cases {
		agent, ok := ParseSubAddress(tc.addr, "user", "example.com")
		assert.Equal(t, tc.ok, ok, "addr %q", tc.addr)
		assert.Equal(t, tc.agent, agent, "addr %q", tc.addr)
	}
}

func TestSplitAddress(t *testing.T) {
	local, domain, err := SplitAddress("user@example.com")
	assert.NoError(t, err)
	assert.Equal(t, "user", local)
	assert.Equal(t, "example.com", domain)

	_, _, err = SplitAddress("nodomain")
	assert.Error(t, err)
	_, _, err = SplitAddress("@example.com")
	assert.Error(t, err)
	_, _, err = SplitAddress("user@")
	assert.Error(t, err)
}

func TestCanonicalID(t *testing.T) {
	assert.Equal(t, "m1@x.com", canonicalID(" <m1@x.com> "))
	assert.Equal(t, "m1@x.com", canonicalID("m1@x.com"))
}
