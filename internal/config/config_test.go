package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseICEURLsCommaSeparated(t *testing.T) {
	urls := ParseICEURLs("stun:stun.example.org:3478, turn:turn.example.org:3478")
	assert.Equal(t, []string{"stun:stun.example.org:3478", "turn:turn.example.org:3478"}, urls)
}

func TestParseICEURLsJSONArray(t *testing.T) {
	urls := ParseICEURLs(`["stun:stun.example.org:3478","turn:turn.example.org:3478"]`)
	assert.Equal(t, []string{"stun:stun.example.org:3478", "turn:turn.example.org:3478"}, urls)
}

func TestParseICEURLsEmptyFallsBackToPublicSTUN(t *testing.T) {
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, ParseICEURLs(""))
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, ParseICEURLs("   "))
}

func TestParseICEURLsMalformedJSONFallsBack(t *testing.T) {
	// Unparseable JSON is not silently accepted; the fallback still applies
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, ParseICEURLs("[,]"))
}

func TestParseICEURLsSkipsBlankEntries(t *testing.T) {
	urls := ParseICEURLs("stun:a.example, ,turn:b.example,")
	assert.Equal(t, []string{"stun:a.example", "turn:b.example"}, urls)
}
