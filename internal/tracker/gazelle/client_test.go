// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gazelle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONClientRejectsUnknownHost(t *testing.T) {
	_, err := NewJSONClient("myred", "https://not-a-known-tracker.example", "key")
	require.Error(t, err)
}

func TestNewJSONClientAcceptsKnownHost(t *testing.T) {
	c, err := NewJSONClient("myred", "https://redacted.sh", "key")
	require.NoError(t, err)
	assert.Equal(t, "myred", c.SiteID())
	assert.Equal(t, "redacted.sh", c.TrackerDomain())
	assert.Equal(t, "RED", c.SourceFlag())
}

func TestFlexIntUnmarshalsNumberOrString(t *testing.T) {
	var n flexInt
	require.NoError(t, json.Unmarshal([]byte(`42`), &n))
	assert.Equal(t, flexInt(42), n)

	var s flexInt
	require.NoError(t, json.Unmarshal([]byte(`"99"`), &s))
	assert.Equal(t, flexInt(99), s)

	var bad flexInt
	assert.Error(t, bad.UnmarshalJSON([]byte(`"not-a-number"`)))
}
