// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gazelle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFileList(t *testing.T) {
	raw := "01 Intro.flac{{{12345}}}|||02 Verse.flac{{{67890}}}"

	files := ParseFileList(raw)

	assert.Equal(t, int64(12345), files["01 Intro.flac"])
	assert.Equal(t, int64(67890), files["02 Verse.flac"])
	assert.Len(t, files, 2)
}

func TestParseFileListEmpty(t *testing.T) {
	assert.Empty(t, ParseFileList(""))
}

func TestSelectSearchFilenamesPrefersMusic(t *testing.T) {
	files := map[string]int64{
		"cover.jpg":    2000,
		"01 Track.flac": 3000000,
		"log.txt":      100,
	}

	selected := SelectSearchFilenames(files, 5)

	assert.Equal(t, "01 Track.flac", selected[0])
}

func TestSelectSearchFilenamesRespectsLimit(t *testing.T) {
	files := map[string]int64{
		"a.flac": 1, "b.flac": 2, "c.flac": 3, "d.flac": 4, "e.flac": 5, "f.flac": 6,
	}

	selected := SelectSearchFilenames(files, 5)

	assert.Len(t, selected, 5)
}

func TestMakeSearchQueryRejectsGeneric(t *testing.T) {
	assert.Empty(t, MakeSearchQuery("cover.jpg"))
	assert.Empty(t, MakeSearchQuery("folder.jpg"))
}

func TestMakeSearchQueryStripsZeroWidth(t *testing.T) {
	query := MakeSearchQuery("01 Track​ Name.flac")
	assert.Equal(t, "01 Track Name", query)
}

func TestFilesConflictDifferentCount(t *testing.T) {
	local := map[string]int64{"a.flac": 100}
	remote := map[string]int64{"a.flac": 100, "b.flac": 200}

	assert.True(t, filesConflict(local, remote))
}

func TestFilesConflictSameContentsNoConflict(t *testing.T) {
	local := map[string]int64{"Album/a.flac": 100, "Album/b.flac": 200}
	remote := map[string]int64{"Other/a.flac": 100, "Other/b.flac": 200}

	assert.False(t, filesConflict(local, remote))
}

func TestFilesConflictDifferentSizes(t *testing.T) {
	local := map[string]int64{"a.flac": 100}
	remote := map[string]int64{"a.flac": 999}

	assert.True(t, filesConflict(local, remote))
}

func TestLooksLikeTorrentPayload(t *testing.T) {
	assert.True(t, looksLikeTorrentPayload([]byte("d4:infod4:name4:teste")))
	assert.False(t, looksLikeTorrentPayload([]byte("<html>not a torrent</html>")))
	assert.False(t, looksLikeTorrentPayload(nil))
}
