// Copyright (c) 2025-2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package clientadapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemorosa/nemorosa/internal/domain"
)

type fakeAdapter struct {
	statuses []TorrentStatus
	call     int
	statusErr error
}

func (f *fakeAdapter) ListTorrents(ctx context.Context) ([]domain.LocalTorrent, error) { return nil, nil }
func (f *fakeAdapter) GetInfo(ctx context.Context, infoHash string) (domain.LocalTorrent, error) {
	return domain.LocalTorrent{}, nil
}
func (f *fakeAdapter) AddTorrent(ctx context.Context, torrentBytes []byte, savePath, label string, paused bool) error {
	return nil
}
func (f *fakeAdapter) Recheck(ctx context.Context, infoHash string) error { return nil }
func (f *fakeAdapter) Status(ctx context.Context, infoHash string) (TorrentStatus, error) {
	if f.statusErr != nil {
		return TorrentStatus{}, f.statusErr
	}
	s := f.statuses[f.call]
	if f.call < len(f.statuses)-1 {
		f.call++
	}
	return s, nil
}

func TestNewRejectsUnsupportedClients(t *testing.T) {
	_, err := New("transmission+http://localhost:9091")
	require.ErrorIs(t, err, ErrUnsupportedClient)

	_, err = New("deluge://localhost:58846")
	require.ErrorIs(t, err, ErrUnsupportedClient)

	_, err = New("not-a-known-scheme")
	require.Error(t, err)
}

func TestWaitForRecheckReturnsOnceNotChecking(t *testing.T) {
	a := &fakeAdapter{statuses: []TorrentStatus{
		{Status: StatusChecking},
		{Status: StatusChecking},
		{Status: StatusSeeding},
	}}

	status, err := WaitForRecheck(context.Background(), a, "abc", time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSeeding, status.Status)
}

func TestWaitForRecheckTimesOut(t *testing.T) {
	a := &fakeAdapter{statuses: []TorrentStatus{{Status: StatusChecking}}}

	_, err := WaitForRecheck(context.Background(), a, "abc", 5*time.Millisecond, time.Millisecond)
	require.Error(t, err)
}

func TestWaitForRecheckPropagatesStatusError(t *testing.T) {
	sentinel := errors.New("client unreachable")
	a := &fakeAdapter{statusErr: sentinel}

	_, err := WaitForRecheck(context.Background(), a, "abc", time.Second, time.Millisecond)
	require.ErrorIs(t, err, sentinel)
}

func TestWaitForRecheckRespectsContextCancellation(t *testing.T) {
	a := &fakeAdapter{statuses: []TorrentStatus{{Status: StatusChecking}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WaitForRecheck(ctx, a, "abc", time.Second, time.Millisecond)
	require.Error(t, err)
}
