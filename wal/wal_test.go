// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/luxfi/ibft/record"

	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T) *WriteAheadLog {
	fileName := filepath.Join(t.TempDir(), "consensus.wal")
	wal, err := New(fileName)
	require.NoError(t, err)
	return wal
}

func TestWalSingleRw(t *testing.T) {
	require := require.New(t)

	r := record.Record{
		Version: 1,
		Type:    record.ProposalRecordType,
		Payload: []byte{3, 4, 5},
	}

	wal := newTestWAL(t)
	defer func() {
		require.NoError(wal.Close())
	}()

	require.NoError(wal.Append(&r))

	readRecords, err := wal.ReadAll()
	require.NoError(err)
	require.Equal([]record.Record{r}, readRecords)
}

func TestWalMultipleRw(t *testing.T) {
	require := require.New(t)

	wal := newTestWAL(t)
	defer func() {
		require.NoError(wal.Close())
	}()

	records := []record.Record{
		{Version: 1, Type: record.ProposalRecordType, Payload: []byte{1}},
		{Version: 1, Type: record.PreparedCertificateRecordType, Payload: []byte{2, 3}},
		{Version: 1, Type: record.CommitCertificateRecordType, Payload: []byte{4, 5, 6}},
	}

	for i := range records {
		require.NoError(wal.Append(&records[i]))
	}

	readRecords, err := wal.ReadAll()
	require.NoError(err)
	require.Equal(records, readRecords)
}

func TestWalTruncate(t *testing.T) {
	require := require.New(t)

	wal := newTestWAL(t)
	defer func() {
		require.NoError(wal.Close())
	}()

	r := record.Record{Version: 1, Type: record.RoundChangeRecordType, Payload: []byte{9}}
	require.NoError(wal.Append(&r))
	require.NoError(wal.Truncate())

	readRecords, err := wal.ReadAll()
	require.NoError(err)
	require.Empty(readRecords)
}

func TestWalTruncatesCorruptTail(t *testing.T) {
	require := require.New(t)

	fileName := filepath.Join(t.TempDir(), "consensus.wal")
	wal, err := New(fileName)
	require.NoError(err)

	r := record.Record{Version: 1, Type: record.ProposalRecordType, Payload: []byte{1, 2, 3}}
	require.NoError(wal.Append(&r))

	// Simulate a crash half way through appending the next record.
	half := (&record.Record{Version: 1, Type: record.RoundChangeRecordType, Payload: []byte{4, 5, 6}}).Bytes()
	f, err := os.OpenFile(fileName, os.O_APPEND|os.O_RDWR, WalPermissions)
	require.NoError(err)
	_, err = f.Write(half[:len(half)/2])
	require.NoError(err)
	require.NoError(f.Close())

	readRecords, err := wal.ReadAll()
	require.NoError(err)
	require.Equal([]record.Record{r}, readRecords)

	// The corrupt suffix is gone for good.
	readRecords, err = wal.ReadAll()
	require.NoError(err)
	require.Equal([]record.Record{r}, readRecords)
	require.NoError(wal.Close())
}
