// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wal

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/luxfi/ibft/record"
)

// InMemWAL is a memory-backed WriteAheadLog, used in tests and by nodes
// that deliberately opt out of crash recovery.
type InMemWAL struct {
	lock sync.Mutex
	bb   bytes.Buffer
}

func NewMemWAL() *InMemWAL {
	return &InMemWAL{}
}

func (w *InMemWAL) Append(r *record.Record) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	_, err := w.bb.Write(r.Bytes())
	return err
}

func (w *InMemWAL) ReadAll() ([]record.Record, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	r := bytes.NewBuffer(w.bb.Bytes())
	res := []record.Record{}
	for r.Len() > 0 {
		var rec record.Record
		if _, err := rec.FromBytes(r); err != nil {
			return nil, fmt.Errorf("failed reading in-memory record: %w", err)
		}
		res = append(res, rec)
	}
	return res, nil
}

func (w *InMemWAL) Truncate() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.bb.Reset()
	return nil
}
