// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var checkpointBucket = []byte("chains")

// AutoCheckpoint persists Gibbs chain state to a bolt database so an
// interrupted auto run can resume. Each chain writes its own key;
// bolt serializes the writers.
type AutoCheckpoint struct {
	db       *bolt.DB
	Interval time.Duration
}

// OpenAutoCheckpoint opens (or creates) the checkpoint database.
func OpenAutoCheckpoint(filename string, interval time.Duration) (*AutoCheckpoint, error) {
	db, err := bolt.Open(filename, 0666, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &AutoCheckpoint{db: db, Interval: interval}, nil
}

func (c *AutoCheckpoint) Close() error { return c.db.Close() }

func chainKey(chain int) []byte {
	return []byte(fmt.Sprintf("chain%04d", chain))
}

func (c *AutoCheckpoint) save(chain int, st *chainState) error {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(st)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put(chainKey(chain), buf.Bytes())
	})
}

// load returns the saved state for a chain, or nil if none exists.
func (c *AutoCheckpoint) load(chain int) (*chainState, error) {
	var st *chainState
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(checkpointBucket).Get(chainKey(chain))
		if v == nil {
			return nil
		}
		st = &chainState{}
		return gob.NewDecoder(bytes.NewReader(v)).Decode(st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
