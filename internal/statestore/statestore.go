// SPDX-License-Identifier: GPL-3.0-or-later

// Package statestore implements the migration pipeline's durable
// coordination layer over a single embedded go.etcd.io/bbolt database
// file, per the compatibility carve-out in spec.md §9: one ACID-backed
// file standing in for the dozens of loose per-record files plus lock
// files the original shell implementation used.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/rgrist/m365mover/internal/domain"
	"github.com/rgrist/m365mover/internal/logging"
)

var (
	bucketCounters       = []byte("counters")
	bucketFolderCounters = []byte("folder_counters")
	bucketMessageCache   = []byte("message_cache")
	bucketDownloadedIDs  = []byte("downloaded_ids")
	bucketJobs           = []byte("jobs")
	bucketProcessed      = []byte("processed")
	bucketProcessing     = []byte("processing")
	bucketLocks          = []byte("locks")
)

var _ domain.StateStore = (*Store)(nil)

// Store is the bbolt-backed implementation of domain.StateStore.
type Store struct {
	db *bbolt.DB
	l  *logrus.Logger

	pollInterval   time.Duration
	defaultTimeout time.Duration
}

// NewStore opens (creating if absent) the state database at path and
// ensures every bucket this package uses exists.
func NewStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open state store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{
			bucketCounters, bucketFolderCounters, bucketMessageCache, bucketDownloadedIDs,
			bucketJobs, bucketProcessed, bucketProcessing, bucketLocks,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize state store buckets: %w", err)
	}

	l := logging.Logger(logging.State)
	l.WithField("path", path).Info("State store opened")

	return &Store{
		db:             db,
		l:              l,
		pollInterval:   100 * time.Millisecond,
		defaultTimeout: 5 * time.Second,
	}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("could not close state store: %w", err)
	}
	s.l.Info("State store closed")
	return nil
}

// Reset removes all counters, caches, jobs, markers, and locks. Idempotent.
// The driver is responsible for ensuring no stage is active when this is
// called, per spec.md §4.1.
func (s *Store) Reset() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{
			bucketCounters, bucketFolderCounters, bucketMessageCache, bucketDownloadedIDs,
			bucketJobs, bucketProcessed, bucketProcessing, bucketLocks,
		} {
			if err := tx.DeleteBucket(b); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not reset state store: %w", err)
	}
	s.l.Warn("State store reset")
	return nil
}

// IncrementCounter atomically adds delta to the named global counter and
// returns the new value.
func (s *Store) IncrementCounter(name string, delta int64) (int64, error) {
	var newValue int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		cur := readInt64(b, []byte(name))
		newValue = cur + delta
		return b.Put([]byte(name), []byte(strconv.FormatInt(newValue, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("could not increment counter %s: %w", name, err)
	}
	return newValue, nil
}

func (s *Store) ReadCounter(name string) (int64, error) {
	var v int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		v = readInt64(tx.Bucket(bucketCounters), []byte(name))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("could not read counter %s: %w", name, err)
	}
	return v, nil
}

func readInt64(b *bbolt.Bucket, key []byte) int64 {
	raw := b.Get(key)
	if raw == nil {
		return 0
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// IncrementFolderCounter atomically adds delta to one field (count, size,
// skipped, or failed) of the named folder's counters.
func (s *Store) IncrementFolderCounter(folder, name string, delta int64) (int64, error) {
	var newValue int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFolderCounters)
		counters := decodeFolderCounters(b.Get([]byte(folder)))

		field, err := fieldPtr(&counters, name)
		if err != nil {
			return err
		}
		*field += delta
		newValue = *field

		encoded, err := json.Marshal(counters)
		if err != nil {
			return fmt.Errorf("could not encode folder counters: %w", err)
		}
		return b.Put([]byte(folder), encoded)
	})
	if err != nil {
		return 0, fmt.Errorf("could not increment folder counter %s/%s: %w", folder, name, err)
	}
	return newValue, nil
}

func (s *Store) ReadFolderCounters(folder string) (domain.FolderCounters, error) {
	var counters domain.FolderCounters
	err := s.db.View(func(tx *bbolt.Tx) error {
		counters = decodeFolderCounters(tx.Bucket(bucketFolderCounters).Get([]byte(folder)))
		return nil
	})
	if err != nil {
		return domain.FolderCounters{}, fmt.Errorf("could not read folder counters for %s: %w", folder, err)
	}
	return counters, nil
}

func decodeFolderCounters(raw []byte) domain.FolderCounters {
	var c domain.FolderCounters
	if raw == nil {
		return c
	}
	_ = json.Unmarshal(raw, &c)
	return c
}

func fieldPtr(c *domain.FolderCounters, name string) (*int64, error) {
	switch name {
	case "count":
		return &c.Count, nil
	case "size":
		return &c.Size, nil
	case "skipped":
		return &c.Skipped, nil
	case "failed":
		return &c.Failed, nil
	default:
		return nil, fmt.Errorf("unknown folder counter field %q", name)
	}
}

// messageCacheBucket returns (creating if needed) the nested bucket that
// shards message-state records by folder, mirroring the directory-per-
// folder shard spec.md §4.1 describes.
func messageCacheBucket(tx *bbolt.Tx, folder string, create bool) (*bbolt.Bucket, error) {
	top := tx.Bucket(bucketMessageCache)
	if create {
		return top.CreateBucketIfNotExists([]byte(folder))
	}
	return top.Bucket([]byte(folder)), nil
}

type messageStateRecord struct {
	Value     domain.MessageStateValue `json:"value"`
	Timestamp time.Time                `json:"timestamp"`
}

// PutMessageState writes the message's state; readers never take a lock,
// per spec.md §4.1 — a stale read here is acceptable because the
// server-side search is the second line of defense against duplicates.
func (s *Store) PutMessageState(folder, key string, value domain.MessageStateValue) error {
	record := messageStateRecord{Value: value, Timestamp: time.Now()}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not encode message state: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := messageCacheBucket(tx, folder, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), encoded)
	})
	if err != nil {
		return fmt.Errorf("could not put message state for %s/%s: %w", folder, key, err)
	}
	return nil
}

func (s *Store) GetMessageState(folder, key string) (domain.MessageStateValue, error) {
	var value domain.MessageStateValue = domain.StateUnknown
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := messageCacheBucket(tx, folder, false)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var record messageStateRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("could not decode message state: %w", err)
		}
		value = record.Value
		return nil
	})
	if err != nil {
		return domain.StateUnknown, fmt.Errorf("could not get message state for %s/%s: %w", folder, key, err)
	}
	return value, nil
}

// downloadedIDsBucket returns (creating if needed) the nested bucket that
// shards the Graph-id-to-identity-key mapping by folder, the same sharding
// shape messageCacheBucket uses.
func downloadedIDsBucket(tx *bbolt.Tx, folder string, create bool) (*bbolt.Bucket, error) {
	top := tx.Bucket(bucketDownloadedIDs)
	if create {
		return top.CreateBucketIfNotExists([]byte(folder))
	}
	return top.Bucket([]byte(folder)), nil
}

// PutDownloadedMessageID records which identity key a Graph message id
// resolved to, so a later --resume run can tell whether a message already
// downloaded by this run's opaque server id has a file on disk without
// downloading it again to find out.
func (s *Store) PutDownloadedMessageID(folder, serverID, identityKey string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := downloadedIDsBucket(tx, folder, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(serverID), []byte(identityKey))
	})
	if err != nil {
		return fmt.Errorf("could not record downloaded id %s/%s: %w", folder, serverID, err)
	}
	return nil
}

// GetDownloadedMessageID looks up the identity key a Graph message id
// previously resolved to, if any.
func (s *Store) GetDownloadedMessageID(folder, serverID string) (string, bool, error) {
	var key string
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := downloadedIDsBucket(tx, folder, false)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(serverID))
		if raw == nil {
			return nil
		}
		key = string(raw)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("could not get downloaded id %s/%s: %w", folder, serverID, err)
	}
	return key, found, nil
}

type jobStatusRecord struct {
	Phase     domain.JobPhase `json:"phase"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Store) MarkJobStatus(jobID string, phase domain.JobPhase, message string) error {
	record := jobStatusRecord{Phase: phase, Message: message, Timestamp: time.Now()}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not encode job status: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(jobID), encoded)
	})
	if err != nil {
		return fmt.Errorf("could not mark job status for %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) ReadJobStatus(jobID string) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketJobs).Get([]byte(jobID))
		if raw == nil {
			return nil
		}
		var record jobStatusRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("could not decode job status: %w", err)
		}
		status = domain.JobStatus{Phase: record.Phase, Message: record.Message, Timestamp: record.Timestamp}
		return nil
	})
	if err != nil {
		return domain.JobStatus{}, fmt.Errorf("could not read job status for %s: %w", jobID, err)
	}
	return status, nil
}

func (s *Store) MarkFolderProcessed(path string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProcessed).Put([]byte(path), []byte(time.Now().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return fmt.Errorf("could not mark folder processed %s: %w", path, err)
	}
	return nil
}

func (s *Store) IsFolderProcessed(path string) (bool, error) {
	var processed bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		processed = tx.Bucket(bucketProcessed).Get([]byte(path)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("could not check folder processed %s: %w", path, err)
	}
	return processed, nil
}

func (s *Store) StartFolderProcessing(path string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProcessing).Put([]byte(path), []byte(time.Now().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return fmt.Errorf("could not start folder processing %s: %w", path, err)
	}
	return nil
}

func (s *Store) CompleteFolderProcessing(path string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketProcessing).Delete([]byte(path)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not complete folder processing %s: %w", path, err)
	}
	return s.MarkFolderProcessed(path)
}

func (s *Store) IsFolderBeingProcessed(path string) (bool, error) {
	var processing bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		processing = tx.Bucket(bucketProcessing).Get([]byte(path)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("could not check folder processing %s: %w", path, err)
	}
	return processing, nil
}

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}()
