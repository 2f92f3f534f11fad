// Copyright 2022 The gradestream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/alwitt/gradestream/common"
	"github.com/apex/log"
)

// NotificationStore in-process history of published notifications, bounded by
// a rolling retention window per notification
type NotificationStore interface {
	// Append record a notification under its student. Insertion ordered, no
	// dedup against earlier entries.
	Append(record common.Notification)
	// Query fetch retained records for the student. A nil bound returns all;
	// otherwise records published at or after the bound.
	Query(studentID string, since *time.Time) []common.Notification
	// Expire drop records outside the retention window relative to now, and
	// any student entries left empty
	Expire(now time.Time) error
}

const historyShardCount = 32

type historyShard struct {
	lock    sync.Mutex
	records map[string][]common.Notification
}

// notificationStoreImpl implements NotificationStore
type notificationStoreImpl struct {
	common.Component
	retention time.Duration
	shards    []*historyShard
}

// GetNotificationStore define a new NotificationStore
func GetNotificationStore(retention time.Duration) (NotificationStore, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention window %s is not usable", retention)
	}
	logTags := log.Fields{
		"module": "storage", "component": "notification-store",
	}
	shards := make([]*historyShard, historyShardCount)
	for i := range shards {
		shards[i] = &historyShard{records: make(map[string][]common.Notification)}
	}
	return &notificationStoreImpl{
		Component: common.Component{LogTags: logTags},
		retention: retention,
		shards:    shards,
	}, nil
}

func (s *notificationStoreImpl) shardOf(studentID string) *historyShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(studentID))
	return s.shards[hasher.Sum32()%historyShardCount]
}

// Append record a notification under its student
func (s *notificationStoreImpl) Append(record common.Notification) {
	shard := s.shardOf(record.StudentID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	shard.records[record.StudentID] = append(shard.records[record.StudentID], record)
	log.WithFields(s.LogTags).Debugf("Recorded %s", record.String())
}

// Query fetch retained records for the student
func (s *notificationStoreImpl) Query(studentID string, since *time.Time) []common.Notification {
	shard := s.shardOf(studentID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	stored := shard.records[studentID]
	results := make([]common.Notification, 0, len(stored))
	for _, record := range stored {
		if since != nil && record.PublishedAt.Before(*since) {
			continue
		}
		results = append(results, record)
	}
	return results
}

// Expire drop records outside the retention window relative to now
func (s *notificationStoreImpl) Expire(now time.Time) error {
	dropped := 0
	for _, shard := range s.shards {
		shard.lock.Lock()
		for studentID, stored := range shard.records {
			retained := stored[:0]
			for _, record := range stored {
				if now.Sub(record.PublishedAt) > s.retention {
					dropped++
					continue
				}
				retained = append(retained, record)
			}
			if len(retained) == 0 {
				delete(shard.records, studentID)
				continue
			}
			shard.records[studentID] = retained
		}
		shard.lock.Unlock()
	}
	if dropped > 0 {
		log.WithFields(s.LogTags).Infof("Expired %d notifications", dropped)
	}
	return nil
}
