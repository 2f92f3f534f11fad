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
	"testing"
	"time"

	"github.com/alwitt/gradestream/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNotificationStoreQuery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetNotificationStore(time.Hour * 24)
	assert.Nil(err)

	student := uuid.New().String()
	assignment := uuid.New().String()
	now := time.Now()

	early := common.NewNotification(student, assignment, 72, "see me", now.Add(-time.Hour))
	late := common.NewNotification(student, assignment, 85, "", now)
	uut.Append(early)
	uut.Append(late)

	// Case 0: no bound returns everything in insertion order
	records := uut.Query(student, nil)
	assert.Len(records, 2)
	assert.Equal(early.ID, records[0].ID)
	assert.Equal(late.ID, records[1].ID)

	// Case 1: a bound between the two returns only the later
	bound := now.Add(-time.Minute * 30)
	records = uut.Query(student, &bound)
	assert.Len(records, 1)
	assert.Equal(late.ID, records[0].ID)

	// Case 2: the bound is inclusive
	bound = early.PublishedAt
	records = uut.Query(student, &bound)
	assert.Len(records, 2)

	// Case 3: unknown student has no records
	assert.Empty(uut.Query(uuid.New().String(), nil))

	// Case 4: identical publications from separate requests are both retained
	uut.Append(late)
	records = uut.Query(student, nil)
	assert.Len(records, 3)
}

func TestNotificationStoreExpire(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetNotificationStore(time.Hour)
	assert.Nil(err)

	now := time.Now()
	mixed := uuid.New().String()
	allStale := uuid.New().String()
	assignment := uuid.New().String()

	uut.Append(common.NewNotification(mixed, assignment, 64, "", now.Add(-time.Hour*2)))
	uut.Append(common.NewNotification(mixed, assignment, 82, "", now))
	uut.Append(common.NewNotification(allStale, assignment, 71, "", now.Add(-time.Hour*3)))

	// Case 0: stale records are dropped, fresh ones retained
	assert.Nil(uut.Expire(now))
	records := uut.Query(mixed, nil)
	assert.Len(records, 1)
	assert.Equal(float64(82), records[0].Grade)

	// Case 1: a student left with zero records is removed entirely
	assert.Empty(uut.Query(allStale, nil))
	impl, ok := uut.(*notificationStoreImpl)
	assert.True(ok)
	shard := impl.shardOf(allStale)
	shard.lock.Lock()
	_, present := shard.records[allStale]
	shard.lock.Unlock()
	assert.False(present)

	// Case 2: a second sweep is a no-op
	assert.Nil(uut.Expire(now))
	assert.Len(uut.Query(mixed, nil), 1)
}
