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

package engine

import (
	"testing"
	"time"

	"github.com/alwitt/gradestream/registry"
	"github.com/alwitt/gradestream/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func definePublishTestComponents(
	t *testing.T,
) (registry.ConnectionRegistry, storage.NotificationStore, PublicationEngine) {
	assert := assert.New(t)
	connections, err := registry.GetConnectionRegistry(3)
	assert.Nil(err)
	history, err := storage.GetNotificationStore(time.Hour * 24)
	assert.Nil(err)
	uut, err := GetPublicationEngine(connections, history)
	assert.Nil(err)
	return connections, history, uut
}

func TestPublicationValidation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, history, uut := definePublishTestComponents(t)

	student := uuid.New().String()
	grade := 85.0

	// Case 0: missing assignment ID
	_, err := uut.Publish(PublishRequest{StudentID: student, Grade: &grade})
	assert.NotNil(err)
	assert.Contains(err.Error(), "assignmentId")

	// Case 1: missing grade
	_, err = uut.Publish(PublishRequest{StudentID: student, AssignmentID: "a1"})
	assert.NotNil(err)
	assert.Contains(err.Error(), "grade")

	// Case 2: no targets at all
	_, err = uut.Publish(PublishRequest{AssignmentID: "a1", Grade: &grade})
	assert.NotNil(err)
	assert.Contains(err.Error(), "studentId")

	// Case 3: explicitly empty target list
	_, err = uut.Publish(PublishRequest{
		StudentIDs: []string{}, AssignmentID: "a1", Grade: &grade,
	})
	assert.NotNil(err)
	assert.Contains(err.Error(), "studentIds")

	// Case 4: rejected requests left no partial state behind
	assert.Empty(history.Query(student, nil))
}

func TestPublicationDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	connections, history, uut := definePublishTestComponents(t)

	grade := 85.0

	// Case 0: publish with zero open channels still stores
	offline := uuid.New().String()
	result, err := uut.Publish(PublishRequest{
		StudentID: offline, AssignmentID: "a1", Grade: &grade,
	})
	assert.Nil(err)
	assert.Equal(1, result.Stored)
	assert.Equal(0, result.Delivered)
	records := history.Query(offline, nil)
	assert.Len(records, 1)
	assert.Equal("a1", records[0].AssignmentID)
	assert.Equal(85.0, records[0].Grade)

	// Case 1: batch publish reaches every live channel
	batch := []string{uuid.New().String(), uuid.New().String(), uuid.New().String()}
	channels := []*registry.Channel{}
	for _, student := range batch {
		channel := registry.NewChannel(student, 4)
		assert.Nil(connections.Register(channel))
		channels = append(channels, channel)
	}
	result, err = uut.Publish(PublishRequest{
		StudentIDs: batch, AssignmentID: "batch-a", Grade: &grade,
	})
	assert.Nil(err)
	assert.Equal(3, result.Stored)
	assert.Equal(3, result.Delivered)
	for _, channel := range channels {
		rx := <-channel.Deliveries()
		assert.Equal("batch-a", rx.AssignmentID)
	}

	// Case 2: a student listed twice in one batch collapses to one notification
	repeat := uuid.New().String()
	result, err = uut.Publish(PublishRequest{
		StudentIDs: []string{repeat, repeat}, AssignmentID: "a2", Grade: &grade,
	})
	assert.Nil(err)
	assert.Equal(1, result.Stored)
	assert.Len(history.Query(repeat, nil), 1)

	// Case 3: the same publication repeated across requests is not deduplicated
	result, err = uut.Publish(PublishRequest{
		StudentID: offline, AssignmentID: "a1", Grade: &grade,
	})
	assert.Nil(err)
	assert.Equal(1, result.Stored)
	assert.Len(history.Query(offline, nil), 2)

	// Case 4: the whole batch shares one publish timestamp
	pair := []string{uuid.New().String(), uuid.New().String()}
	_, err = uut.Publish(PublishRequest{
		StudentIDs: pair, AssignmentID: "a3", Grade: &grade,
	})
	assert.Nil(err)
	first := history.Query(pair[0], nil)
	second := history.Query(pair[1], nil)
	assert.Len(first, 1)
	assert.Len(second, 1)
	assert.Equal(first[0].PublishedAt, second[0].PublishedAt)
}
