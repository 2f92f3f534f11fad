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
	"fmt"
	"time"

	"github.com/alwitt/gradestream/common"
	"github.com/alwitt/gradestream/registry"
	"github.com/alwitt/gradestream/storage"
	"github.com/apex/log"
)

// PublishRequest one grade publication request from a teacher
type PublishRequest struct {
	// StudentID single target student
	StudentID string `json:"studentId,omitempty"`
	// StudentIDs batch target students, in given order
	StudentIDs []string `json:"studentIds,omitempty"`
	// AssignmentID the graded assignment
	AssignmentID string `json:"assignmentId"`
	// Grade the numeric grade. Pointer so an absent field is distinguishable
	// from a zero grade.
	Grade *float64 `json:"grade"`
	// TeacherComment optional free-text comment
	TeacherComment string `json:"teacherComment,omitempty"`
}

// PublishResult outcome of one accepted publication
type PublishResult struct {
	// Stored number of notifications appended to history
	Stored int
	// Delivered number of successful live channel writes
	Delivered int
}

// PublicationEngine validates publish requests, persists notifications, and
// performs live delivery
type PublicationEngine interface {
	// Publish process one publication request. A returned error is always a
	// request validation failure, rejected before any state changed; delivery
	// failures never surface here, they only lower the Delivered count.
	Publish(request PublishRequest) (PublishResult, error)
}

// publicationEngineImpl implements PublicationEngine
type publicationEngineImpl struct {
	common.Component
	connections registry.ConnectionRegistry
	history     storage.NotificationStore
}

// GetPublicationEngine define a new PublicationEngine
func GetPublicationEngine(
	connections registry.ConnectionRegistry, history storage.NotificationStore,
) (PublicationEngine, error) {
	logTags := log.Fields{
		"module": "engine", "component": "publication-engine",
	}
	return &publicationEngineImpl{
		Component:   common.Component{LogTags: logTags},
		connections: connections,
		history:     history,
	}, nil
}

// resolveTargets validate the request and compute the target student set
func (e *publicationEngineImpl) resolveTargets(request PublishRequest) ([]string, error) {
	if request.AssignmentID == "" {
		return nil, fmt.Errorf("assignmentId is required")
	}
	if request.Grade == nil {
		return nil, fmt.Errorf("grade is required")
	}
	if request.StudentID == "" && request.StudentIDs == nil {
		return nil, fmt.Errorf("studentId or studentIds is required")
	}
	if request.StudentID != "" {
		return []string{request.StudentID}, nil
	}
	if len(request.StudentIDs) == 0 {
		return nil, fmt.Errorf("studentIds must not be empty")
	}
	return request.StudentIDs, nil
}

// Publish process one publication request
func (e *publicationEngineImpl) Publish(request PublishRequest) (PublishResult, error) {
	targets, err := e.resolveTargets(request)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Info("Rejected publish request")
		return PublishResult{}, err
	}

	// One timestamp for the whole batch, so a student listed twice yields the
	// same composite ID and collapses to one notification.
	publishedAt := time.Now()
	seen := make(map[string]bool, len(targets))

	result := PublishResult{}
	for _, studentID := range targets {
		record := common.NewNotification(
			studentID, request.AssignmentID, *request.Grade, request.TeacherComment, publishedAt,
		)
		if seen[record.ID] {
			continue
		}
		seen[record.ID] = true
		e.history.Append(record)
		result.Stored++
		result.Delivered += e.connections.Fanout(studentID, record)
	}

	log.WithFields(e.LogTags).Debugf(
		"Published assignment %s to %d students, %d live deliveries",
		request.AssignmentID,
		result.Stored,
		result.Delivered,
	)
	return result, nil
}
