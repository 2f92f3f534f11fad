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

package common

import (
	"fmt"
	"time"
)

// Notification representing one published grade event
type Notification struct {
	// ID is the composite notification ID
	ID string `json:"id" validate:"required"`
	// StudentID is the target student
	StudentID string `json:"studentId" validate:"required"`
	// AssignmentID is the graded assignment
	AssignmentID string `json:"assignmentId" validate:"required"`
	// Grade is the numeric grade given
	Grade float64 `json:"grade"`
	// TeacherComment is an optional free-text comment
	TeacherComment string `json:"teacherComment,omitempty"`
	// PublishedAt is when this notification was published
	PublishedAt time.Time `json:"publishedAt"`
}

// NewNotification define a Notification for one student
//
// The ID is built from (student, assignment, publish instant), so two targets
// of one publish batch collide only if the same student is listed twice.
func NewNotification(
	studentID, assignmentID string, grade float64, teacherComment string, publishedAt time.Time,
) Notification {
	return Notification{
		ID:             fmt.Sprintf("%s:%s:%d", studentID, assignmentID, publishedAt.UnixMilli()),
		StudentID:      studentID,
		AssignmentID:   assignmentID,
		Grade:          grade,
		TeacherComment: teacherComment,
		PublishedAt:    publishedAt,
	}
}

// String toString function
func (n Notification) String() string {
	return fmt.Sprintf("notification[%s]", n.ID)
}
