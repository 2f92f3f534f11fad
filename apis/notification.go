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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/gradestream/common"
	"github.com/alwitt/gradestream/engine"
	"github.com/alwitt/gradestream/registry"
	"github.com/alwitt/gradestream/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestNotificationHandler REST handler for grade notification delivery
type APIRestNotificationHandler struct {
	goutils.RestAPIHandler
	publisher         engine.PublicationEngine
	connections       registry.ConnectionRegistry
	history           storage.NotificationStore
	validate          *validator.Validate
	baseContext       context.Context
	keepAliveInterval time.Duration
	channelBufferLen  int
	maxPerStudent     int
}

// GetAPIRestNotificationHandler define APIRestNotificationHandler
func GetAPIRestNotificationHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	ntfConfig common.NotificationConfig,
	publisher engine.PublicationEngine,
	connections registry.ConnectionRegistry,
	history storage.NotificationStore,
) (APIRestNotificationHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "notification",
	}
	return APIRestNotificationHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		publisher:         publisher,
		connections:       connections,
		history:           history,
		validate:          validator.New(),
		baseContext:       baseContext,
		keepAliveInterval: time.Second * time.Duration(ntfConfig.KeepAliveInterval),
		channelBufferLen:  ntfConfig.ChannelBufferLen,
		maxPerStudent:     ntfConfig.MaxConnectionsPerStudent,
	}, nil
}

// =======================================================================
// Grade publish

// -----------------------------------------------------------------------

// APIRestRespPublishResult response of a successful grade publish
type APIRestRespPublishResult struct {
	// OK whether the request was accepted
	OK bool `json:"ok"`
	// Sent number of live stream deliveries
	Sent int `json:"sent"`
	// Stored number of notifications recorded for later retrieval
	Stored int `json:"stored"`
}

// PublishGrade godoc
// @Summary Publish a grade
// @Description Publish a grade notification to one or more students. The
// notification is recorded for missed-notification retrieval, and fanned out
// to every live notification stream of each target student.
// @tags Notification
// @Accept json
// @Produce json
// @Param Gradestream-Request-ID header string false "User provided request ID to match against logs"
// @Param grade body engine.PublishRequest true "Grade publication request"
// @Success 200 {object} APIRestRespPublishResult "success"
// @Failure 400 {object} APIRestRespError "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Gradestream-Request-ID "Request ID to match against logs"
// @Router /grades/publish [post]
func (h APIRestNotificationHandler) PublishGrade(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request engine.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = APIRestRespError{Error: msg}
		return
	}

	result, err := h.publisher.Publish(request)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Publish request rejected")
		respCode = http.StatusBadRequest
		respBody = APIRestRespError{Error: err.Error()}
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPublishResult{OK: true, Sent: result.Delivered, Stored: result.Stored}
}

// PublishGradeHandler Wrapper around PublishGrade
func (h APIRestNotificationHandler) PublishGradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishGrade(w, r)
	}
}

// =======================================================================
// Notification stream

// -----------------------------------------------------------------------

// APIRestRespStreamConnected first frame sent on an accepted notification stream
type APIRestRespStreamConnected struct {
	// Type frame type marker
	Type string `json:"type"`
	// StudentID the student this stream serves
	StudentID string `json:"studentId"`
}

// StreamNotifications godoc
// @Summary Establish a notification stream
// @Description Establish a server-sent-event notification stream for a
// student. This is a long lived stream; it closes on client disconnect, on
// server shutdown, or when the server evicts the connection after a failed
// delivery. At most a configured number of concurrent streams are admitted
// per student.
// @tags Notification
// @Produce text/event-stream
// @Param Gradestream-Request-ID header string false "User provided request ID to match against logs"
// @Param studentId path string true "Student to stream notifications for"
// @Success 200 {object} common.Notification "stream of notification frames"
// @Failure 400 {object} APIRestRespError "error"
// @Failure 404 {string} string "error"
// @Failure 429 {object} APIRestRespError "connection limit reached"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /notifications/stream/{studentId} [get]
func (h APIRestNotificationHandler) StreamNotifications(w http.ResponseWriter, r *http.Request) {
	localLogTagsInitial := h.GetLogTagsForContext(r.Context())

	// --------------------------------------------------------------------------
	// Read operation parameters
	vars := mux.Vars(r)
	studentID, ok := vars["studentId"]
	if !ok || h.validate.Var(studentID, "required") != nil {
		msg := "No student ID provided"
		log.WithFields(localLogTagsInitial).Errorf(msg)
		if err := h.WriteRESTResponse(
			w, http.StatusBadRequest, APIRestRespError{Error: msg}, nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTagsInitial).Error("Failed to form response")
		}
		return
	}

	// Define custom log tags for this instance
	logTags := localLogTagsInitial
	logTags["student"] = studentID

	// Create stream flusher
	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}

	// --------------------------------------------------------------------------
	// Admission control. Check-and-register is one atomic step within the
	// registry, so concurrent subscribe bursts can not exceed the limit.
	channel := registry.NewChannel(studentID, h.channelBufferLen)
	if err := h.connections.Register(channel); err != nil {
		log.WithError(err).WithFields(logTags).Info("Rejecting notification stream")
		respBody := APIRestRespError{
			Error:   "Too many connections",
			Message: fmt.Sprintf("Max %d connections per student", h.maxPerStudent),
		}
		if err := h.WriteRESTResponse(w, http.StatusTooManyRequests, respBody, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}
	// Covers every exit path. Also safe against the registry evicting the
	// channel first on a failed fanout write, since Deregister is idempotent.
	defer h.connections.Deregister(channel)

	// --------------------------------------------------------------------------
	// Start streaming

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	// First frame confirms the connection
	if err := h.writeFrame(
		w, APIRestRespStreamConnected{Type: "connected", StudentID: studentID},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to transmit connected frame")
		return
	}
	writeFlusher.Flush()

	keepAlive := time.NewTicker(h.keepAliveInterval)
	defer keepAlive.Stop()

	log.WithFields(logTags).Info("Started notification stream")
	for {
		select {
		case <-h.baseContext.Done():
			// Server stopping
			log.WithFields(logTags).Info("Terminating notification stream on server stop")
			return
		case <-r.Context().Done():
			// Request closed
			log.WithFields(logTags).Info("Terminating notification stream on request end")
			return
		case <-channel.Closed():
			// Evicted by the registry
			log.WithFields(logTags).Info("Terminating notification stream on eviction")
			return
		case <-keepAlive.C:
			// Comment frame. A failed write here is the only signal for a
			// silently dead client.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				log.WithError(err).WithFields(logTags).Info(
					"Terminating notification stream on failed keep-alive",
				)
				return
			}
			writeFlusher.Flush()
		case message, ok := <-channel.Deliveries():
			if !ok {
				log.WithFields(logTags).Error("Delivery queue read fail")
				return
			}
			if err := h.writeFrame(w, &message); err != nil {
				log.WithError(err).WithFields(logTags).Info(
					"Terminating notification stream on failed delivery",
				)
				return
			}
			writeFlusher.Flush()
			log.WithFields(logTags).Debugf("Transmitted %s", message.String())
		}
	}
}

// writeFrame transmit one payload as a server-sent-event data frame
func (h APIRestNotificationHandler) writeFrame(w http.ResponseWriter, payload interface{}) error {
	serialize, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", serialize)
	return err
}

// StreamNotificationsHandler Wrapper around StreamNotifications
func (h APIRestNotificationHandler) StreamNotificationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamNotifications(w, r)
	}
}

// =======================================================================
// Missed notification query

// -----------------------------------------------------------------------

// APIRestRespMissedNotifications response of a missed-notification query
type APIRestRespMissedNotifications struct {
	// Notifications retained records in insertion order
	Notifications []common.Notification `json:"notifications"`
}

// MissedNotifications godoc
// @Summary Fetch missed notifications
// @Description Fetch the retained notifications for a student, optionally
// bounded below by the since query parameter, given as epoch milliseconds or
// an RFC 3339 timestamp. An unparsable bound is ignored.
// @tags Notification
// @Produce json
// @Param Gradestream-Request-ID header string false "User provided request ID to match against logs"
// @Param studentId path string true "Student to fetch notifications for"
// @Param since query string false "Lower bound on publish time"
// @Success 200 {object} APIRestRespMissedNotifications "success"
// @Failure 400 {object} APIRestRespError "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Gradestream-Request-ID "Request ID to match against logs"
// @Router /notifications/missed/{studentId} [get]
func (h APIRestNotificationHandler) MissedNotifications(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	studentID, ok := vars["studentId"]
	if !ok || h.validate.Var(studentID, "required") != nil {
		msg := "No student ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = APIRestRespError{Error: msg}
		return
	}

	var since *time.Time
	if param := r.URL.Query().Get("since"); param != "" {
		since = parseSinceBound(param)
		if since == nil {
			log.WithFields(localLogTags).Debugf("Ignoring unparsable since bound '%s'", param)
		}
	}

	respCode = http.StatusOK
	respBody = APIRestRespMissedNotifications{
		Notifications: h.history.Query(studentID, since),
	}
}

// parseSinceBound read a lower time bound given as epoch milliseconds or an
// RFC 3339 timestamp. Returns nil if neither form parses.
func parseSinceBound(param string) *time.Time {
	if epochMs, err := strconv.ParseInt(param, 10, 64); err == nil {
		t := time.UnixMilli(epochMs)
		return &t
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return &t
	}
	return nil
}

// MissedNotificationsHandler Wrapper around MissedNotifications
func (h APIRestNotificationHandler) MissedNotificationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.MissedNotifications(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the REST API module is live
// @tags Notification
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestNotificationHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestNotificationHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For readiness check
// @Description Will return success if the REST API module is ready for use
// @tags Notification
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestNotificationHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestNotificationHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
