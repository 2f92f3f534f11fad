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

package registry

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/alwitt/gradestream/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrTooManyConnections returned by Register when a student is already at the
// concurrent connection limit
var ErrTooManyConnections = fmt.Errorf("too many connections")

// ========================================================================================
// Channel

// Channel one open server-to-client notification stream instance.
//
// The serving request goroutine drains Deliveries; the registry is the only
// writer once the channel is registered. Close is safe to call repeatedly and
// concurrently with an in-flight Write.
type Channel struct {
	name      string
	studentID string
	deliver   chan common.Notification
	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannel define a new Channel for one student stream session
func NewChannel(studentID string, bufferLen int) *Channel {
	return &Channel{
		name:      uuid.New().String(),
		studentID: studentID,
		deliver:   make(chan common.Notification, bufferLen),
		closed:    make(chan struct{}),
	}
}

// StudentID the owning student of this channel
func (c *Channel) StudentID() string {
	return c.studentID
}

// Write queue a notification for transmission on this channel.
//
// Never blocks. A closed channel or a full delivery queue is a write failure,
// which callers treat as a dead client.
func (c *Channel) Write(message common.Notification) error {
	select {
	case <-c.closed:
		return fmt.Errorf("channel %s already closed", c.name)
	default:
	}
	select {
	case c.deliver <- message:
		return nil
	case <-c.closed:
		return fmt.Errorf("channel %s already closed", c.name)
	default:
		return fmt.Errorf("channel %s delivery queue full", c.name)
	}
}

// Deliveries read side of the channel's delivery queue
func (c *Channel) Deliveries() <-chan common.Notification {
	return c.deliver
}

// Closed closes when the channel transitions to closed
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Close mark the channel closed. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// String toString function
func (c *Channel) String() string {
	return fmt.Sprintf("channel[%s@%s]", c.studentID, c.name)
}

// ========================================================================================
// Connection Registry

// ConnectionRegistry admission control and bookkeeping for live channels
type ConnectionRegistry interface {
	// Register admit a new channel for its student. Atomic check-and-register:
	// returns ErrTooManyConnections when the student is at the limit.
	Register(channel *Channel) error
	// Deregister remove a channel if present, and close it. Idempotent, so the
	// disconnect path and the write-failure path may both call it.
	Deregister(channel *Channel)
	// Fanout write a notification to every open channel of the student,
	// returning the successful write count. A failed write evicts that channel
	// and delivery continues with the remaining ones.
	Fanout(studentID string, message common.Notification) int
	// ActiveCount current open channel count for the student
	ActiveCount(studentID string) int
}

// Identities hash onto a fixed set of shards so unrelated students never
// contend on one lock.
const connectionShardCount = 32

type connectionShard struct {
	lock     sync.Mutex
	channels map[string]map[*Channel]bool
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	maxPerStudent int
	shards        []*connectionShard
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(maxPerStudent int) (ConnectionRegistry, error) {
	if maxPerStudent < 1 {
		return nil, fmt.Errorf("connection limit %d is not usable", maxPerStudent)
	}
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry",
	}
	shards := make([]*connectionShard, connectionShardCount)
	for i := range shards {
		shards[i] = &connectionShard{channels: make(map[string]map[*Channel]bool)}
	}
	return &connectionRegistryImpl{
		Component:     common.Component{LogTags: logTags},
		maxPerStudent: maxPerStudent,
		shards:        shards,
	}, nil
}

func (r *connectionRegistryImpl) shardOf(studentID string) *connectionShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(studentID))
	return r.shards[hasher.Sum32()%connectionShardCount]
}

// Register admit a new channel for its student
func (r *connectionRegistryImpl) Register(channel *Channel) error {
	studentID := channel.StudentID()
	shard := r.shardOf(studentID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	existing := shard.channels[studentID]
	if len(existing) >= r.maxPerStudent {
		log.WithFields(r.LogTags).Infof(
			"Rejecting %s. Student %s already has %d connections",
			channel.String(),
			studentID,
			len(existing),
		)
		return ErrTooManyConnections
	}
	if existing == nil {
		existing = make(map[*Channel]bool)
		shard.channels[studentID] = existing
	}
	existing[channel] = true
	log.WithFields(r.LogTags).Debugf("Registered %s", channel.String())
	return nil
}

// Deregister remove a channel if present, and close it
func (r *connectionRegistryImpl) Deregister(channel *Channel) {
	studentID := channel.StudentID()
	shard := r.shardOf(studentID)
	shard.lock.Lock()
	existing, ok := shard.channels[studentID]
	if ok {
		if existing[channel] {
			delete(existing, channel)
			log.WithFields(r.LogTags).Debugf("Deregistered %s", channel.String())
		}
		if len(existing) == 0 {
			delete(shard.channels, studentID)
		}
	}
	shard.lock.Unlock()
	channel.Close()
}

// Fanout write a notification to every open channel of the student
func (r *connectionRegistryImpl) Fanout(studentID string, message common.Notification) int {
	shard := r.shardOf(studentID)
	shard.lock.Lock()
	existing := shard.channels[studentID]
	delivered := 0
	var dead []*Channel
	for channel := range existing {
		if err := channel.Write(message); err != nil {
			log.WithError(err).WithFields(r.LogTags).Infof(
				"Evicting %s on failed delivery of %s", channel.String(), message.String(),
			)
			dead = append(dead, channel)
			continue
		}
		delivered++
	}
	for _, channel := range dead {
		delete(existing, channel)
	}
	if existing != nil && len(existing) == 0 {
		delete(shard.channels, studentID)
	}
	shard.lock.Unlock()
	// Close outside the shard lock. The serving goroutine reacts to the close
	// and will call Deregister again, which is a no-op by then.
	for _, channel := range dead {
		channel.Close()
	}
	return delivered
}

// ActiveCount current open channel count for the student
func (r *connectionRegistryImpl) ActiveCount(studentID string) int {
	shard := r.shardOf(studentID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	return len(shard.channels[studentID])
}
