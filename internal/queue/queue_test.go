package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

type QueueSuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	client *redis.Client
	queue  *Queue
	ctx    context.Context
}

func (s *QueueSuite) SetupTest() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr
	s.client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.queue = New(s.client, "pings")
	s.ctx = context.Background()
}

func (s *QueueSuite) TearDownTest() {
	s.client.Close()
	s.mr.Close()
}

func (s *QueueSuite) TestEnqueueDequeue() {
	job := Job{ID: "j1", Type: "ping", GameID: "g1", ParticipantID: "p1"}
	s.Require().NoError(s.queue.Enqueue(s.ctx, job))

	n, err := s.queue.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	got, err := s.queue.Dequeue(s.ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("j1", got.ID)
	s.Equal("p1", got.ParticipantID)
	s.False(got.EnqueuedAt.IsZero())
}

func (s *QueueSuite) TestEnqueueIsIdempotent() {
	job := Job{ID: "j1", Type: "ping", GameID: "g1", ParticipantID: "p1"}
	s.Require().NoError(s.queue.Enqueue(s.ctx, job))
	s.Require().NoError(s.queue.Enqueue(s.ctx, job))

	n, err := s.queue.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), n, "same job id enqueues once")
}

func (s *QueueSuite) TestDequeueOrdering() {
	for _, id := range []string{"j1", "j2", "j3"} {
		s.Require().NoError(s.queue.Enqueue(s.ctx, Job{ID: id, Type: "ping"}))
	}
	for _, want := range []string{"j1", "j2", "j3"} {
		got, err := s.queue.Dequeue(s.ctx, time.Second)
		s.Require().NoError(err)
		s.Require().NotNil(got)
		s.Equal(want, got.ID)
	}
}

func (s *QueueSuite) TestDequeueEmpty() {
	got, err := s.queue.Dequeue(s.ctx, 10*time.Millisecond)
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *QueueSuite) TestRetryBudget() {
	job := Job{ID: "j1", Type: "ping"}

	again, err := s.queue.Retry(s.ctx, job)
	s.Require().NoError(err)
	s.True(again)

	got, err := s.queue.Dequeue(s.ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(1, got.Attempts)

	again, err = s.queue.Retry(s.ctx, *got)
	s.Require().NoError(err)
	s.True(again)

	got, err = s.queue.Dequeue(s.ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(got)

	again, err = s.queue.Retry(s.ctx, *got)
	s.Require().NoError(err)
	s.False(again, "third failure drops the job")

	n, err := s.queue.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(0), n)
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}
