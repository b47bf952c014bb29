// Package assignment binds waiting chats to human agents. Jobs are
// ephemeral: they exist only to drive retry/backoff and are never
// persisted beyond the queue's lifetime.
package assignment

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatrouter/internal/events"
	"chatrouter/internal/models"
	"chatrouter/internal/store"
)

// JobState tracks one assignment job through the queue.
type JobState string

const (
	JobPending   JobState = "pending"
	JobAssigned  JobState = "assigned"
	JobCancelled JobState = "cancelled"
	JobDead      JobState = "dead"
)

// Job is one unit of work requesting an agent for a chat.
type Job struct {
	ChatID       uint      `json:"chatId"`
	CampaignID   string    `json:"campaignId"`
	StrategyName string    `json:"strategyName"`
	Attempt      int       `json:"attempt"`
	State        JobState  `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	LastError    string    `json:"lastError,omitempty"`
}

// Queue resolves assignment jobs with a pool of workers. Failed jobs
// retry with exponential backoff up to the attempt cap, after which they
// move to a dead set for manual follow-up; a chat is never silently
// dropped while attempts remain.
type Queue struct {
	chats  *store.ChatStore
	agents *store.AgentStore
	bus    *events.Bus

	strategies      map[string]Strategy
	defaultStrategy string
	maxAttempts     int
	backoff         time.Duration
	workers         int

	jobs chan *Job

	mu      sync.Mutex
	pending map[uint]*Job // one live job per chat
	dead    map[uint]*Job
	closed  bool

	wg sync.WaitGroup
}

// Options tunes the queue; zero values fall back to defaults.
type Options struct {
	Workers         int
	MaxAttempts     int
	Backoff         time.Duration
	DefaultStrategy string
}

// NewQueue creates an assignment queue.
func NewQueue(chats *store.ChatStore, agents *store.AgentStore, bus *events.Bus, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = StrategyLeastBusy
	}
	return &Queue{
		chats:           chats,
		agents:          agents,
		bus:             bus,
		strategies:      DefaultStrategies(),
		defaultStrategy: opts.DefaultStrategy,
		maxAttempts:     opts.MaxAttempts,
		backoff:         opts.Backoff,
		workers:         opts.Workers,
		jobs:            make(chan *Job, 256),
		pending:         make(map[uint]*Job),
		dead:            make(map[uint]*Job),
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	log.Info().Int("workers", q.workers).Int("maxAttempts", q.maxAttempts).
		Dur("backoff", q.backoff).Msg("Assignment queue started")
}

// Close stops accepting jobs and waits for workers to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue submits a chat for agent routing. Enqueueing a chat that
// already has a live job is a no-op, so redelivered events cannot fan
// out into duplicate assignments.
func (q *Queue) Enqueue(chatID uint, campaignID, strategyName string) {
	if strategyName == "" {
		strategyName = q.defaultStrategy
	}
	job := &Job{
		ChatID:       chatID,
		CampaignID:   campaignID,
		StrategyName: strategyName,
		State:        JobPending,
		CreatedAt:    time.Now().UTC(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		log.Warn().Uint("chatID", chatID).Msg("Assignment enqueued after queue close, dropped")
		return
	}
	if _, exists := q.pending[chatID]; exists {
		q.mu.Unlock()
		log.Debug().Uint("chatID", chatID).Msg("Assignment already pending for chat")
		return
	}
	q.pending[chatID] = job
	delete(q.dead, chatID)
	q.mu.Unlock()

	q.dispatch(job)
	log.Info().Uint("chatID", chatID).Str("strategy", strategyName).Msg("Assignment job enqueued")
}

func (q *Queue) dispatch(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.jobs <- job:
	default:
		// Saturated queue: back off and try again instead of blocking
		// the producer.
		time.AfterFunc(q.backoff, func() { q.dispatch(job) })
		log.Warn().Uint("chatID", job.ChatID).Msg("Assignment queue saturated, job deferred")
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.process(job)
	}
	log.Debug().Int("worker", id).Msg("Assignment worker stopped")
}

// process runs one assignment attempt for a job.
func (q *Queue) process(job *Job) {
	chat, err := q.chats.FindByID(job.ChatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			q.finish(job, JobCancelled)
			return
		}
		q.retry(job, err)
		return
	}

	// Idempotent redelivery guard.
	if chat.AssignedAgentID != nil {
		log.Debug().Uint("chatID", chat.ID).Uint("agentID", *chat.AssignedAgentID).
			Msg("Chat already assigned, assignment job is a no-op")
		q.finish(job, JobAssigned)
		return
	}
	// The chat left WAITING since enqueue (bot claim, manual action,
	// close): the job is cancelled, not failed.
	if chat.Status != models.ChatWaiting {
		log.Info().Uint("chatID", chat.ID).Str("status", string(chat.Status)).
			Msg("Chat no longer waiting, assignment job cancelled")
		q.finish(job, JobCancelled)
		return
	}

	available, err := q.agents.FindAvailable(job.CampaignID)
	if err != nil {
		q.retry(job, err)
		return
	}
	if len(available) == 0 {
		q.retry(job, errors.New("no available agents"))
		return
	}

	strategy, ok := q.strategies[job.StrategyName]
	if !ok {
		log.Warn().Str("strategy", job.StrategyName).Uint("chatID", job.ChatID).
			Msg("Unknown routing strategy, using default")
		strategy = q.strategies[q.defaultStrategy]
	}
	agent := strategy.Select(chat, available)
	if agent == nil {
		q.retry(job, errors.New("strategy selected no agent"))
		return
	}

	if _, err := q.chats.AssignAgent(chat.ID, agent.ID); err != nil {
		switch {
		case errors.Is(err, store.ErrCapacityConflict):
			// Capacity changed between candidate fetch and commit.
			q.retry(job, err)
		case errors.Is(err, store.ErrAlreadyAssigned):
			q.finish(job, JobAssigned)
		default:
			q.retry(job, err)
		}
		return
	}

	q.finish(job, JobAssigned)
	q.bus.Publish(events.New(events.ChatAssigned, chat.ID,
		events.ChatAssignedPayload{AgentID: agent.ID}))
	log.Info().Uint("chatID", chat.ID).Uint("agentID", agent.ID).
		Str("strategy", strategy.Name()).Int("attempt", job.Attempt).
		Msg("Chat assigned to agent")
}

// retry schedules the next attempt with exponential backoff, or moves
// the job to the dead set once attempts are exhausted.
func (q *Queue) retry(job *Job, cause error) {
	job.Attempt++
	job.LastError = cause.Error()

	if job.Attempt >= q.maxAttempts {
		job.State = JobDead
		q.mu.Lock()
		delete(q.pending, job.ChatID)
		q.dead[job.ChatID] = job
		q.mu.Unlock()

		q.bus.Publish(events.New(events.AssignmentDead, job.ChatID, job))
		log.Error().Uint("chatID", job.ChatID).Int("attempts", job.Attempt).
			Str("lastError", job.LastError).
			Msg("Assignment attempts exhausted, job moved to dead set")
		return
	}

	delay := q.backoff << (job.Attempt - 1)
	log.Warn().Uint("chatID", job.ChatID).Int("attempt", job.Attempt).
		Dur("retryIn", delay).Str("cause", job.LastError).
		Msg("Assignment attempt failed, will retry")
	time.AfterFunc(delay, func() { q.dispatch(job) })
}

func (q *Queue) finish(job *Job, state JobState) {
	job.State = state
	q.mu.Lock()
	delete(q.pending, job.ChatID)
	q.mu.Unlock()
}

// PendingCount returns the number of live jobs.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DeadJobs returns jobs that exhausted their attempts, for the queue
// status endpoint and alerting.
func (q *Queue) DeadJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.dead))
	for _, job := range q.dead {
		out = append(out, *job)
	}
	return out
}

// RegisterStrategy adds or replaces a routing strategy.
func (q *Queue) RegisterStrategy(strategy Strategy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.strategies[strategy.Name()] = strategy
}
