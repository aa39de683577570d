package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/service"
	"github.com/stojanov/flowline/pkg/storage"
)

// Queue keys the external services push replicated events onto.
const (
	RolesQueue       = "flowline:events:roles"
	MembershipsQueue = "flowline:events:memberships"
	TicketsQueue     = "flowline:events:tickets"
)

// popTimeout bounds each BLPOP so consumers notice context cancellation.
const popTimeout = 5 * time.Second

// Logger matches the service logging interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Consumer drains the inbound Redis queues: role sync, membership sync and
// ticket ingestion. One goroutine per queue; messages are JSON payloads.
// Malformed messages and configuration errors (unknown role, no matching
// workflow, duplicate task) are logged and dropped; infrastructure errors
// push the message back so redelivery semantics hold.
type Consumer struct {
	rdb      *redis.Client
	identity *service.IdentityService
	tasks    *service.TaskService
	logger   Logger
	wg       sync.WaitGroup
}

func NewConsumer(rdb *redis.Client, identity *service.IdentityService, tasks *service.TaskService, logger Logger) *Consumer {
	return &Consumer{
		rdb:      rdb,
		identity: identity,
		tasks:    tasks,
		logger:   logger,
	}
}

// Start launches the consumer goroutines. They run until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.consume(ctx, RolesQueue, c.handleRoleMessage)
	c.consume(ctx, MembershipsQueue, c.handleMembershipMessage)
	c.consume(ctx, TicketsQueue, c.handleTicketMessage)
	c.logger.Infof("Queue consumers started")
}

// Wait blocks until all consumer goroutines have exited.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// requeueable marks an error as transient: the message goes back on the
// queue instead of being dropped.
type requeueable struct{ err error }

func (r requeueable) Error() string { return r.err.Error() }
func (r requeueable) Unwrap() error { return r.err }

func (c *Consumer) consume(ctx context.Context, queue string, handle func([]byte) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			res, err := c.rdb.BLPop(ctx, popTimeout, queue).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Errorf("BLPOP on %s failed: %v", queue, err)
				time.Sleep(time.Second)
				continue
			}
			// res[0] is the queue name, res[1] the payload.
			payload := res[1]
			if err := handle([]byte(payload)); err != nil {
				var transient requeueable
				if errors.As(err, &transient) {
					c.logger.Errorf("Transient failure on %s, requeueing: %v", queue, err)
					if pushErr := c.rdb.RPush(context.Background(), queue, payload).Err(); pushErr != nil {
						c.logger.Errorf("Failed to requeue message on %s: %v", queue, pushErr)
					}
					time.Sleep(time.Second)
					continue
				}
				c.logger.Errorf("Dropping message on %s: %v", queue, err)
			}
		}
	}()
}

func (c *Consumer) handleRoleMessage(payload []byte) error {
	var ev models.RoleEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return errors.Wrap(err, "decode role event")
	}
	if err := c.identity.ApplyRoleEvent(ev); err != nil {
		return requeueable{err}
	}
	return nil
}

func (c *Consumer) handleMembershipMessage(payload []byte) error {
	var ev models.MembershipEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return errors.Wrap(err, "decode membership event")
	}
	if err := c.identity.ApplyMembershipEvent(ev); err != nil {
		var unknownRole *service.UnknownRoleError
		if errors.As(err, &unknownRole) {
			// The producer resends the role-create before redelivering
			// this membership.
			return errors.Wrap(err, "membership for unmirrored role")
		}
		return requeueable{err}
	}
	return nil
}

func (c *Consumer) handleTicketMessage(payload []byte) error {
	var ev models.TicketEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return errors.Wrap(err, "decode ticket event")
	}
	if _, err := c.tasks.IngestTicket(ev); err != nil {
		var dup *service.DuplicateTaskError
		if errors.As(err, &dup) {
			// Redelivered ticket; the task already exists.
			c.logger.Infof("Ticket %s already has a task, skipping", ev.TicketNumber)
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			// No assignable workflow matches the ticket's department and
			// category; redelivery cannot change that.
			return errors.Wrapf(err, "ingest ticket %s", ev.TicketNumber)
		}
		return requeueable{errors.Wrapf(err, "ingest ticket %s", ev.TicketNumber)}
	}
	return nil
}
