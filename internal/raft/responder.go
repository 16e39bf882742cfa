package raft

import (
	"context"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/logging"
)

// Transport call timeouts.
const (
	voteCallTimeout   = 5 * time.Second
	appendCallTimeout = 10 * time.Second
)

// outboundKind discriminates responder messages.
type outboundKind uint8

const (
	outRequestVotes outboundKind = iota
	outVote
	outAppendLogs
	outCompleteAppendLogs
)

// outbound is a send request queued to the responder.
type outbound struct {
	kind     outboundKind
	target   string
	vote     *VoteRequest
	append   *AppendLogsRequest
	complete *CompleteAppendLogsRequest
}

// responder performs outbound transport calls for one partition so that
// the state machine never blocks on the network. It holds no Raft state.
// Failures are logged and dropped; the state machine observes them only
// as missing acknowledgments.
type responder struct {
	partition uint32
	transport Transport
	logger    logging.Logger

	// deliver routes a synchronous AppendLogs response back to the state
	// machine as a CompleteAppendLogs message.
	deliver func(msg *completeAppendLogsMsg)

	mailbox chan outbound
	stopCh  chan struct{}
}

func newResponder(partition uint32, transport Transport, logger logging.Logger) *responder {
	return &responder{
		partition: partition,
		transport: transport,
		logger:    logger.WithSource("responder").WithFields("partition", partition),
		mailbox:   make(chan outbound, mailboxCapacity),
		stopCh:    make(chan struct{}),
	}
}

func (r *responder) start() {
	go r.run()
}

func (r *responder) stop() {
	close(r.stopCh)
}

func (r *responder) run() {
	for {
		select {
		case <-r.stopCh:
			return
		case msg := <-r.mailbox:
			r.handle(msg)
		}
	}
}

func (r *responder) handle(msg outbound) {
	switch msg.kind {
	case outRequestVotes:
		ctx, cancel := context.WithTimeout(context.Background(), voteCallTimeout)
		defer cancel()
		if err := r.transport.RequestVotes(ctx, msg.target, msg.vote); err != nil {
			r.logger.Debug("request votes failed", "target", msg.target, "error", err)
		}
	case outVote:
		ctx, cancel := context.WithTimeout(context.Background(), voteCallTimeout)
		defer cancel()
		if err := r.transport.Vote(ctx, msg.target, msg.vote); err != nil {
			r.logger.Debug("vote failed", "target", msg.target, "error", err)
		}
	case outAppendLogs:
		ctx, cancel := context.WithTimeout(context.Background(), appendCallTimeout)
		defer cancel()
		resp, err := r.transport.AppendLogs(ctx, msg.target, msg.append)
		if err != nil {
			r.logger.Debug("append logs failed", "target", msg.target, "error", err)
			return
		}
		if resp != nil && r.deliver != nil {
			r.deliver(&completeAppendLogsMsg{
				from:           msg.target,
				ts:             msg.append.Timestamp(),
				status:         resp.Status,
				committedIndex: resp.CommittedIndex,
			})
		}
	case outCompleteAppendLogs:
		ctx, cancel := context.WithTimeout(context.Background(), appendCallTimeout)
		defer cancel()
		if err := r.transport.CompleteAppendLogs(ctx, msg.target, msg.complete); err != nil {
			r.logger.Debug("complete append logs failed", "target", msg.target, "error", err)
		}
	}
}

// enqueue posts a send request without blocking. A full mailbox drops
// the message; the protocol tolerates the loss.
func (r *responder) enqueue(msg outbound) {
	select {
	case r.mailbox <- msg:
	case <-r.stopCh:
	default:
		r.logger.Warn("responder mailbox full, dropping message", "kind", msg.kind, "target", msg.target)
	}
}
