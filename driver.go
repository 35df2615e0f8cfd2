package claudeagent

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Driver runs the stdout reader task a connected session needs: it reads
// CLI stdout, parses frames into Messages, routes control envelopes to the
// Protocol, and surfaces conversation envelopes to the host. It is the
// runtime glue between a SubprocessTransport and a Protocol — not a
// conversational API, which lives outside this core.
//
// The reader and the control-message handlers it spawns run under one
// errgroup.Group, so that any one's failure (or ctx cancellation) cancels the
// group's context and Run returns a single error.
type Driver struct {
	transport *SubprocessTransport
	protocol  *Protocol
	inbound   chan Message
	errs      chan error
}

// NewDriver wires a transport and protocol together. Connect must have
// already been called on transport and Initialize on protocol.
func NewDriver(transport *SubprocessTransport, protocol *Protocol) *Driver {
	return &Driver{
		transport: transport,
		protocol:  protocol,
		inbound:   make(chan Message, 64),
		errs:      make(chan error, 1),
	}
}

// Messages returns the channel of conversation envelopes (assistant, user,
// system, result, stream_event, and the rest of the non-control message
// types) in CLI emission order. Closed when the driver stops.
func (d *Driver) Messages() <-chan Message {
	return d.inbound
}

// Run drives the session until ctx is canceled, the subprocess exits, or an
// unrecoverable error occurs. It blocks until the reader task has exited.
//
// Stderr draining runs separately as its own goroutine started by
// transport.Connect, and the writer side has no standing task at all — Send
// just takes transport's write mutex for the duration of one frame. Both
// fold naturally into this single errgroup task rather than needing their
// own group.Go: draining is best-effort diagnostic output with nothing to
// join on, and writes are one-shot calls, not long-lived loops.
func (d *Driver) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	// Task: read stdout, parse frames, and fan out conversation envelopes
	// vs. control envelopes. This is the single reader of the transport, so
	// it also owns closing the inbound channel on exit.
	group.Go(func() error {
		defer close(d.inbound)
		for msg, err := range d.transport.ReadMessages(gctx) {
			if err != nil {
				return fmt.Errorf("reading CLI output: %w", err)
			}
			switch msg.(type) {
			case ControlRequest, ControlResponse, SDKControlRequest, SDKControlResponse, SDKControlCancelRequest:
				// Dispatch concurrently rather than inline: an inbound
				// control_request's handler (e.g. a slow permission
				// callback) must not block this reader from seeing a
				// later control_cancel_request meant to abort it.
				// Ordering is preserved per-id since the CLI never
				// reuses a request id before its response lands.
				group.Go(func() error {
					if herr := d.protocol.HandleControlMessage(gctx, msg); herr != nil {
						return fmt.Errorf("handling control message: %w", herr)
					}
					return nil
				})
			default:
				select {
				case d.inbound <- msg:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})

	return group.Wait()
}

// Send writes a user message to the CLI. Safe to call concurrently with Run.
func (d *Driver) Send(ctx context.Context, msg UserMessage) error {
	return d.protocol.SendMessage(ctx, msg)
}

// Interrupt asks the CLI to abort its current turn. Safe to call
// concurrently with Run.
func (d *Driver) Interrupt(ctx context.Context) error {
	return d.protocol.Interrupt(ctx)
}

// SetPermissionMode changes the CLI's permission mode for the remainder of
// the session. Safe to call concurrently with Run.
func (d *Driver) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	return d.protocol.SetPermissionMode(ctx, mode)
}
