package claudeagent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeLine marshals v and appends it as one NDJSON line on the mock CLI's
// stdout pipe, as if the subprocess had emitted it.
func writeLine(t *testing.T, pipe *MockPipe, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = pipe.Write(data)
	require.NoError(t, err)
}

// TestDriverSurfacesConversationMessages verifies that assistant/result
// envelopes reach the host's Messages channel untouched, while control
// envelopes are routed to the protocol instead of leaking through.
func TestDriverSurfacesConversationMessages(t *testing.T) {
	runner := NewMockSubprocessRunner()
	opts := NewOptions()
	opts.CanUseTool = func(ctx context.Context, req ToolPermissionRequest) PermissionResult {
		return PermissionAllow{}
	}

	transport := NewSubprocessTransportWithRunner(runner, opts)
	protocol := NewProtocol(transport, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, transport.Connect(ctx))
	defer transport.Close()

	driver := NewDriver(transport, protocol)

	runCtx, stop := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- driver.Run(runCtx) }()

	var assistant AssistantMessage
	assistant.Type = "assistant"
	assistant.Message.Role = "assistant"
	assistant.Message.Content = []ContentBlock{{Type: "text", Text: "hi"}}
	writeLine(t, runner.StdoutPipe, assistant)

	var result ResultMessage
	result.Type = "result"
	result.Subtype = "success"
	writeLine(t, runner.StdoutPipe, result)

	got := []Message{}
	for len(got) < 2 {
		select {
		case msg := <-driver.Messages():
			got = append(got, msg)
		case <-ctx.Done():
			t.Fatal("timeout waiting for conversation messages")
		}
	}

	assert.Equal(t, "assistant", got[0].MessageType())
	assert.Equal(t, "result", got[1].MessageType())

	stop()
	<-runDone
}

// TestDriverRoutesControlRequestToProtocol verifies a can_use_tool control
// request arriving on stdout is answered via the permission callback and
// never appears on the Messages channel.
func TestDriverRoutesControlRequestToProtocol(t *testing.T) {
	runner := NewMockSubprocessRunner()
	opts := NewOptions()

	called := make(chan string, 1)
	opts.CanUseTool = func(ctx context.Context, req ToolPermissionRequest) PermissionResult {
		called <- req.ToolName
		return PermissionAllow{}
	}

	transport := NewSubprocessTransportWithRunner(runner, opts)
	protocol := NewProtocol(transport, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, transport.Connect(ctx))
	defer transport.Close()

	driver := NewDriver(transport, protocol)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go driver.Run(runCtx)

	req := SDKControlRequest{
		Type:      "control_request",
		RequestID: "req_1",
		Request: SDKControlRequestBody{
			Subtype:  "can_use_tool",
			ToolName: "fetch_quote",
			Input:    map[string]interface{}{"symbol": "ANTH"},
		},
	}
	writeLine(t, runner.StdoutPipe, req)

	select {
	case name := <-called:
		assert.Equal(t, "fetch_quote", name)
	case <-ctx.Done():
		t.Fatal("timeout waiting for permission callback")
	}

	// Give the response write a moment to land, then decode it back off stdin.
	decoder := json.NewDecoder(runner.StdinPipe)
	var resp SDKControlResponse
	require.NoError(t, decoder.Decode(&resp))
	assert.Equal(t, "req_1", resp.Response.RequestID)
	assert.Equal(t, "success", resp.Response.Subtype)
}

// TestDriverStopsOnContextCancel verifies Run returns promptly once its
// context is canceled, closing the Messages channel.
func TestDriverStopsOnContextCancel(t *testing.T) {
	runner := NewMockSubprocessRunner()
	opts := NewOptions()

	transport := NewSubprocessTransportWithRunner(runner, opts)
	protocol := NewProtocol(transport, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, transport.Connect(ctx))
	defer transport.Close()

	driver := NewDriver(transport, protocol)

	runCtx, stop := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- driver.Run(runCtx) }()

	stop()

	select {
	case <-runDone:
	case <-ctx.Done():
		t.Fatal("driver did not stop after context cancellation")
	}

	_, ok := <-driver.Messages()
	assert.False(t, ok, "Messages channel should be closed once Run returns")
}

// TestDriverRoutesCancelRequestToProtocol verifies an inbound
// control_cancel_request aborts the matching in-flight handler instead of
// leaking onto the Messages channel.
func TestDriverRoutesCancelRequestToProtocol(t *testing.T) {
	runner := NewMockSubprocessRunner()
	opts := NewOptions()

	handlerCanceled := make(chan struct{}, 1)
	opts.CanUseTool = func(ctx context.Context, req ToolPermissionRequest) PermissionResult {
		<-ctx.Done()
		handlerCanceled <- struct{}{}
		return PermissionDeny{Reason: "canceled"}
	}

	transport := NewSubprocessTransportWithRunner(runner, opts)
	protocol := NewProtocol(transport, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, transport.Connect(ctx))
	defer transport.Close()

	driver := NewDriver(transport, protocol)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go driver.Run(runCtx)

	req := SDKControlRequest{
		Type:      "control_request",
		RequestID: "req_cancel_1",
		Request: SDKControlRequestBody{
			Subtype:  "can_use_tool",
			ToolName: "slow_tool",
		},
	}
	writeLine(t, runner.StdoutPipe, req)

	writeLine(t, runner.StdoutPipe, SDKControlCancelRequest{
		Type:      "control_cancel_request",
		RequestID: "req_cancel_1",
	})

	select {
	case <-handlerCanceled:
	case <-ctx.Done():
		t.Fatal("timeout waiting for in-flight handler to be canceled")
	}

	// The cancel envelope itself must never surface on Messages.
	select {
	case msg := <-driver.Messages():
		t.Fatalf("control_cancel_request leaked onto Messages channel: %#v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}
