package claudeagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// McpServer represents an in-process MCP server.
//
// MCP servers provide tools that Claude can invoke. This implementation runs
// in-process, routing tool calls through the SDK control channel rather than
// spawning a separate subprocess, so it uses the go-sdk's tool/content
// vocabulary (mcp.Tool, mcp.Content) without running a full mcp.Server over a
// stdio transport.
//
// Use CreateMcpServer to create a new server and AddTool to register tools.
type McpServer struct {
	impl  mcp.Implementation
	tools map[string]*toolEntry
}

// toolEntry stores tool metadata and handler.
type toolEntry struct {
	def     ToolDef
	handler func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

// ToolDef defines an MCP tool without the handler.
//
// InputSchema is optional: if nil, AddTool/Tool derive it from the handler's
// Args type via jsonschema.For.
type ToolDef struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// ToolResult is the result of a tool invocation, aliasing the go-sdk's
// CallToolResult so content built here (TextResult, ResourceResult, ...)
// needs no translation at the control-channel boundary.
type ToolResult = mcp.CallToolResult

// ToolContent is a single content item within a ToolResult.
type ToolContent = mcp.Content

// ToolRegistrar is a function that registers a tool with a server.
//
// This allows passing tools to McpServerOptions. Use Tool() or
// ToolWithResponse() to create registrars.
type ToolRegistrar func(*McpServer)

// McpServerOptions configures an in-process MCP server.
type McpServerOptions struct {
	Name    string          // Server name (required).
	Version string          // Server version (default: "1.0.0").
	Tools   []ToolRegistrar // Tools to register (optional).
}

// CreateMcpServer creates a new in-process MCP server.
//
// Example:
//
//	server := claudeagent.CreateMcpServer(claudeagent.McpServerOptions{
//	    Name:    "calculator",
//	    Version: "1.0.0",
//	    Tools: []claudeagent.ToolRegistrar{
//	        claudeagent.Tool("add", "Add two numbers", addHandler),
//	        claudeagent.Tool("multiply", "Multiply two numbers", multiplyHandler),
//	    },
//	})
func CreateMcpServer(opts McpServerOptions) *McpServer {
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}

	server := &McpServer{
		impl: mcp.Implementation{
			Name:    opts.Name,
			Version: version,
		},
		tools: make(map[string]*toolEntry),
	}

	for _, registrar := range opts.Tools {
		registrar(server)
	}

	return server
}

// schemaFor derives a JSON schema for Args, falling back to nil (no
// constraint) if reflection over the type fails, rather than panicking a
// caller over an exotic field type.
func schemaFor[Args any]() *jsonschema.Schema {
	schema, err := jsonschema.For[Args]()
	if err != nil {
		return nil
	}
	return schema
}

// Tool creates a ToolRegistrar for use with McpServerOptions.
//
// The generic Args type specifies the expected input type. Arguments are
// automatically unmarshaled from JSON to Args before the handler is invoked,
// and the input schema advertised to the CLI is derived from Args via
// jsonschema.For unless ToolWithSchema supplies one explicitly.
//
// Example:
//
//	type AddArgs struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//
//	server := claudeagent.CreateMcpServer(claudeagent.McpServerOptions{
//	    Name: "calculator",
//	    Tools: []claudeagent.ToolRegistrar{
//	        claudeagent.Tool("add", "Add two numbers",
//	            func(ctx context.Context, args AddArgs) (claudeagent.ToolResult, error) {
//	                return claudeagent.TextResult(fmt.Sprintf("%d", args.A+args.B)), nil
//	            },
//	        ),
//	    },
//	})
func Tool[Args any](
	name, description string,
	handler func(ctx context.Context, args Args) (ToolResult, error),
) ToolRegistrar {
	return func(s *McpServer) {
		def := ToolDef{Name: name, Description: description, InputSchema: schemaFor[Args]()}
		s.addTool(def, func(ctx context.Context, rawArgs json.RawMessage) (ToolResult, error) {
			var args Args
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			return handler(ctx, args)
		})
	}
}

// ToolWithResponse creates a ToolRegistrar with typed args and response.
//
// The generic Response type is automatically marshaled to JSON text content.
// This is useful when you want strongly-typed responses.
//
// Example:
//
//	type AddArgs struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//	type AddResult struct {
//	    Sum int `json:"sum"`
//	}
//
//	server := claudeagent.CreateMcpServer(claudeagent.McpServerOptions{
//	    Name: "calculator",
//	    Tools: []claudeagent.ToolRegistrar{
//	        claudeagent.ToolWithResponse("add", "Add two numbers",
//	            func(ctx context.Context, args AddArgs) (AddResult, error) {
//	                return AddResult{Sum: args.A + args.B}, nil
//	            },
//	        ),
//	    },
//	})
func ToolWithResponse[Args, Response any](
	name, description string,
	handler func(ctx context.Context, args Args) (Response, error),
) ToolRegistrar {
	return func(s *McpServer) {
		def := ToolDef{Name: name, Description: description, InputSchema: schemaFor[Args]()}
		s.addTool(def, func(ctx context.Context, rawArgs json.RawMessage) (ToolResult, error) {
			var args Args
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			resp, err := handler(ctx, args)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			data, err := json.Marshal(resp)
			if err != nil {
				return ErrorResult(fmt.Sprintf("failed to marshal response: %v", err)), nil
			}
			return TextResult(string(data)), nil
		})
	}
}

// ToolWithSchema creates a ToolRegistrar with an explicit input schema,
// overriding the jsonschema.For derivation Tool() would otherwise use.
func ToolWithSchema[Args any](
	name, description string,
	inputSchema *jsonschema.Schema,
	handler func(ctx context.Context, args Args) (ToolResult, error),
) ToolRegistrar {
	return func(s *McpServer) {
		def := ToolDef{Name: name, Description: description, InputSchema: inputSchema}
		s.addTool(def, func(ctx context.Context, rawArgs json.RawMessage) (ToolResult, error) {
			var args Args
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			return handler(ctx, args)
		})
	}
}

// AddTool registers an untyped tool handler with the server.
//
// This is a method version of the package-level AddTool function. Only the
// untyped handler form is accepted here since Go methods cannot introduce
// their own type parameters; use the package-level AddTool[Args] for typed
// handlers. Returns the server for method chaining.
func (s *McpServer) AddTool(name, description string, handler func(context.Context, json.RawMessage) (ToolResult, error)) *McpServer {
	s.addTool(ToolDef{Name: name, Description: description}, handler)
	return s
}

// addTool is the internal method for registering tools.
func (s *McpServer) addTool(def ToolDef, handler func(ctx context.Context, args json.RawMessage) (ToolResult, error)) {
	s.tools[def.Name] = &toolEntry{
		def:     def,
		handler: handler,
	}
}

// AddTool registers a type-safe tool handler with the server (package-level function).
//
// The generic Args parameter specifies the expected input type. Arguments
// are automatically unmarshaled from JSON to the Args type before the
// handler is invoked. If def.InputSchema is nil, it is derived from Args.
//
// Example:
//
//	type AddArgs struct {
//	    A int `json:"a" jsonschema:"First number"`
//	    B int `json:"b" jsonschema:"Second number"`
//	}
//
//	claudeagent.AddTool(server, claudeagent.ToolDef{
//	    Name:        "add",
//	    Description: "Add two numbers",
//	}, func(ctx context.Context, args AddArgs) (claudeagent.ToolResult, error) {
//	    return claudeagent.TextResult(fmt.Sprintf("%d", args.A+args.B)), nil
//	})
func AddTool[Args any](
	server *McpServer,
	def ToolDef,
	handler func(ctx context.Context, args Args) (ToolResult, error),
) {
	if def.InputSchema == nil {
		def.InputSchema = schemaFor[Args]()
	}
	server.addTool(def, func(ctx context.Context, rawArgs json.RawMessage) (ToolResult, error) {
		var args Args
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		return handler(ctx, args)
	})
}

// AddToolWithResponse registers a tool with typed args and response.
//
// The generic Response type is automatically marshaled to JSON text content.
//
// Example:
//
//	type AddArgs struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//	type AddResult struct {
//	    Sum int `json:"sum"`
//	}
//
//	claudeagent.AddToolWithResponse(server, claudeagent.ToolDef{
//	    Name:        "add",
//	    Description: "Add two numbers",
//	}, func(ctx context.Context, args AddArgs) (AddResult, error) {
//	    return AddResult{Sum: args.A + args.B}, nil
//	})
func AddToolWithResponse[Args, Response any](
	server *McpServer,
	def ToolDef,
	handler func(ctx context.Context, args Args) (Response, error),
) {
	if def.InputSchema == nil {
		def.InputSchema = schemaFor[Args]()
	}
	server.addTool(def, func(ctx context.Context, rawArgs json.RawMessage) (ToolResult, error) {
		var args Args
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		resp, err := handler(ctx, args)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return ErrorResult(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return TextResult(string(data)), nil
	})
}

// AddToolUntyped registers a tool handler that receives raw JSON arguments.
//
// Use this for tools that need dynamic argument handling or when you want
// to handle JSON parsing manually.
func AddToolUntyped(
	server *McpServer,
	def ToolDef,
	handler func(ctx context.Context, args json.RawMessage) (ToolResult, error),
) {
	server.addTool(def, handler)
}

// Name returns the server name.
func (s *McpServer) Name() string {
	return s.impl.Name
}

// Version returns the server version.
func (s *McpServer) Version() string {
	return s.impl.Version
}

// ToolNames returns the names of all registered tools.
func (s *McpServer) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

// ToolDefs returns the definitions of all registered tools.
func (s *McpServer) ToolDefs() []ToolDef {
	defs := make([]ToolDef, 0, len(s.tools))
	for _, entry := range s.tools {
		defs = append(defs, entry.def)
	}
	return defs
}

// CallTool invokes a tool by name with the given arguments.
//
// Returns an error if the tool is not found. Tool execution errors are
// returned via ToolResult.IsError, not as Go errors.
func (s *McpServer) CallTool(
	ctx context.Context,
	name string,
	args json.RawMessage,
) (ToolResult, error) {
	entry, ok := s.tools[name]
	if !ok {
		return ToolResult{}, fmt.Errorf("tool not found: %s", name)
	}
	return entry.handler(ctx, args)
}

// TextResult creates a successful tool result with text content.
func TextResult(text string) ToolResult {
	return ToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// ErrorResult creates an error tool result with text content.
func ErrorResult(text string) ToolResult {
	return ToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

// ResourceResult creates a successful tool result embedding a resource link.
func ResourceResult(uri string) ToolResult {
	return ToolResult{
		Content: []mcp.Content{&mcp.ResourceLink{URI: uri}},
	}
}

// MultiContentResult creates a result with multiple content items.
func MultiContentResult(contents ...mcp.Content) ToolResult {
	return ToolResult{
		Content: contents,
	}
}

// TextContentItem creates a text content item.
func TextContentItem(text string) mcp.Content {
	return &mcp.TextContent{Text: text}
}

// ResourceContentItem creates a resource-link content item.
func ResourceContentItem(uri string) mcp.Content {
	return &mcp.ResourceLink{URI: uri}
}
