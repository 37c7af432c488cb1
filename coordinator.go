package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// RootsListHandler answers server-initiated roots/list requests with the
// client's root resources.
type RootsListHandler interface {
	// RootsList returns the list of available root resources.
	RootsList(ctx context.Context) (RootList, error)
}

// SamplingHandler answers server-initiated sampling/createMessage requests by
// generating an LLM response from the provided conversation history.
type SamplingHandler interface {
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// PromptListWatcher is notified when the server reports that its prompt list
// changed. Implementations must return quickly; they run on the reader's
// dispatch path.
type PromptListWatcher interface {
	OnPromptListChanged()
}

// ResourceListWatcher is notified when the server reports that its resource
// list changed.
type ResourceListWatcher interface {
	OnResourceListChanged()
}

// ResourceSubscribedWatcher is notified when a resource the client subscribed
// to changes.
type ResourceSubscribedWatcher interface {
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher is notified when the server reports that its tool list
// changed.
type ToolListWatcher interface {
	OnToolListChanged()
}

// ProgressListener receives progress updates for long-running operations.
type ProgressListener interface {
	OnProgress(params ProgressParams)
}

// LogReceiver receives log messages the server emits via notifications/message.
type LogReceiver interface {
	OnLog(params LogParams)
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRootsListHandler sets the handler for server-initiated roots/list requests.
func WithRootsListHandler(handler RootsListHandler) CoordinatorOption {
	return func(c *Coordinator) {
		c.rootsListHandler = handler
	}
}

// WithSamplingHandler sets the handler for server-initiated sampling requests.
func WithSamplingHandler(handler SamplingHandler) CoordinatorOption {
	return func(c *Coordinator) {
		c.samplingHandler = handler
	}
}

// WithPromptListWatcher sets the prompt list watcher.
func WithPromptListWatcher(watcher PromptListWatcher) CoordinatorOption {
	return func(c *Coordinator) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher.
func WithResourceListWatcher(watcher ResourceListWatcher) CoordinatorOption {
	return func(c *Coordinator) {
		c.resourceListWatcher = watcher
	}
}

// WithResourceSubscribedWatcher sets the resource subscription watcher.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) CoordinatorOption {
	return func(c *Coordinator) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher.
func WithToolListWatcher(watcher ToolListWatcher) CoordinatorOption {
	return func(c *Coordinator) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener.
func WithProgressListener(listener ProgressListener) CoordinatorOption {
	return func(c *Coordinator) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver.
func WithLogReceiver(receiver LogReceiver) CoordinatorOption {
	return func(c *Coordinator) {
		c.logReceiver = receiver
	}
}

// Coordinator is the MCP session core: it owns one transport, negotiates
// protocol version and capabilities with the server, allocates request ids,
// routes incoming messages between the pending-request table and the
// registered notification and request handlers, and exposes typed request
// helpers over the raw Request primitive.
//
// A Coordinator must be created with NewCoordinator and started with Start
// before any request helper is used. Close releases the transport. Concurrent
// request calls from multiple goroutines are permitted; they serialize only at
// the id allocator and the pending table.
type Coordinator struct {
	info         Info
	capabilities ClientCapabilities
	transport    Transport
	logger       *slog.Logger

	rootsListHandler RootsListHandler
	samplingHandler  SamplingHandler

	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher
	progressListener          ProgressListener
	logReceiver               LogReceiver

	// Session state: written once during initialize, read without locking
	// afterwards. initialized publishes the writes.
	serverInfo         Info
	serverCapabilities ServerCapabilities
	protocolVersion    string
	initialized        atomic.Bool

	// promptArgs caches prompt argument declarations from the last
	// prompts/list so GetPrompt can validate required arguments locally.
	promptsMu  sync.Mutex
	promptArgs map[string][]PromptArgument

	// cancels tracks in-flight server-initiated request handlers so a
	// notifications/cancelled can abort them.
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewCoordinator builds a Coordinator and the transport named by
// cfg.Transport. An unknown transport type fails with
// InvalidTransportTypeError.
func NewCoordinator(cfg ClientConfig, options ...CoordinatorOption) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	c := &Coordinator{
		info:       Info{Name: cfg.Name, Version: cfg.Version},
		logger:     cfg.Logger,
		promptArgs: make(map[string][]PromptArgument),
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.rootsListHandler != nil {
		c.capabilities.Roots = &RootsCapability{}
	}
	if c.samplingHandler != nil {
		c.capabilities.Sampling = &SamplingCapability{}
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	transport.bind(c)
	c.transport = transport

	return c, nil
}

// Start opens the transport, performs the initialize handshake, and announces
// readiness with notifications/initialized, in that strict order. It fails
// with InvalidProtocolVersionError when the server negotiates a version this
// client does not implement.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	if err := c.initialize(ctx); err != nil {
		return err
	}

	return c.sendNotification(ctx, methodNotificationsInitialized, nil)
}

// Close tears down the transport. In-flight requests fail with a transport
// error or time out.
func (c *Coordinator) Close() error {
	return c.transport.Close()
}

// ServerInfo returns the server's advertised identity.
func (c *Coordinator) ServerInfo() Info { return c.serverInfo }

// ServerCapabilities returns the capabilities stored during initialize.
func (c *Coordinator) ServerCapabilities() ServerCapabilities { return c.serverCapabilities }

// ProtocolVersion returns the negotiated protocol version.
func (c *Coordinator) ProtocolVersion() string { return c.protocolVersion }

func (c *Coordinator) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	res, err := c.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodInitialize,
		Params:  paramsBs,
	}, true, true)
	if err != nil {
		return fmt.Errorf("failed to send initialize request: %w", err)
	}
	if res == nil {
		return &TransportError{Message: "no response to initialize"}
	}
	if res.Err != nil {
		return fmt.Errorf("initialize error: %w", res.Err)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if !protocolVersionSupported(result.ProtocolVersion) {
		return &InvalidProtocolVersionError{
			Requested: result.ProtocolVersion,
			Supported: supportedProtocolVersions,
		}
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.transport.SetProtocolVersion(result.ProtocolVersion)
	c.initialized.Store(true)

	return nil
}

// Request sends one request and blocks until the paired response arrives or
// the request timeout elapses. A JSON-RPC error envelope surfaces as a
// *JSONRPCError.
func (c *Coordinator) Request(ctx context.Context, method string, params any) (*Result, error) {
	if !c.initialized.Load() {
		return nil, errors.New("client not initialized")
	}
	return c.request(ctx, method, params)
}

func (c *Coordinator) request(ctx context.Context, method string, params any) (*Result, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	res, err := c.transport.Send(ctx, msg, true, true)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &TransportError{Message: fmt.Sprintf("no response to %s", method)}
	}
	if res.Err != nil {
		return nil, res.Err
	}

	return res, nil
}

// call runs one request and decodes its result portion into out when out is
// non-nil.
func (c *Coordinator) call(ctx context.Context, method string, params, out any) error {
	res, err := c.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// Ping verifies the server is responsive.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.call(ctx, methodPing, nil, nil)
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Coordinator) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if !c.serverCapabilities.ToolsList() {
		return ListToolsResult{}, errors.New("tools not supported by server")
	}

	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool executes a specific tool and returns its result.
func (c *Coordinator) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if !c.serverCapabilities.ToolsList() {
		return CallToolResult{}, errors.New("tools not supported by server")
	}

	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Coordinator) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if !c.serverCapabilities.ResourcesList() {
		return ListResourcesResult{}, errors.New("resources not supported by server")
	}

	var result ListResourcesResult
	if err := c.call(ctx, MethodResourcesList, params, &result); err != nil {
		return ListResourcesResult{}, err
	}
	return result, nil
}

// ReadResource retrieves the content and metadata of a specific resource.
func (c *Coordinator) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if !c.serverCapabilities.ResourcesList() {
		return ReadResourceResult{}, errors.New("resources not supported by server")
	}

	var result ReadResourceResult
	if err := c.call(ctx, MethodResourcesRead, params, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// ListResourceTemplates retrieves the resource templates the server exposes.
func (c *Coordinator) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	if !c.serverCapabilities.ResourcesList() {
		return ListResourceTemplatesResult{}, errors.New("resources not supported by server")
	}

	var result ListResourceTemplatesResult
	if err := c.call(ctx, MethodResourcesTemplatesList, params, &result); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return result, nil
}

// SubscribeResource registers for change notifications on a specific
// resource. Updates arrive through the ResourceSubscribedWatcher.
func (c *Coordinator) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if !c.serverCapabilities.ResourceSubscribe() {
		return errors.New("resource subscription not supported by server")
	}
	return c.call(ctx, MethodResourcesSubscribe, params, nil)
}

// UnsubscribeResource removes a resource subscription.
func (c *Coordinator) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	if !c.serverCapabilities.ResourceSubscribe() {
		return errors.New("resource subscription not supported by server")
	}
	return c.call(ctx, MethodResourcesUnsubscribe, params, nil)
}

// ListPrompts retrieves a paginated list of available prompts from the
// server. Argument declarations are cached so GetPrompt can validate required
// arguments locally.
func (c *Coordinator) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	if !c.serverCapabilities.PromptsList() {
		return ListPromptsResult{}, errors.New("prompts not supported by server")
	}

	var result ListPromptsResult
	if err := c.call(ctx, MethodPromptsList, params, &result); err != nil {
		return ListPromptsResult{}, err
	}

	c.promptsMu.Lock()
	for _, p := range result.Prompts {
		c.promptArgs[p.Name] = p.Arguments
	}
	c.promptsMu.Unlock()

	return result, nil
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
// When the prompt's declaration is known from a previous ListPrompts, missing
// required arguments fail locally with PromptArgumentError.
func (c *Coordinator) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if !c.serverCapabilities.PromptsList() {
		return GetPromptResult{}, errors.New("prompts not supported by server")
	}

	if err := c.validatePromptArguments(params); err != nil {
		return GetPromptResult{}, err
	}

	var result GetPromptResult
	if err := c.call(ctx, MethodPromptsGet, params, &result); err != nil {
		return GetPromptResult{}, err
	}
	return result, nil
}

func (c *Coordinator) validatePromptArguments(params GetPromptParams) error {
	c.promptsMu.Lock()
	args, known := c.promptArgs[params.Name]
	c.promptsMu.Unlock()
	if !known {
		return nil
	}

	for _, arg := range args {
		if !arg.Required {
			continue
		}
		if _, ok := params.Arguments[arg.Name]; !ok {
			return &PromptArgumentError{Prompt: params.Name, Argument: arg.Name}
		}
	}
	return nil
}

// Complete requests completion suggestions for a prompt or resource template
// argument. It fails with CompletionNotAvailableError when the server did not
// advertise the completions capability.
func (c *Coordinator) Complete(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error) {
	if !c.serverCapabilities.Completion() {
		return CompletionResult{}, &CompletionNotAvailableError{}
	}

	var result CompletionResult
	if err := c.call(ctx, MethodCompletionComplete, params, &result); err != nil {
		return CompletionResult{}, err
	}
	return result, nil
}

// SetLogLevel configures the minimum severity level of server log messages.
func (c *Coordinator) SetLogLevel(ctx context.Context, level LogLevel) error {
	if !c.serverCapabilities.LoggingSupported() {
		return errors.New("logging not supported by server")
	}
	return c.call(ctx, MethodLoggingSetLevel, LogParams{Level: level}, nil)
}

// processResult implements transportHandler. Responses pass through unchanged
// so the transport unparks the matching pending entry; notifications and
// server-initiated requests are routed here and nil is returned.
func (c *Coordinator) processResult(res *Result) *Result {
	switch {
	case res.IsResponse():
		return res
	case res.IsRequest():
		c.processRequest(res)
		return nil
	case res.IsNotification():
		c.processNotification(res)
		return nil
	default:
		c.logger.Debug("dropping malformed message", "id", string(res.ID), "method", res.Method)
		return nil
	}
}

// processNotification implements transportHandler. Watchers run inline on the
// reader's dispatch path and must not block; heavier work belongs in the
// watcher's own queue.
func (c *Coordinator) processNotification(res *Result) {
	switch res.Method {
	case methodNotificationsPromptsListChanged:
		if c.promptListWatcher == nil {
			c.logger.Debug("no watcher for notification", "method", res.Method)
			return
		}
		c.promptListWatcher.OnPromptListChanged()
	case methodNotificationsResourcesListChanged:
		if c.resourceListWatcher == nil {
			c.logger.Debug("no watcher for notification", "method", res.Method)
			return
		}
		c.resourceListWatcher.OnResourceListChanged()
	case methodNotificationsResourcesUpdated:
		if c.resourceSubscribedWatcher == nil {
			c.logger.Debug("no watcher for notification", "method", res.Method)
			return
		}
		var params SubscribeResourceParams
		if err := json.Unmarshal(res.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal resources updated params", "err", err)
			return
		}
		c.resourceSubscribedWatcher.OnResourceSubscribedChanged(params.URI)
	case methodNotificationsToolsListChanged:
		if c.toolListWatcher == nil {
			c.logger.Debug("no watcher for notification", "method", res.Method)
			return
		}
		c.toolListWatcher.OnToolListChanged()
	case methodNotificationsProgress:
		if c.progressListener == nil {
			c.logger.Debug("no listener for notification", "method", res.Method)
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(res.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal progress params", "err", err)
			return
		}
		c.progressListener.OnProgress(params)
	case methodNotificationsMessage:
		if c.logReceiver == nil {
			c.logger.Debug("no receiver for notification", "method", res.Method)
			return
		}
		var params LogParams
		if err := json.Unmarshal(res.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal log params", "err", err)
			return
		}
		c.logReceiver.OnLog(params)
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(res.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal cancelled params", "err", err)
			return
		}
		c.cancelServerRequest(params.RequestID)
	default:
		c.logger.Debug("unhandled notification", "method", res.Method)
	}
}

// processRequest implements transportHandler. Ping is answered synchronously
// and never touches the pending table; the other handlers run on their own
// goroutines so the reader loop stays free.
func (c *Coordinator) processRequest(res *Result) {
	switch res.Method {
	case methodPing:
		c.pingResponse(res.ID)
	case MethodRootsList:
		go c.handleListRoots(res)
	case MethodSamplingCreateMessage:
		go c.handleSampling(res)
	default:
		c.logger.Error("unknown server request", "err", &UnknownRequestError{Method: res.Method})
		c.sendError(res.ID, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method %q not found", res.Method),
		})
	}
}

// pingResponse implements transportHandler: replies {id, result: {}} without
// waiting.
func (c *Coordinator) pingResponse(id MustString) {
	if _, err := c.transport.Send(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage("{}"),
	}, false, false); err != nil {
		c.logger.Error("failed to respond to ping", "err", err)
	}
}

// registerCancel creates the cancellable context a server-initiated request
// handler runs under, keyed by the request id so notifications/cancelled can
// abort it.
func (c *Coordinator) registerCancel(id string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelMu.Lock()
	c.cancels[id] = cancel
	c.cancelMu.Unlock()

	return ctx, func() {
		c.cancelMu.Lock()
		delete(c.cancels, id)
		c.cancelMu.Unlock()
		cancel()
	}
}

func (c *Coordinator) cancelServerRequest(id string) {
	c.cancelMu.Lock()
	cancel, ok := c.cancels[id]
	if ok {
		delete(c.cancels, id)
	}
	c.cancelMu.Unlock()

	if ok {
		cancel()
	}
}

func (c *Coordinator) handleListRoots(res *Result) {
	if c.rootsListHandler == nil {
		return
	}

	ctx, done := c.registerCancel(string(res.ID))
	defer done()

	roots, err := c.rootsListHandler.RootsList(ctx)
	if err != nil {
		c.logger.Error("failed to list roots", "err", err)
		c.sendError(res.ID, JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()})
		return
	}
	c.sendResult(res.ID, roots)
}

func (c *Coordinator) handleSampling(res *Result) {
	if c.samplingHandler == nil {
		return
	}

	var params SamplingParams
	if err := json.Unmarshal(res.Params, &params); err != nil {
		c.logger.Error("failed to unmarshal sampling params", "err", err)
		c.sendError(res.ID, JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: err.Error()})
		return
	}

	ctx, done := c.registerCancel(string(res.ID))
	defer done()

	result, err := c.samplingHandler.CreateSampleMessage(ctx, params)
	if err != nil {
		c.logger.Error("failed to create sample message", "err", err)
		c.sendError(res.ID, JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()})
		return
	}
	c.sendResult(res.ID, result)
}

func (c *Coordinator) sendNotification(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	if _, err := c.transport.Send(ctx, msg, false, false); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func (c *Coordinator) sendResult(id MustString, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("failed to marshal result", "err", err)
		return
	}

	if _, err := c.transport.Send(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}, false, false); err != nil {
		c.logger.Error("failed to send result", "err", err)
	}
}

func (c *Coordinator) sendError(id MustString, rpcErr JSONRPCError) {
	if _, err := c.transport.Send(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	}, false, false); err != nil {
		c.logger.Error("failed to send error response", "err", err)
	}
}
