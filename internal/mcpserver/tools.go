package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentmesh/agentmesh/internal/apperr"
	"github.com/agentmesh/agentmesh/internal/channel"
	"github.com/agentmesh/agentmesh/internal/logger"
	"github.com/agentmesh/agentmesh/internal/messaging"
	"github.com/agentmesh/agentmesh/internal/pagination"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/workqueue"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("handle_set",
			mcp.WithDescription("Set this agent's own display handle, shown to other agents in channel messages and discovery."),
			mcp.WithString("handle", mcp.Required(), mcp.Description("The new handle")),
		),
		handleSetHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("handle_get",
			mcp.WithDescription("Get this agent's own current display handle."),
		),
		handleGetHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("channels_list",
			mcp.WithDescription("List every known channel and its description."),
		),
		channelsListHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("channels_send",
			mcp.WithDescription("Publish a message to a channel, auto-creating it on first use."),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name, lowercase kebab-case")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Message body")),
		),
		channelsSendHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("channels_read",
			mcp.WithDescription("Read a newest-first window of messages from a channel."),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name")),
			mcp.WithNumber("limit", mcp.Description("Max messages to return (default/max configured per deployment)")),
			mcp.WithString("cursor", mcp.Description("Opaque pagination cursor from a previous call")),
		),
		channelsReadHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("channels_status",
			mcp.WithDescription("Report stream metadata for one channel, or every known channel if omitted, without consuming anything."),
			mcp.WithString("channel", mcp.Description("Channel name; omit for all known channels")),
		),
		channelsStatusHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("registry_register",
			mcp.WithDescription("Register (or refresh) this agent's own presence record. Idempotent on this agent's identity."),
			mcp.WithString("agent_type", mcp.Required(), mcp.Description("Agent type, e.g. 'dev', 'reviewer', 'pm'")),
			mcp.WithArray("capabilities", mcp.Description("Capabilities this agent can claim work for")),
			mcp.WithString("visibility", mcp.Description("private | project-only | user-only | public (default project-only)")),
			mcp.WithString("handle", mcp.Description("Display handle; auto-generated if omitted")),
		),
		registryRegisterHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("registry_discover",
			mcp.WithDescription("List visible agent records, optionally filtered by type/capability/status/hostname."),
			mcp.WithString("agent_type", mcp.Description("Filter by agent type")),
			mcp.WithString("capability", mcp.Description("Filter by capability")),
			mcp.WithString("status", mcp.Description("Filter by status: online | busy | offline")),
			mcp.WithString("hostname", mcp.Description("Filter by hostname")),
			mcp.WithNumber("limit", mcp.Description("Max records to return")),
			mcp.WithString("cursor", mcp.Description("Opaque pagination cursor from a previous call")),
		),
		registryDiscoverHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("registry_get_info",
			mcp.WithDescription("Fetch a single agent record by id, subject to its visibility."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Target agent id")),
		),
		registryGetInfoHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("registry_update_presence",
			mcp.WithDescription("Update this agent's own status and/or current task count."),
			mcp.WithString("status", mcp.Description("online | busy | offline")),
			mcp.WithNumber("current_task_count", mcp.Description("Current number of in-flight tasks")),
		),
		registryUpdatePresenceHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("registry_deregister",
			mcp.WithDescription("Remove this agent's own presence record."),
		),
		registryDeregisterHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("messages_send_direct",
			mcp.WithDescription("Send a direct message to another agent's inbox. The recipient need not be online."),
			mcp.WithString("recipient_agent_id", mcp.Required(), mcp.Description("Recipient agent id")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Message body")),
			mcp.WithString("message_type", mcp.Description("Free-form message type tag, e.g. 'question', 'handoff' (default 'text')")),
			mcp.WithObject("metadata", mcp.Description("Arbitrary structured metadata")),
		),
		messagesSendDirectHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("messages_read_direct",
			mcp.WithDescription("Read pending messages from this agent's own inbox. Every delivered message is consumed even if filtered out."),
			mcp.WithNumber("limit", mcp.Description("Max messages to fetch")),
			mcp.WithString("message_type", mcp.Description("Only return messages of this type (still consumes non-matching ones)")),
			mcp.WithString("sender_agent_id", mcp.Description("Only return messages from this sender (still consumes non-matching ones)")),
			mcp.WithString("cursor", mcp.Description("Accepted for symmetry with other list tools; reads are consume-once and always fetch the next pending batch")),
		),
		messagesReadDirectHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("work_broadcast",
			mcp.WithDescription("Broadcast a new work item to every agent capable of claiming it."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Caller-supplied task identifier")),
			mcp.WithString("description", mcp.Required(), mcp.Description("Human-readable description of the work")),
			mcp.WithString("required_capability", mcp.Required(), mcp.Description("Capability required to claim this item")),
			mcp.WithNumber("priority", mcp.Description("1 (lowest) to 10 (highest); default 5")),
			mcp.WithString("deadline", mcp.Description("RFC3339 deadline")),
			mcp.WithObject("context_data", mcp.Description("Arbitrary structured context for the claimant")),
			mcp.WithString("scope", mcp.Description("Free-form scope tag")),
		),
		workBroadcastHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("work_list",
			mcp.WithDescription("Preview pending items in a capability's work queue without claiming anything."),
			mcp.WithString("capability", mcp.Required(), mcp.Description("Capability to preview")),
			mcp.WithNumber("min_priority", mcp.Description("Only items at or above this priority")),
			mcp.WithNumber("max_priority", mcp.Description("Only items at or below this priority")),
			mcp.WithString("deadline_before", mcp.Description("RFC3339; only items due before this time")),
			mcp.WithString("deadline_after", mcp.Description("RFC3339; only items due after this time")),
			mcp.WithNumber("limit", mcp.Description("Max items to return")),
		),
		workListHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("work_claim",
			mcp.WithDescription("Claim one item from a capability's work queue, waiting up to timeout_ms for one to become available."),
			mcp.WithString("capability", mcp.Required(), mcp.Description("Capability to claim for")),
			mcp.WithNumber("timeout_ms", mcp.Description("How long to wait for an item, 1000-60000ms")),
		),
		workClaimHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("work_queue_status",
			mcp.WithDescription("Report pending item counts for one capability, or every capability this process has touched."),
			mcp.WithString("capability", mcp.Description("Capability to report on; omit for all known capabilities")),
		),
		workQueueStatusHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("dlq_list",
			mcp.WithDescription("List dead-lettered work items, newest-failure-first."),
			mcp.WithString("capability", mcp.Description("Filter by originating capability")),
			mcp.WithNumber("limit", mcp.Description("Max entries to return")),
			mcp.WithString("cursor", mcp.Description("Opaque pagination cursor from a previous call")),
		),
		dlqListHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("dlq_retry",
			mcp.WithDescription("Re-publish a dead-lettered item to its originating capability queue and remove it from the DLQ."),
			mcp.WithString("item_id", mcp.Required(), mcp.Description("The work item's original id")),
			mcp.WithBoolean("reset_attempts", mcp.Description("Zero the item's attempt count before republishing")),
		),
		dlqRetryHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("dlq_discard",
			mcp.WithDescription("Remove a dead-lettered item without re-publishing it."),
			mcp.WithString("item_id", mcp.Required(), mcp.Description("The work item's original id")),
		),
		dlqDiscardHandler(deps),
	)

	log.Info("registered MCP tools", zap.Int("count", 20))
}

// errResult renders a typed application error as a structured, tool-
// level error result: a stable machine-readable code plus a message
// that never includes the wrapped broker-internal error, per the
// no-internals-leak policy on this tool surface.
func errResult(err error) *mcp.CallToolResult {
	code := apperr.CodeInternal
	message := err.Error()
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}
	body, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
	return mcp.NewToolResultError(string(body))
}

func okResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(apperr.Internal("encoding tool result", err))
	}
	return mcp.NewToolResultText(string(data))
}

func intArg(req mcp.CallToolRequest, key string, def int) int {
	args := req.GetArguments()
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return int(i)
		}
	}
	return def
}

func boolArg(req mcp.CallToolRequest, key string, def bool) bool {
	args := req.GetArguments()
	if b, ok := args[key].(bool); ok {
		return b
	}
	return def
}

func mapArg(req mcp.CallToolRequest, key string) map[string]interface{} {
	args := req.GetArguments()
	if m, ok := args[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	args := req.GetArguments()
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func timeArg(req mcp.CallToolRequest, key string) (*time.Time, error) {
	s := req.GetString(key, "")
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, apperr.InvalidArgument(fmt.Sprintf("%s must be RFC3339, got %q", key, s))
	}
	return &t, nil
}

// selfRecord fetches the calling process's own registry record,
// translating a not-yet-registered caller into apperr.NotRegistered.
func selfRecord(ctx context.Context, reg *registry.Registry) (*registry.Record, error) {
	rec, err := reg.GetInfo(ctx, reg.Self().AgentID)
	if err != nil {
		if apperr.Code(err) == apperr.CodeNotFound {
			return nil, apperr.NotRegistered(reg.Self().AgentID)
		}
		return nil, err
	}
	return rec, nil
}

func handleSetHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		handle, err := req.RequireString("handle")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		rec, err := deps.Registry.SetHandle(ctx, handle)
		if err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]string{"handle": rec.Handle, "agent_id": rec.AgentID}), nil
	}
}

func handleGetHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rec, err := selfRecord(ctx, deps.Registry)
		if err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]string{"handle": rec.Handle, "agent_id": rec.AgentID}), nil
	}
}

func channelsListHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return okResult(map[string]interface{}{"channels": deps.Channels.List()}), nil
	}
}

func channelsSendHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		channelName, err := req.RequireString("channel")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		rec, err := selfRecord(ctx, deps.Registry)
		if err != nil {
			return errResult(err), nil
		}
		seq, ts, err := deps.Channels.Send(ctx, channelName, rec.AgentID, rec.Handle, message)
		if err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]interface{}{"seq": seq, "timestamp": ts}), nil
	}
}

func channelsReadHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		channelName, err := req.RequireString("channel")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		limit := intArg(req, "limit", 0)
		cursor := req.GetString("cursor", "")
		filterMap := map[string]string{"channel": channelName}

		page, err := pagination.Resolve(cursor, limit, deps.DefaultPageLimit, deps.MaxPageLimit, filterMap)
		if err != nil {
			return errResult(err), nil
		}

		messages, total, err := deps.Channels.Read(ctx, channelName, page)
		if err != nil {
			return errResult(err), nil
		}

		meta := pagination.BuildMeta(page, len(messages), filterMap)
		return okResult(map[string]interface{}{
			"messages":    messages,
			"total":       total,
			"next_cursor": meta.NextCursor,
			"has_more":    meta.HasMore,
		}), nil
	}
}

func channelsStatusHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		channelName := req.GetString("channel", "")
		if channelName != "" {
			st, err := deps.Channels.Status(ctx, channelName)
			if err != nil {
				return errResult(err), nil
			}
			return okResult(map[string]interface{}{"channels": []*channel.Status{st}}), nil
		}
		statuses, err := deps.Channels.StatusAll(ctx)
		if err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]interface{}{"channels": statuses}), nil
	}
}

func registryRegisterHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentType, err := req.RequireString("agent_type")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		rec, err := deps.Registry.Register(ctx, registry.RegisterRequest{
			AgentType:    agentType,
			Capabilities: stringSliceArg(req, "capabilities"),
			Visibility:   registry.Visibility(req.GetString("visibility", "")),
			Handle:       req.GetString("handle", ""),
		})
		if err != nil {
			return errResult(err), nil
		}
		return okResult(rec), nil
	}
}

func registryDiscoverHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filters := registry.DiscoverFilters{
			AgentType:  req.GetString("agent_type", ""),
			Capability: req.GetString("capability", ""),
			Status:     registry.Status(req.GetString("status", "")),
			Hostname:   req.GetString("hostname", ""),
		}
		limit := intArg(req, "limit", 0)
		cursor := req.GetString("cursor", "")
		filterMap := filters.FilterMap()

		page, err := pagination.Resolve(cursor, limit, deps.DefaultPageLimit, deps.MaxPageLimit, filterMap)
		if err != nil {
			return errResult(err), nil
		}

		records, total, err := deps.Registry.Discover(ctx, filters, page)
		if err != nil {
			return errResult(err), nil
		}

		meta := pagination.BuildMeta(page, len(records), filterMap)
		return okResult(map[string]interface{}{
			"records":     records,
			"total":       total,
			"next_cursor": meta.NextCursor,
			"has_more":    meta.HasMore,
		}), nil
	}
}

func registryGetInfoHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		rec, err := deps.Registry.GetInfo(ctx, agentID)
		if err != nil {
			return errResult(err), nil
		}
		return okResult(rec), nil
	}
}

func registryUpdatePresenceHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		update := registry.UpdatePresenceRequest{
			Status: registry.Status(req.GetString("status", "")),
		}
		args := req.GetArguments()
		if _, ok := args["current_task_count"]; ok {
			count := intArg(req, "current_task_count", 0)
			update.CurrentTaskCount = &count
		}
		rec, err := deps.Registry.UpdatePresence(ctx, update)
		if err != nil {
			return errResult(err), nil
		}
		return okResult(rec), nil
	}
}

func registryDeregisterHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Registry.Deregister(ctx); err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]bool{"deregistered": true}), nil
	}
}

func messagesSendDirectHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		recipient, err := req.RequireString("recipient_agent_id")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		selfID := deps.Registry.Self().AgentID
		messageType := req.GetString("message_type", "")
		if err := deps.Messaging.SendDirect(ctx, selfID, recipient, messageType, message, mapArg(req, "metadata")); err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]interface{}{"delivered": true, "recipient_agent_id": recipient}), nil
	}
}

func messagesReadDirectHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := intArg(req, "limit", 0)
		if limit <= 0 {
			limit = deps.DefaultPageLimit
		}
		if limit > deps.MaxPageLimit {
			limit = deps.MaxPageLimit
		}
		filters := messaging.ReadFilters{
			MessageType:   req.GetString("message_type", ""),
			SenderAgentID: req.GetString("sender_agent_id", ""),
		}
		selfID := deps.Registry.Self().AgentID
		messages, hasMore, err := deps.Messaging.ReadDirect(ctx, selfID, limit, filters)
		if err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]interface{}{
			"messages": messages,
			"has_more": hasMore,
		}), nil
	}
}

func workBroadcastHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		capability, err := req.RequireString("required_capability")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		deadline, err := timeArg(req, "deadline")
		if err != nil {
			return errResult(err), nil
		}

		item, err := deps.WorkQueue.Broadcast(ctx, workqueue.BroadcastRequest{
			ID:                 uuid.NewString(),
			TaskID:             taskID,
			Description:        description,
			RequiredCapability: capability,
			Priority:           intArg(req, "priority", 0),
			Deadline:           deadline,
			ContextData:        mapArg(req, "context_data"),
			Scope:              req.GetString("scope", ""),
		})
		if err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]string{"work_item_id": item.ID}), nil
	}
}

func workListHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		capability, err := req.RequireString("capability")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		limit := intArg(req, "limit", 0)
		if limit <= 0 {
			limit = deps.DefaultPageLimit
		}
		if limit > deps.MaxPageLimit {
			limit = deps.MaxPageLimit
		}
		deadlineBefore, err := timeArg(req, "deadline_before")
		if err != nil {
			return errResult(err), nil
		}
		deadlineAfter, err := timeArg(req, "deadline_after")
		if err != nil {
			return errResult(err), nil
		}

		items, total, err := deps.WorkQueue.List(ctx, capability, limit, workqueue.ListFilters{
			MinPriority:    intArg(req, "min_priority", 0),
			MaxPriority:    intArg(req, "max_priority", 0),
			DeadlineBefore: deadlineBefore,
			DeadlineAfter:  deadlineAfter,
		})
		if err != nil {
			return errResult(err), nil
		}

		return okResult(map[string]interface{}{
			"items":     items,
			"total":     total,
			"truncated": total > len(items),
		}), nil
	}
}

func workClaimHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		capability, err := req.RequireString("capability")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		timeout := deps.DefaultClaimTimeout
		if ms := intArg(req, "timeout_ms", 0); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}

		item, err := deps.WorkQueue.Claim(ctx, capability, timeout)
		if err != nil {
			if apperr.Is(err, apperr.CodeNoWorkAvailable) {
				return okResult(map[string]interface{}{"available": false, "capability": capability}), nil
			}
			return errResult(err), nil
		}
		return okResult(map[string]interface{}{"available": true, "item": item}), nil
	}
}

func workQueueStatusHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		capability := req.GetString("capability", "")
		if capability != "" {
			st, err := deps.WorkQueue.Status(ctx, capability)
			if err != nil {
				return errResult(err), nil
			}
			return okResult(map[string]interface{}{"queues": []*workqueue.QueueStatus{st}}), nil
		}

		var queues []*workqueue.QueueStatus
		for _, knownCapability := range deps.WorkQueue.Capabilities() {
			st, err := deps.WorkQueue.Status(ctx, knownCapability)
			if err != nil {
				return errResult(err), nil
			}
			if st.PendingItems == 0 {
				continue
			}
			queues = append(queues, st)
		}
		sort.Slice(queues, func(i, j int) bool {
			return queues[i].PendingItems > queues[j].PendingItems
		})
		return okResult(map[string]interface{}{"queues": queues}), nil
	}
}

func dlqListHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		capability := req.GetString("capability", "")
		filterMap := map[string]string{}
		if capability != "" {
			filterMap["capability"] = capability
		}
		limit := intArg(req, "limit", 0)
		cursor := req.GetString("cursor", "")

		page, err := pagination.Resolve(cursor, limit, deps.DefaultPageLimit, deps.MaxPageLimit, filterMap)
		if err != nil {
			return errResult(err), nil
		}

		entries, total, err := deps.DLQ.List(ctx, workqueue.ListDLQFilters{Capability: capability}, page.Offset, page.Limit)
		if err != nil {
			return errResult(err), nil
		}

		meta := pagination.BuildMeta(page, len(entries), filterMap)
		return okResult(map[string]interface{}{
			"entries":     entries,
			"total":       total,
			"next_cursor": meta.NextCursor,
			"has_more":    meta.HasMore,
		}), nil
	}
}

func dlqRetryHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("item_id")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		item, err := deps.DLQ.Retry(ctx, deps.WorkQueue, itemID, boolArg(req, "reset_attempts", false))
		if err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]interface{}{"requeued": true, "item": item}), nil
	}
}

func dlqDiscardHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("item_id")
		if err != nil {
			return errResult(apperr.InvalidArgument(err.Error())), nil
		}
		if err := deps.DLQ.Discard(ctx, itemID); err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]bool{"discarded": true}), nil
	}
}
