// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/rigrun-adapter/internal/cloud"
	"github.com/jeranaias/rigrun-adapter/internal/config"
	"github.com/jeranaias/rigrun-adapter/internal/event"
	"github.com/jeranaias/rigrun-adapter/internal/recovery"
	"github.com/jeranaias/rigrun-adapter/internal/session"
	"github.com/jeranaias/rigrun-adapter/internal/storage"
)

// ChatOptions tunes a single Chat call. Zero values fall back to the
// configuration.
type ChatOptions struct {
	// ConversationID continues an existing conversation. Empty starts a new one.
	ConversationID string
	// SystemPrompt is injected only into an empty conversation.
	SystemPrompt string
	Title        string
	Model        string
	Temperature  *float64
	MaxTokens    int
}

// ChatResponse is the normalised result of a chat turn.
type ChatResponse struct {
	ConversationID string
	Message        cloud.ChatMessage
	Usage          cloud.Usage
	FinishReason   string
	Model          string
}

// Chat sends text in a conversation and returns the assistant's reply.
//
// A retryable failure with an automatic recovery action is retried once
// after the configured retry delay. On final failure the user turn is
// removed again and a *recovery.Error is returned.
func (s *Service) Chat(ctx context.Context, text string, opts ChatOptions) (*ChatResponse, error) {
	cfg, client, sessions, archive, err := s.components()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return nil, ErrEmptyMessage
	}

	conv, created, err := s.resolveConversation(cfg, sessions, opts)
	if err != nil {
		return nil, s.chatFailed(err, opts.ConversationID)
	}
	s.hub.Emit(event.ChatStart, map[string]any{"conversation_id": conv.ID, "new": created})

	prev := conv.Clone()
	now := s.now()
	prompt := opts.SystemPrompt
	if prompt == "" {
		prompt = cfg.SystemPrompt
	}
	if prompt != "" && conv.Len() == 0 {
		conv.Append(cloud.RoleSystem, prompt, now)
	}
	conv.Append(cloud.RoleUser, text, now)
	if conv.Title == "" {
		conv.Title = storage.Title(conv.Messages)
	}
	if err := sessions.UpdateConversation(conv); err != nil {
		return nil, s.chatFailed(err, conv.ID)
	}

	req := buildRequest(cfg, conv, opts)
	resp, err := s.complete(ctx, cfg, client, req, conv.ID)
	if err != nil {
		s.rollback(sessions, prev, created)
		s.usage.recordError()
		return nil, s.chatFailed(err, conv.ID)
	}

	reply := resp.Choices[0].Message
	conv.Append(cloud.RoleAssistant, reply.Content, s.now())
	conv.TotalTokens += resp.Usage.TotalTokens
	if resp.Model != "" {
		conv.Model = resp.Model
	}
	if err := sessions.UpdateConversation(conv); err != nil {
		return nil, s.chatFailed(err, conv.ID)
	}
	s.usage.record(resp.Usage)

	if archive != nil {
		if err := archive.Save(ctx, conv); err != nil {
			s.logger.Warn("failed to archive conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}

	s.hub.Emit(event.ChatSuccess, map[string]any{
		"conversation_id": conv.ID,
		"tokens":          resp.Usage.TotalTokens,
		"finish_reason":   resp.FinishReason(),
	})
	return &ChatResponse{
		ConversationID: conv.ID,
		Message:        reply,
		Usage:          resp.Usage,
		FinishReason:   resp.FinishReason(),
		Model:          resp.Model,
	}, nil
}

func (s *Service) resolveConversation(cfg *config.Config, sessions *session.Manager, opts ChatOptions) (*session.Conversation, bool, error) {
	if opts.ConversationID != "" {
		conv, err := sessions.Conversation(opts.ConversationID)
		return conv, false, err
	}
	model := opts.Model
	if model == "" {
		model = cfg.Model
	}
	conv, err := sessions.AddConversation(session.NewConversation(opts.Title, model))
	return conv, true, err
}

// complete calls the completion endpoint, retrying once when the failure
// is retryable and has an automatic recovery action.
func (s *Service) complete(ctx context.Context, cfg *config.Config, client *cloud.Client, req cloud.ChatRequest, convID string) (*cloud.ChatResponse, error) {
	resp, err := client.ChatCompletion(ctx, req)
	if err == nil {
		return resp, nil
	}

	rerr := s.recovery.Classify(err, map[string]any{"op": "chat", "conversation_id": convID, "attempt": 1})
	if !rerr.ShouldRetry() {
		return nil, rerr
	}

	delay := cfg.RetryDelay()
	s.logger.Info("retrying chat",
		zap.String("conversation_id", convID),
		zap.String("kind", string(rerr.Kind)),
		zap.Duration("delay", delay))
	s.hub.Emit(event.ChatRetry, map[string]any{"conversation_id": convID, "kind": string(rerr.Kind), "delay": delay})
	if serr := s.sleep(ctx, delay); serr != nil {
		return nil, serr
	}
	return client.ChatCompletion(ctx, req)
}

func (s *Service) rollback(sessions *session.Manager, prev *session.Conversation, created bool) {
	var err error
	if created {
		_, err = sessions.DeleteConversation(prev.ID)
	} else {
		err = sessions.UpdateConversation(prev)
	}
	if err != nil {
		s.logger.Warn("failed to roll back conversation", zap.String("conversation_id", prev.ID), zap.Error(err))
	}
}

func (s *Service) chatFailed(err error, convID string) *recovery.Error {
	rerr := s.recovery.Classify(err, map[string]any{"op": "chat", "conversation_id": convID})
	s.hub.Emit(event.ChatError, map[string]any{
		"conversation_id": convID,
		"kind":            string(rerr.Kind),
		"retryable":       rerr.Retryable,
	})
	return rerr
}

func buildRequest(cfg *config.Config, conv *session.Conversation, opts ChatOptions) cloud.ChatRequest {
	msgs := make([]cloud.ChatMessage, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		msgs = append(msgs, cloud.ChatMessage{Role: m.Role, Content: m.Content})
	}

	gen := cfg.Generation
	req := cloud.ChatRequest{
		Model:            conv.Model,
		Messages:         msgs,
		Temperature:      gen.Temperature,
		TopP:             gen.TopP,
		MaxTokens:        gen.MaxTokens,
		FrequencyPenalty: gen.FrequencyPenalty,
		PresencePenalty:  gen.PresencePenalty,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if req.Model == "" {
		req.Model = cfg.Model
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	return req
}
