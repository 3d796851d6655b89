// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-adapter/internal/recovery"
	"github.com/jeranaias/rigrun-adapter/internal/service"
)

const historyFileName = "chat_history"

func newChatCommand(a *app) *cobra.Command {
	var opts service.ChatOptions
	var temperature float64

	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send a message, or start a line-by-line chat",
		Long: `With arguments, send one message and print the reply. Without arguments,
read messages line by line until EOF or /quit.

Lines starting with / are commands:
  /new    start a new conversation
  /quit   exit

Examples:
  rigrun-adapter chat "What is 2+2?"
  rigrun-adapter chat --system "Answer tersely." --model gpt-4o
  rigrun-adapter chat --conversation <id> "And then?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if cmd.Flags().Changed("temperature") {
				opts.Temperature = &temperature
			}

			ctx := cmd.Context()
			svc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Destroy()

			if len(args) > 0 {
				_, err := a.sendMessage(ctx, svc, strings.Join(args, " "), &opts)
				return err
			}

			reader := a.newLineReader(a.store.Dir())
			defer reader.Close()
			return a.chatLoop(ctx, svc, reader, &opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.ConversationID, "conversation", "c", "", "continue an existing conversation")
	flags.StringVarP(&opts.Model, "model", "m", "", "model for new conversations")
	flags.StringVar(&opts.SystemPrompt, "system", "", "system prompt for new conversations")
	flags.StringVar(&opts.Title, "title", "", "title for new conversations")
	flags.IntVar(&opts.MaxTokens, "max-tokens", 0, "completion token limit")
	flags.Float64Var(&temperature, "temperature", 0, "sampling temperature")
	return cmd
}

// sendMessage runs one chat turn and prints the reply. The conversation id
// of the reply is stored back into opts so later turns continue it.
func (a *app) sendMessage(ctx context.Context, svc *service.Service, text string, opts *service.ChatOptions) (*service.ChatResponse, error) {
	resp, err := svc.Chat(ctx, text, *opts)
	if err != nil {
		if a.jsonOutput {
			_ = NewJSONErrorResponse("chat", err).Print(a.stdout)
		}
		return nil, describeError(err)
	}
	opts.ConversationID = resp.ConversationID

	if a.jsonOutput {
		return resp, NewJSONResponse("chat", resp).Print(a.stdout)
	}
	fmt.Fprintln(a.stdout, resp.Message.Content)
	return resp, nil
}

func (a *app) chatLoop(ctx context.Context, svc *service.Service, reader lineReader, opts *service.ChatOptions) error {
	for {
		line, err := reader.ReadLine("> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			opts.ConversationID = ""
			fmt.Fprintln(a.stderr, "Started a new conversation.")
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(a.stderr, "Unknown command %s (try /new or /quit)\n", line)
			continue
		}

		if _, err := a.sendMessage(ctx, svc, line, opts); err != nil {
			fmt.Fprintln(a.stderr, "Error:", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// describeError adds the suggested next step to a classified error.
func describeError(err error) error {
	var rerr *recovery.Error
	if !errors.As(err, &rerr) || len(rerr.Actions) == 0 {
		return err
	}
	return fmt.Errorf("%w (%s)", err, rerr.Actions[0].Description)
}

// =============================================================================
// LINE INPUT
// =============================================================================

// lineReader reads one line of input per prompt.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// newLineReader uses liner with persistent history on a terminal and a
// plain scanner otherwise.
func (a *app) newLineReader(historyDir string) lineReader {
	if f, ok := a.stdin.(*os.File); ok && f == os.Stdin && IsTTY() {
		return newLinerReader(filepath.Join(historyDir, historyFileName))
	}
	return &scanReader{scanner: bufio.NewScanner(a.stdin)}
}

type linerReader struct {
	line        *liner.State
	historyFile string
}

func newLinerReader(historyFile string) *linerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return &linerReader{line: line, historyFile: historyFile}
}

func (r *linerReader) ReadLine(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *linerReader) Close() error {
	if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
		r.line.WriteHistory(f)
		f.Close()
	}
	return r.line.Close()
}

type scanReader struct {
	scanner *bufio.Scanner
}

func (r *scanReader) ReadLine(string) (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *scanReader) Close() error { return nil }
