package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/effective-security/xchat/callbacks"
	"github.com/effective-security/xchat/chatmodel"
	"github.com/effective-security/xchat/engine"
	"github.com/effective-security/xchat/pkg/llmutils"
	"github.com/spf13/cobra"
)

var chatVerbose bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive terminal chat",
	Long: `chat runs a terminal conversation against the configured model and
tool servers. The session carries over between questions until /clear.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mode := callbacks.ModeDefault
		if chatVerbose {
			mode = callbacks.ModeVerbose
		}
		pad := callbacks.NewScratchpad(mode)
		fan := callbacks.NewFanout(pad)
		if chatVerbose {
			fan.Add(engine.NewPrinterCallback(cmd.OutOrStdout()))
		}
		if debug {
			fan.Add(engine.NewPackageLoggerCallback(logger))
		}

		eng, _, err := newEngine(ctx, engine.WithCallback(fan))
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		return runREPL(ctx, eng, pad, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "print engine events as they happen")
}

func runREPL(ctx context.Context, eng *engine.Engine, pad *callbacks.Scratchpad, in io.Reader, out io.Writer) error {
	for _, ci := range eng.Connections() {
		fmt.Fprintf(out, "server %s: %s, %d tool(s)\n", ci.ServerID, ci.State, ci.ToolCount)
	}
	fmt.Fprintln(out, "ask a question, or type /help for commands")

	var sessionID string
	var lastStats *callbacks.RunStats
	var lastTranscript []byte
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			printREPLHelp(out)
		case line == "/tools":
			for _, d := range eng.ListAvailableTools() {
				fmt.Fprintf(out, "%s (%s): %s\n", d.Name, d.ServerID, d.Description)
			}
		case line == "/history":
			if sessionID == "" {
				fmt.Fprintln(out, "no active session")
				continue
			}
			msgs, err := eng.GetHistory(ctx, sessionID)
			if err != nil {
				fmt.Fprintf(out, "error: %s\n", err)
				continue
			}
			llmutils.PrintMessages(out, msgs)
		case line == "/clear":
			if sessionID != "" {
				_, _ = eng.ClearSession(ctx, sessionID)
				sessionID = ""
			}
			fmt.Fprintln(out, "session cleared")
		case line == "/stats":
			if lastStats == nil {
				fmt.Fprintln(out, "no recorded run yet")
				continue
			}
			fmt.Fprintf(out, "last run: %d LLM call(s), %d tool call(s), %d token(s), %s\n",
				lastStats.LLMCalls, lastStats.ToolCalls, lastStats.LLMTotalTokens, lastStats.Duration)
			_, _ = out.Write(lastTranscript)
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(out, "unknown command %s, type /help\n", line)
		default:
			// The first question mints the session inside the engine, so run
			// recording starts once the session id is known.
			qctx := ctx
			if sessionID != "" {
				qctx = chatmodel.WithChatContext(ctx, chatmodel.NewChatContext(sessionID, nil))
				pad.StartRun(qctx)
			}
			reply, err := eng.ProcessQuery(qctx, sessionID, line)
			if sessionID != "" {
				lastStats, lastTranscript = pad.EndRun(qctx)
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(out, "error: %s\n", err)
				continue
			}
			sessionID = reply.SessionID
			fmt.Fprintln(out, reply.Answer.Response)
			if reply.Answer.HasChart() {
				fmt.Fprintln(out, "chart:")
				fmt.Fprintln(out, llmutils.JSONIndent(string(reply.Answer.Chart)))
			}
		}
	}
	return sc.Err()
}

func printREPLHelp(out io.Writer) {
	fmt.Fprintln(out, `commands:
  /tools    list the available tools
  /history  print the session transcript
  /stats    print the recorded transcript of the last question
  /clear    drop the session and start a new one
  /quit     exit`)
}
