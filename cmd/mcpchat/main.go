// Command mcpchat is a terminal chat with Gemini that can call the tools of
// the MCP servers listed in a servers file.
//
//	GEMINI_API_KEY=... go run ./cmd/mcpchat -servers servers.yaml
//
// Lines starting with a slash are commands: /tools lists the advertised
// tools, /servers shows connection states, /reset clears the conversation,
// /quit exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/chat"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/config"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpmgr"
)

func main() {
	serversPath := flag.String("servers", "", "servers file (defaults to MCPBRIDGE_SERVERS_FILE)")
	verbose := flag.Bool("v", false, "log to stderr at the configured level")
	flag.Parse()

	if err := run(*serversPath, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(serversPath string, verbose bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		if logger, err = cfg.NewLogger(os.Stderr); err != nil {
			return err
		}
	}
	if serversPath == "" {
		serversPath = cfg.ServersFile
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	manager := mcpmgr.NewManager(nil, cfg.ManagerOptions(logger))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.DisconnectAll(shutdownCtx)
	}()
	if serversPath != "" {
		if err := connectAll(ctx, manager, serversPath); err != nil {
			return err
		}
	}

	newChat, err := cfg.ChatFactory(ctx, manager, logger)
	if err != nil {
		return err
	}
	if newChat == nil {
		return fmt.Errorf("GEMINI_API_KEY is not set")
	}
	session := newChat()

	fmt.Printf("Models: %s\n", strings.Join(cfg.Models, ", "))
	fmt.Printf("Tools:  %d\n", len(manager.Cache().ConnectedTools()))
	fmt.Println(strings.Repeat("-", 60))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/reset":
			session.Reset()
			fmt.Println("(conversation cleared)")
			continue
		case line == "/tools":
			for _, t := range manager.Cache().ConnectedTools() {
				fmt.Printf("  %s  [%s]  %s\n", t.Tool.Name, t.ServerID, t.Tool.Description)
			}
			continue
		case line == "/servers":
			for _, s := range manager.Servers() {
				fmt.Printf("  %s  %s  %s  connected=%t %s\n", s.Descriptor.ID, s.Descriptor.DisplayName(), target(s.Descriptor), s.State.Connected, s.State.LastError)
			}
			continue
		}

		reply, err := session.Send(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("! %v\n", err)
			continue
		}
		printReply(reply)
	}
}

func connectAll(ctx context.Context, manager *mcpmgr.Manager, path string) error {
	specs, err := config.LoadServers(path)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		desc, err := manager.RegisterServer(ctx, spec)
		if err != nil {
			return err
		}
		if err := manager.ConnectServer(ctx, desc.ID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			continue
		}
		fmt.Printf("Connected to %s\n", desc.DisplayName())
	}
	return nil
}

func printReply(reply *chat.Reply) {
	for _, o := range reply.ToolOutcomes {
		status := "ok"
		if o.Err != nil || (o.Result != nil && o.Result.IsError) {
			status = "error"
		}
		fmt.Printf("  [tool %s on %s: %s]\n", o.Invocation.Name, o.Invocation.ServerID, status)
	}
	fmt.Println(reply.Text)
	if reply.ToolRoundsExhausted {
		fmt.Println("  [tool round limit reached]")
	}
	fmt.Printf("  (%s)\n", reply.Model)
}

func target(desc mcpmgr.ServerDescriptor) string {
	if proc, ok := mcpmgr.AsProcess(desc.Transport); ok {
		return strings.TrimSpace(proc.Command + " " + strings.Join(proc.Args, " "))
	}
	return mcpmgr.EndpointOf(desc.Transport)
}
