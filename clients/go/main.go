// OpsFloor CLI - Command line client for the OpsFloor workspace.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsfloor-hq/opsfloor/clients/go/opsfloor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("OPSFLOOR_URL")
	agentID := os.Getenv("OPSFLOOR_AGENT")
	agentName := os.Getenv("OPSFLOOR_NAME")

	client := opsfloor.NewClient(baseURL, agentID, agentName)
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health()
		exitOnError(err)
		printJSON(resp)

	case "state":
		resp, err := client.State(20)
		exitOnError(err)
		for _, room := range resp.Rooms {
			fmt.Printf("== %s (%s)\n", room.Name, room.ID)
			for _, msg := range room.Messages {
				ts := time.UnixMilli(msg.Ts).Format("2006-01-02 15:04:05")
				fmt.Printf("[%s] %s: %s\n", ts, msg.SenderName, msg.Text)
			}
		}

	case "agents":
		resp, err := client.State(1)
		exitOnError(err)
		for _, a := range resp.Agents {
			task := a.CurrentTask
			if task == "" {
				task = "-"
			}
			fmt.Printf("  %-16s %-10s %s\n", a.Name, a.Status, task)
		}

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: opsfloor send <room> <text>")
			os.Exit(1)
		}
		resp, err := client.Send(os.Args[2], os.Args[3], nil)
		exitOnError(err)
		printJSON(resp)

	case "status":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: opsfloor status <status> [task]")
			os.Exit(1)
		}
		task := ""
		if len(os.Args) > 3 {
			task = os.Args[3]
		}
		exitOnError(client.UpdateStatus(os.Args[2], task))
		fmt.Println("ok")

	case "tail":
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		err := client.Tail(ctx, func(evt opsfloor.Event) {
			ts := time.UnixMilli(evt.Ts).Format("15:04:05")
			fmt.Printf("[%s] %-22s %s\n", ts, evt.Type, string(evt.Payload))
		})
		if err != nil && err != context.Canceled {
			exitOnError(err)
		}

	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `OpsFloor CLI

Usage: opsfloor <command> [args]

Commands:
  health              Check server health
  state               Print rooms and recent messages
  agents              List agents and their status
  send <room> <text>  Post a message
  status <s> [task]   Update agent status (needs OPSFLOOR_AGENT)
  tail                Follow the live event stream

Environment:
  OPSFLOOR_URL    Server base URL (default http://localhost:8790)
  OPSFLOOR_AGENT  Agent ID (empty = operator)
  OPSFLOOR_NAME   Display name`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
