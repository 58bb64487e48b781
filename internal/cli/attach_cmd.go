package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ralphrun/ralph/internal/rpc"
)

var attachCmd = &cobra.Command{
	Use:     "attach [TASK]",
	Aliases: []string{"reattach", "connect"},
	Short:   "Attach to a running loop",
	Long: `Attach to a running loop's RPC socket: print its current status, then
stream output and state-change events live until detached.

Press Ctrl+C to detach (the loop keeps running).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	taskName, err := resolveTaskName(args)
	if err != nil {
		return newMisuseError("%v", err)
	}

	dir, err := dataDir()
	if err != nil {
		return err
	}
	socketPath := rpc.SocketPath(dir, taskName)

	client, err := rpc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("no running loop found for %q: %w", taskName, err)
	}
	defer client.Close()

	if raw, err := client.Call("get_status", nil); err == nil {
		printAttachStatus(taskName, raw)
	}

	if err := client.Subscribe("*"); err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}

	fmt.Printf("\n%sAttached to %s. Press Ctrl+C to detach.%s\n\n", styleBoldCyan, taskName, colorReset)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	events := make(chan *rpc.Event, 64)
	errCh := make(chan error, 1)
	go func() {
		for {
			ev, err := client.Next()
			if err != nil {
				errCh <- err
				return
			}
			events <- ev
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n%sDetached.%s\n", colorDim, colorReset)
			return nil
		case err := <-errCh:
			return fmt.Errorf("connection lost: %w", err)
		case ev := <-events:
			printAttachEvent(ev)
		}
	}
}

func printAttachStatus(taskName string, raw json.RawMessage) {
	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return
	}
	printHeader(taskName)
	for _, key := range []string{"status", "current_story", "iteration", "agent"} {
		if v, ok := snapshot[key]; ok {
			printField(key, fmt.Sprint(v))
		}
	}
}

func printAttachEvent(ev *rpc.Event) {
	switch ev.Type {
	case "output":
		var payload struct {
			Line string `json:"line"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err == nil {
			fmt.Println(payload.Line)
			return
		}
		fmt.Println(string(ev.Data))
	case "state_change":
		fmt.Printf("%s[state]%s %s\n", colorDim, colorReset, string(ev.Data))
	default:
		fmt.Printf("%s[%s]%s %s\n", colorDim, ev.Type, colorReset, string(ev.Data))
	}
}
