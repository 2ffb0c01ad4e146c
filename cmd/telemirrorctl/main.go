package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/andrecp/telemirror/internal/admin"
	"github.com/andrecp/telemirror/internal/paths"
)

func main() {
	socketFlag := flag.String("socket", "", "admin socket path (default ~/.telemirror/admin.sock)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = paths.SocketPath()
	}
	c := newClient(socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "cycle":
		cmdCycle(ctx, c)
	case "chats":
		if len(args) >= 2 {
			cmdChatStatus(ctx, c, args[1], *jsonFlag)
		} else {
			cmdChats(ctx, c, *jsonFlag)
		}
	case "remove":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: telemirrorctl remove <chat-id>")
			os.Exit(1)
		}
		cmdRemove(ctx, c, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: telemirrorctl [--socket <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status             Show daemon status")
	fmt.Fprintln(os.Stderr, "  cycle              Trigger a crawl cycle now")
	fmt.Fprintln(os.Stderr, "  chats              List tracked chats")
	fmt.Fprintln(os.Stderr, "  chats <chat-id>    Show one chat's sync status")
	fmt.Fprintln(os.Stderr, "  remove <chat-id>   Remove a chat and its local data")
}

// newClient returns an HTTP client dialing the daemon's unix socket. The
// host in request URLs is a placeholder; only the path matters.
func newClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func get(ctx context.Context, c *http.Client, path string, out any) error {
	return do(ctx, c, http.MethodGet, path, out)
}

func do(ctx context.Context, c *http.Client, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://daemon"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cmdStatus(ctx context.Context, c *http.Client, jsonOut bool) {
	var resp admin.StatusResponse
	if err := get(ctx, c, "/v1/status", &resp); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("State:             %s\n", resp.State)
	fmt.Printf("Pending deletions: %d\n", resp.PendingDeletions)
	if resp.LastCycle != nil {
		lc := resp.LastCycle
		fmt.Printf("Last cycle:        %s\n", lc.RunID)
		fmt.Printf("  finished:        %s\n", lc.FinishedAt.Format(time.RFC3339))
		fmt.Printf("  chats synced:    %d (failed %d)\n", lc.ChatsSynced, lc.ChatsFailed)
		fmt.Printf("  new messages:    %d\n", lc.NewMessages)
	} else {
		fmt.Println("Last cycle:        none yet")
	}
}

func cmdCycle(ctx context.Context, c *http.Client) {
	if err := do(ctx, c, http.MethodPost, "/v1/cycle", nil); err != nil {
		fail(err)
	}
	fmt.Println("Cycle triggered.")
}

func cmdChats(ctx context.Context, c *http.Client, jsonOut bool) {
	var resp struct {
		Chats []admin.ChatView `json:"chats"`
	}
	if err := get(ctx, c, "/v1/chats", &resp); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Chats) == 0 {
		fmt.Println("No tracked chats.")
		return
	}
	for _, chat := range resp.Chats {
		last := "never"
		if chat.LastBackupAt > 0 {
			last = time.UnixMilli(chat.LastBackupAt).Format(time.RFC3339)
		}
		fmt.Printf("%-14d %-9s %-8s %-25s last backup %s\n",
			chat.ID, chat.Kind, chat.SyncStatus, chat.Title, last)
	}
}

func cmdChatStatus(ctx context.Context, c *http.Client, idArg string, jsonOut bool) {
	if _, err := strconv.ParseInt(idArg, 10, 64); err != nil {
		fail(fmt.Errorf("invalid chat id %q", idArg))
	}
	var chat admin.ChatView
	if err := get(ctx, c, "/v1/chats/"+idArg, &chat); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(chat)
		return
	}
	fmt.Printf("Chat:        %d (%s)\n", chat.ID, chat.Kind)
	fmt.Printf("Title:       %s\n", chat.Title)
	fmt.Printf("Status:      %s\n", chat.SyncStatus)
	if chat.LastError != "" {
		fmt.Printf("Last error:  %s\n", chat.LastError)
	}
	if chat.LastBackupAt > 0 {
		fmt.Printf("Last backup: %s\n", time.UnixMilli(chat.LastBackupAt).Format(time.RFC3339))
	} else {
		fmt.Println("Last backup: never")
	}
	fmt.Printf("Cursor:      %d\n", chat.Cursor)
	fmt.Printf("Messages:    %d\n", chat.Messages)
	fmt.Printf("Media:       %d\n", chat.Media)
}

func cmdRemove(ctx context.Context, c *http.Client, idArg string) {
	if _, err := strconv.ParseInt(idArg, 10, 64); err != nil {
		fail(fmt.Errorf("invalid chat id %q", idArg))
	}
	if err := do(ctx, c, http.MethodDelete, "/v1/chats/"+idArg, nil); err != nil {
		fail(err)
	}
	fmt.Printf("Chat %s removed.\n", idArg)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
