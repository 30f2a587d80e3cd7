package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/manpreetbhatti/taskroom/internal/agent"
	"github.com/manpreetbhatti/taskroom/internal/room"
)

const usage = `commands:
  add <id> <title...>          create a task
  update <id> <key>=<value>... update task fields (values are JSON or plain text)
  done <id>                    mark a task completed
  delete <id>                  delete a task
  set <path> <json>            write a value at a dotted path
  lock <field>                 request an edit lock
  unlock <field>               release an edit lock
  state | who | locks          print the room
  queue                        print operations waiting to be sent
  quit`

func main() {
	url := pflag.StringP("url", "u", "ws://localhost:8080/ws", "gateway websocket url")
	roomID := pflag.StringP("room", "r", "", "room to join")
	userID := pflag.String("user", "", "user id")
	userName := pflag.String("name", "", "display name")
	lockTimeout := pflag.Duration("lock-timeout", agent.DefaultLockTimeout, "how long to wait for an edit lock answer")
	pflag.Parse()

	if *roomID == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "taskctl: --room and --user are required")
		pflag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := agent.NewWSTransport(*url)
	go func() {
		if err := tr.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("transport stopped: %v", err)
		}
	}()
	defer tr.Close()

	a := agent.New(tr, agent.Options{
		UserID:      *userID,
		UserName:    *userName,
		RoomID:      *roomID,
		LockTimeout: *lockTimeout,
	})
	defer a.Close()

	a.OnError(func(err error) { fmt.Printf("! %v\n", err) })
	a.OnParticipantsChange(func(ps []room.Participant) {
		fmt.Printf("* %d in room\n", len(ps))
	})

	if err := join(ctx, tr, a); err != nil {
		log.Fatalf("❌ Failed to join %s: %v", *roomID, err)
	}
	fmt.Printf("✅ Joined %s as %s\n%s\n", *roomID, *userID, usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := run(ctx, a, strings.Fields(line)); quit {
				a.Leave()
				return
			}
		}
	}
}

// join waits for the first connection before sending the join.
func join(ctx context.Context, tr *agent.WSTransport, a *agent.Agent) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	for !tr.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return a.Join(ctx)
}

func run(ctx context.Context, a *agent.Agent, args []string) bool {
	if len(args) == 0 {
		return false
	}
	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "quit", "exit":
		return true
	case "add":
		if len(rest) < 2 {
			err = fmt.Errorf("usage: add <id> <title...>")
			break
		}
		err = a.AddTask(rest[0], map[string]any{"title": strings.Join(rest[1:], " "), "completed": false})
	case "update":
		if len(rest) < 2 {
			err = fmt.Errorf("usage: update <id> <key>=<value>...")
			break
		}
		updates := make(map[string]any)
		for _, kv := range rest[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				err = fmt.Errorf("expected key=value, got %q", kv)
				break
			}
			updates[k] = parseValue(v)
		}
		if err == nil {
			err = a.UpdateTask(rest[0], updates)
		}
	case "done":
		if len(rest) != 1 {
			err = fmt.Errorf("usage: done <id>")
			break
		}
		err = a.UpdateTask(rest[0], map[string]any{"completed": true})
	case "delete":
		if len(rest) != 1 {
			err = fmt.Errorf("usage: delete <id>")
			break
		}
		err = a.DeleteTask(rest[0])
	case "set":
		if len(rest) < 2 {
			err = fmt.Errorf("usage: set <path> <json>")
			break
		}
		err = a.SetValue(rest[0], parseValue(strings.Join(rest[1:], " ")))
	case "lock":
		if len(rest) != 1 {
			err = fmt.Errorf("usage: lock <field>")
			break
		}
		var res room.LockResult
		if res, err = a.RequestEditLock(ctx, rest[0]); err == nil {
			if res.Success {
				fmt.Printf("🔒 %s is yours\n", rest[0])
			} else {
				fmt.Printf("%s is being edited by %s\n", rest[0], res.CurrentEditor)
			}
		}
	case "unlock":
		if len(rest) != 1 {
			err = fmt.Errorf("usage: unlock <field>")
			break
		}
		err = a.ReleaseEditLock(rest[0])
	case "state":
		printState(a.State())
	case "who":
		for _, p := range a.Participants() {
			status := "idle"
			if p.IsActive {
				status = "active"
			}
			fmt.Printf("  %s (%s) %s\n", p.UserName, p.UserID, status)
		}
	case "locks":
		for _, l := range a.Locks() {
			fmt.Printf("  %s held by %s\n", l.Field, l.UserName)
		}
	case "queue":
		for _, q := range a.Queued() {
			fmt.Printf("  %s %s retries=%d since %s\n", q.Operation.Mutation.Kind(), q.Operation.ClientID, q.RetryCount, q.QueuedAt.Format(time.Kitchen))
		}
		fmt.Printf("  %d awaiting acknowledgement\n", a.Pending())
	default:
		fmt.Println(usage)
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

// parseValue reads v as JSON and falls back to the raw string.
func parseValue(v string) any {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return v
	}
	return out
}

func printState(s *room.State) {
	ids := s.TaskIDs()
	sort.Strings(ids)
	if len(ids) == 0 {
		fmt.Println("  no tasks")
	}
	for _, id := range ids {
		task, _ := s.Task(id)
		mark := " "
		if done, _ := task["completed"].(bool); done {
			mark = "x"
		}
		fmt.Printf("  [%s] %s: %v\n", mark, id, task["title"])
	}
}
