package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/sushant-115/gojotxn/api/httpapi"
	"github.com/sushant-115/gojotxn/core/transaction"
)

const clientTimeout = 30 * time.Second

var (
	serverURL string
	caller    string
)

func init() {
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the gojotxn server")
	flag.StringVar(&caller, "caller", "cli", "Identity sent with every request")
}

type client struct {
	base   string
	caller string
	http   http.Client
}

// do sends body as JSON and prints the reply.
func (c *client) do(method, path string, body any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Printf("Error marshalling request: %v", err)
			return
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		log.Printf("Error creating request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.CallerHeader, c.caller)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("Error sending request: %v", err)
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("Error reading response body: %v", err)
		return
	}
	var apiResp struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		fmt.Printf("Response (%s): %s\n", resp.Status, strings.TrimSpace(string(raw)))
		return
	}
	fmt.Printf("Response: Status=%s (%s)", apiResp.Status, resp.Status)
	if apiResp.Message != "" {
		fmt.Printf(", Message='%s'", apiResp.Message)
	}
	fmt.Println()
	if len(apiResp.Data) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, apiResp.Data, "", "  ") == nil {
			fmt.Println(pretty.String())
		}
	}
}

// parseOperation reads "category@address:function[:p1,p2[:r1,r2]]".
func parseOperation(id uint64, text string) (transaction.TransactionOperation, error) {
	op := transaction.TransactionOperation{OperationID: id}
	category, rest, ok := strings.Cut(text, "@")
	if !ok || category == "" {
		return op, fmt.Errorf("operation %q: missing category@", text)
	}
	fields := strings.Split(rest, ":")
	if len(fields) < 2 || len(fields) > 4 || fields[0] == "" || fields[1] == "" {
		return op, fmt.Errorf("operation %q: want category@address:function[:params[:resources]]", text)
	}
	op.ContractType = transaction.ContractType(category)
	op.ContractAddress = fields[0]
	op.FunctionName = fields[1]
	if len(fields) > 2 && fields[2] != "" {
		op.Parameters = strings.Split(fields[2], ",")
	}
	if len(fields) > 3 && fields[3] != "" {
		op.LockedResources = strings.Split(fields[3], ",")
	}
	return op, nil
}

func parseIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// processCommand handles a single command, either from args or interactive mode.
func processCommand(c *client, args []string) {
	if len(args) == 0 {
		fmt.Println("Error: No command provided.")
		return
	}

	command := strings.ToLower(args[0])
	switch command {
	case "begin":
		if len(args) < 2 {
			fmt.Println("Error: begin requires at least one operation.")
			return
		}
		var req httpapi.BeginRequest
		for _, arg := range args[1:] {
			if strings.HasPrefix(arg, "timeout=") {
				t, err := strconv.ParseUint(strings.TrimPrefix(arg, "timeout="), 10, 64)
				if err != nil {
					fmt.Printf("Error: invalid timeout %q\n", arg)
					return
				}
				req.TimeoutSeconds = t
				continue
			}
			op, err := parseOperation(uint64(len(req.Operations)+1), arg)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				return
			}
			req.Operations = append(req.Operations, op)
		}
		c.do(http.MethodPost, "/transactions", req)
	case "prepare", "commit", "run", "check_timeout":
		id, ok := oneID(args)
		if !ok {
			return
		}
		c.do(http.MethodPost, fmt.Sprintf("/transactions/%d/%s", id, command), nil)
	case "rollback":
		id, ok := oneID(args)
		if !ok {
			return
		}
		c.do(http.MethodPost, fmt.Sprintf("/transactions/%d/rollback", id), httpapi.RollbackRequest{Reason: strings.Join(args[2:], " ")})
	case "partial_rollback":
		if len(args) < 3 {
			fmt.Println("Error: partial_rollback requires <txn_id> <op_id>...")
			return
		}
		ids, err := parseIDs(args[1:])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		c.do(http.MethodPost, fmt.Sprintf("/transactions/%d/partial_rollback", ids[0]), httpapi.RollbackRequest{OperationIDs: ids[1:]})
	case "get":
		id, ok := oneID(args)
		if !ok {
			return
		}
		c.do(http.MethodGet, fmt.Sprintf("/transactions/%d", id), nil)
	case "list":
		c.do(http.MethodGet, "/transactions", nil)
	case "status":
		if len(args) < 3 {
			fmt.Println("Error: status requires <txn_id> <op_id>.")
			return
		}
		ids, err := parseIDs(args[1:3])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		c.do(http.MethodGet, fmt.Sprintf("/transactions/%d/operations/%d/status", ids[0], ids[1]), nil)
	case "failed", "rollback_status", "events":
		id, ok := oneID(args)
		if !ok {
			return
		}
		path := map[string]string{"failed": "failed_operations", "rollback_status": "rollback_status", "events": "events"}[command]
		c.do(http.MethodGet, fmt.Sprintf("/transactions/%d/%s", id, path), nil)
	case "batch":
		ids, err := parseIDs(args[1:])
		if err != nil || len(ids) == 0 {
			fmt.Println("Error: batch requires one or more transaction ids.")
			return
		}
		c.do(http.MethodPost, "/batch", httpapi.BatchRequest{TransactionIDs: ids})
	case "deadlocks":
		if len(args) > 1 && strings.ToLower(args[1]) == "resolve" {
			c.do(http.MethodPost, "/deadlocks/resolve", nil)
			return
		}
		c.do(http.MethodGet, "/deadlocks", nil)
	case "locks":
		c.do(http.MethodGet, "/locks", nil)
	case "stats":
		c.do(http.MethodGet, "/rollback/statistics", nil)
	case "health":
		c.do(http.MethodGet, "/health", nil)
	case "settings":
		c.do(http.MethodGet, "/admin/settings", nil)
	case "set_timeouts":
		if len(args) < 3 {
			fmt.Println("Error: set_timeouts requires <default_seconds> <max_seconds>.")
			return
		}
		vals, err := parseIDs(args[1:3])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		c.do(http.MethodPut, "/admin/timeouts", transaction.TimeoutConfig{DefaultTimeout: vals[0], MaxTimeout: vals[1]})
	case "raft_stats":
		c.do(http.MethodGet, "/raft/stats", nil)
	case "help":
		printHelp()
	default:
		fmt.Printf("Error: Unknown command '%s'. Type 'help' for available commands.\n", command)
	}
}

func oneID(args []string) (uint64, bool) {
	if len(args) < 2 {
		fmt.Printf("Error: %s requires a transaction id.\n", args[0])
		return 0, false
	}
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error: invalid transaction id %q\n", args[1])
		return 0, false
	}
	return id, true
}

func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  begin <category@address:function[:p1,p2[:r1,r2]]>... [timeout=<s>]  - Start a transaction")
	fmt.Println("  prepare|commit|run <txn_id>                   - Drive a transaction")
	fmt.Println("  rollback <txn_id> [reason...]                 - Roll back a transaction")
	fmt.Println("  partial_rollback <txn_id> <op_id>...          - Compensate selected operations")
	fmt.Println("  check_timeout <txn_id>                        - Time out an expired transaction")
	fmt.Println("  get <txn_id> | list                           - Show transaction logs")
	fmt.Println("  status <txn_id> <op_id>                       - Show an operation's status")
	fmt.Println("  failed|rollback_status|events <txn_id>        - Inspect a transaction")
	fmt.Println("  batch <txn_id>...                             - Run several transactions")
	fmt.Println("  deadlocks [resolve]                           - Detect or resolve wait cycles")
	fmt.Println("  locks | stats | health | settings | raft_stats")
	fmt.Println("  set_timeouts <default_s> <max_s>              - Update timeouts (admin only)")
	fmt.Println("  help | exit")
}

func main() {
	flag.Parse()
	c := &client{base: strings.TrimRight(serverURL, "/"), caller: caller, http: http.Client{Timeout: clientTimeout}}

	if flag.NArg() > 0 {
		processCommand(c, flag.Args())
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojotxn> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer rl.Close()

	fmt.Printf("gojotxn CLI connected to %s as %q. Type 'help' for commands.\n", c.base, c.caller)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("Error reading input: %v", err)
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if cmd := strings.ToLower(args[0]); cmd == "exit" || cmd == "quit" {
			return
		}
		processCommand(c, args)
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.gojotxn_history"
}
