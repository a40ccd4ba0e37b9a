package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/h1v3-io/remedy/internal/config"
	"github.com/h1v3-io/remedy/internal/connector/webhook"
	"github.com/h1v3-io/remedy/internal/runner"
	"github.com/h1v3-io/remedy/internal/ticket"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "tickets":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: remedyctl tickets <list|show|events>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdTicketsList(os.Args[3:])
		case "show":
			cmdTicketsShow(argAt(4, "usage: remedyctl tickets show <id>"))
		case "events":
			cmdTicketsEvents(argAt(4, "usage: remedyctl tickets events <id>"))
		default:
			fmt.Fprintf(os.Stderr, "unknown tickets subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "approve", "reject":
		cmdDecide(os.Args[1], os.Args[2:])
	case "db":
		if len(os.Args) < 3 || os.Args[2] != "patch" {
			fmt.Fprintln(os.Stderr, "usage: remedyctl db patch -db <path>")
			os.Exit(1)
		}
		cmdDBPatch(os.Args[3:])
	case "simulate":
		cmdSimulate(os.Args[2:])
	case "trigger":
		cmdTrigger(os.Args[2:])
	case "config":
		if len(os.Args) < 3 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: remedyctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(argAt(4, "usage: remedyctl config validate <path>"))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- API client commands ---

func cmdHealth() {
	body, err := apiDo("GET", "/api/health", nil)
	if err != nil {
		fail(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTicketsList(args []string) {
	fs := flag.NewFlagSet("tickets list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status (open|pending_approval|retrying|resolved|remediation_exhausted)")
	job := fs.String("job", "", "Filter by job name")
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	body, err := apiDo("GET", "/api/tickets?"+listQuery(*status, *job, *limit), nil)
	if err != nil {
		fail(err)
	}
	var tickets []protocol.Ticket
	if err := json.Unmarshal(body, &tickets); err != nil {
		fail(fmt.Errorf("decode tickets: %w", err))
	}
	for _, t := range tickets {
		fmt.Println(ticketLine(t))
	}
}

func cmdTicketsShow(id string) {
	body, err := apiDo("GET", "/api/tickets/"+url.PathEscape(id), nil)
	if err != nil {
		fail(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTicketsEvents(id string) {
	body, err := apiDo("GET", "/api/tickets/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		fail(err)
	}
	var events []protocol.TicketEvent
	if err := json.Unmarshal(body, &events); err != nil {
		fail(fmt.Errorf("decode events: %w", err))
	}
	for _, ev := range events {
		fmt.Printf("%s  %-20s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.Detail)
	}
}

func cmdDecide(verb string, args []string) {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	actor := fs.String("actor", envOr("USER", ""), "Name recorded as the approver")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: remedyctl %s [-actor name] <id>\n", verb)
		os.Exit(1)
	}
	id := fs.Arg(0)

	payload, _ := json.Marshal(map[string]string{"actor": *actor})
	body, err := apiDo("POST", "/api/tickets/"+url.PathEscape(id)+"/"+verb, payload)
	if err != nil {
		fail(err)
	}
	var resp struct {
		Changed bool            `json:"changed"`
		Ticket  protocol.Ticket `json:"ticket"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fail(fmt.Errorf("decode response: %w", err))
	}
	if !resp.Changed {
		fmt.Printf("ticket %s unchanged (status %s)\n", id, resp.Ticket.Status)
		return
	}
	fmt.Printf("ticket %s is now %s\n", id, resp.Ticket.Status)
}

// --- Local commands ---

func cmdDBPatch(args []string) {
	fs := flag.NewFlagSet("db patch", flag.ExitOnError)
	dbPath := fs.String("db", "", "Path to the ticket database (required)")
	fs.Parse(args)

	report, err := ticket.Patch(*dbPath)
	if err != nil {
		fail(err)
	}
	if report.Added {
		fmt.Printf("added column %s to %s\n", ticket.ExhaustedColumn, report.Path)
	} else {
		fmt.Printf("column %s already present in %s\n", ticket.ExhaustedColumn, report.Path)
	}
	fmt.Println("tickets columns:")
	for _, c := range report.Columns {
		fmt.Printf("  %-28s %s\n", c.Name, c.Type)
	}
}

func cmdSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	rate := fs.Float64("failure-rate", runner.DefaultFailureRate, "Probability of failure (0..1)")
	seed := fs.Int64("seed", 0, "Random seed (0 = time based)")
	job := fs.String("job", "random_failure_test", "Job name reported on failure")
	hook := fs.String("webhook", os.Getenv("REMEDY_WEBHOOK_URL"), "Webhook URL to report the failure to")
	secret := fs.String("secret", os.Getenv("REMEDY_WEBHOOK_SECRET"), "HMAC secret for the webhook")
	fs.Parse(args)

	sim := runner.NewSimulated(*rate, *seed)
	err := sim.Roll()
	if err == nil {
		fmt.Println("job succeeded")
		return
	}

	var jobErr *runner.JobError
	if !errors.As(err, &jobErr) {
		fail(err)
	}
	fmt.Fprintf(os.Stderr, "job failed: %v\n", jobErr)
	if *hook != "" {
		id, err := postFailure(*hook, *secret, jobErr.FailureEvent(*job, time.Now()))
		if err != nil {
			fail(err)
		}
		fmt.Fprintf(os.Stderr, "reported failure, ticket %s\n", id)
	}
	os.Exit(1)
}

func cmdTrigger(args []string) {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	job := fs.String("job", "test_auto_remediation", "Job name reported in the failure")
	hook := fs.String("webhook", envOr("REMEDY_WEBHOOK_URL", "http://localhost:8080/api/webhook/databricks"), "Webhook URL")
	secret := fs.String("secret", os.Getenv("REMEDY_WEBHOOK_SECRET"), "HMAC secret for the webhook")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: remedyctl trigger [-job name] [-webhook url] <library|timeout|execution>")
		os.Exit(1)
	}

	scenario, err := runner.Scenario(fs.Arg(0))
	if err != nil {
		fail(err)
	}
	id, err := postFailure(*hook, *secret, scenario.FailureEvent(*job, time.Now()))
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s failure reported, ticket %s\n", fs.Arg(0), id)
}

func cmdConfigValidate(path string) {
	_, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiDo(method, path string, payload []byte) ([]byte, error) {
	base := envOr("REMEDY_API_URL", "http://localhost:8080")

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("REMEDY_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return send(req)
}

// postFailure sends a failure event to the webhook and returns the ticket id.
func postFailure(hookURL, secret string, ev protocol.FailureEvent) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest("POST", hookURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", webhook.ComputeSignature(payload, secret))
	}

	body, err := send(req)
	if err != nil {
		return "", err
	}
	var resp struct {
		TicketID string `json:"ticket_id"`
	}
	json.Unmarshal(body, &resp)
	return resp.TicketID, nil
}

func send(req *http.Request) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func listQuery(status, job string, limit int) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if status != "" {
		q.Set("status", status)
	}
	if job != "" {
		q.Set("job", job)
	}
	return q.Encode()
}

func ticketLine(t protocol.Ticket) string {
	return fmt.Sprintf("%-36s %-22s %-20s retries=%d  %s", t.ID, t.Status, t.Action, t.RetryCount, t.JobName)
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func argAt(n int, usage string) string {
	if len(os.Args) < n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	return os.Args[n-1]
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("remedyctl - remediation service CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                   Check daemon health")
	fmt.Println("  tickets list             List tickets (-status, -job, -limit)")
	fmt.Println("  tickets show <id>        Show ticket details")
	fmt.Println("  tickets events <id>      Show a ticket's audit trail")
	fmt.Println("  approve <id>             Approve a pending remediation")
	fmt.Println("  reject <id>              Reject a pending remediation")
	fmt.Println("  db patch -db <path>      Add missing columns to a ticket database")
	fmt.Println("  simulate                 Run the random-failure job once (-failure-rate, -seed, -webhook)")
	fmt.Println("  trigger <scenario>       Report a canned failure (library|timeout|execution)")
	fmt.Println("  config validate <p>      Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  REMEDY_API_URL         Daemon URL (default: http://localhost:8080)")
	fmt.Println("  REMEDY_API_KEY         API key for authentication")
	fmt.Println("  REMEDY_WEBHOOK_URL     Failure webhook URL for simulate/trigger")
	fmt.Println("  REMEDY_WEBHOOK_SECRET  HMAC secret for the failure webhook")
}
