package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/markahope-aag/hazardos-webhooks/pkg/client"
)

const (
	defaultBaseURL  = "http://localhost:8080"
	defaultTenantID = "11111111-1111-1111-1111-111111111111"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "list":
		err = runList(os.Args[2:])
	case "get":
		err = runGet(os.Args[2:])
	case "create":
		err = runCreate(os.Args[2:])
	case "delete":
		err = runDelete(os.Args[2:])
	case "rotate":
		err = runRotate(os.Args[2:])
	case "deliveries":
		err = runDeliveries(os.Args[2:])
	case "retry":
		err = runRetry(os.Args[2:])
	case "trigger":
		err = runTrigger(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	c := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	hooks, err := c().ListWebhooks(context.Background())
	if err != nil {
		return err
	}
	if len(hooks) == 0 {
		fmt.Println("No webhooks found")
		return nil
	}
	for _, w := range hooks {
		state := "active"
		if !w.Active {
			state = "inactive"
		}
		fmt.Printf("- %s %s (%s) [%s]\n", w.ID, w.Name, w.URL, state)
		fmt.Printf("  Events: %s\n", strings.Join(w.Events, ", "))
		if w.FailureCount > 0 {
			fmt.Printf("  Consecutive failures: %d\n", w.FailureCount)
		}
	}
	return nil
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	c := addCommonFlags(fs)
	id := fs.String("id", "", "Webhook identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("id is required")
	}
	w, err := c().GetWebhook(context.Background(), *id)
	if err != nil {
		return err
	}
	prettyPrint(w)
	return nil
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	c := addCommonFlags(fs)
	name := fs.String("name", "", "Display name")
	url := fs.String("url", "", "Endpoint URL (http or https)")
	eventList := fs.String("events", "", "Comma-separated event types")
	secret := fs.String("secret", "", "Signing secret; generated when empty")
	unsigned := fs.Bool("unsigned", false, "Do not sign deliveries")
	headerList := fs.String("headers", "", "Comma-separated Name=Value custom headers")
	filter := fs.String("filter", "", "Optional filter expression")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *url == "" {
		return fmt.Errorf("name and url are required")
	}
	evts := splitAndClean(*eventList)
	if len(evts) == 0 {
		return fmt.Errorf("at least one event is required")
	}
	headers, err := parseHeaders(*headerList)
	if err != nil {
		return err
	}

	req := client.CreateWebhookRequest{
		Name:     *name,
		URL:      *url,
		Events:   evts,
		Headers:  headers,
		Filter:   *filter,
		Unsigned: *unsigned,
	}
	if strings.TrimSpace(*secret) != "" {
		req.Secret = secret
	}
	w, err := c().CreateWebhook(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Println("Webhook created:")
	prettyPrint(w)
	if w.Secret != "" {
		fmt.Println("Store the secret now; it is not shown again.")
	}
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	c := addCommonFlags(fs)
	id := fs.String("id", "", "Webhook identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("id is required")
	}
	if err := c().DeleteWebhook(context.Background(), *id); err != nil {
		return err
	}
	fmt.Println("Webhook deleted")
	return nil
}

func runRotate(args []string) error {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	c := addCommonFlags(fs)
	id := fs.String("id", "", "Webhook identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("id is required")
	}
	w, err := c().RotateSecret(context.Background(), *id)
	if err != nil {
		return err
	}
	fmt.Printf("New secret: %s\n", w.Secret)
	return nil
}

func runDeliveries(args []string) error {
	fs := flag.NewFlagSet("deliveries", flag.ExitOnError)
	c := addCommonFlags(fs)
	id := fs.String("id", "", "Webhook identifier")
	limit := fs.Int("limit", 20, "Maximum deliveries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("id is required")
	}
	list, err := c().ListDeliveries(context.Background(), *id, *limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No deliveries found")
		return nil
	}
	for _, d := range list {
		status := "-"
		if d.ResponseStatus != nil {
			status = fmt.Sprint(*d.ResponseStatus)
		}
		line := fmt.Sprintf("- %s %s %s attempts=%d http=%s", d.ID, d.EventType, d.Status, d.AttemptCount, status)
		if d.NextRetryAt != nil {
			line += " next_retry=" + d.NextRetryAt.Format(time.RFC3339)
		}
		fmt.Println(line)
	}
	return nil
}

func runRetry(args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	c := addCommonFlags(fs)
	id := fs.String("id", "", "Delivery identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("id is required")
	}
	d, err := c().RetryDelivery(context.Background(), *id)
	if err != nil {
		return err
	}
	prettyPrint(d)
	return nil
}

func runTrigger(args []string) error {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	c := addCommonFlags(fs)
	event := fs.String("event", "", "Event type")
	payload := fs.String("payload", "{}", "JSON payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *event == "" {
		return fmt.Errorf("event is required")
	}
	if !json.Valid([]byte(*payload)) {
		return fmt.Errorf("payload must be valid JSON")
	}
	if err := c().TriggerEvent(context.Background(), *event, json.RawMessage(*payload)); err != nil {
		return err
	}
	fmt.Println("Event accepted")
	return nil
}

// addCommonFlags registers the shared flags and returns a constructor to
// call after parsing.
func addCommonFlags(fs *flag.FlagSet) func() *client.Client {
	baseURL := fs.String("base-url", envOr("WEBHOOKS_API_URL", defaultBaseURL), "Webhook service base URL")
	tenant := fs.String("tenant", envOr("WEBHOOKS_TENANT_ID", defaultTenantID), "Tenant identifier header")
	return func() *client.Client {
		return client.New(client.Config{BaseURL: *baseURL, TenantID: *tenant})
	}
}

func parseHeaders(values string) (map[string]string, error) {
	pairs := splitAndClean(values)
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want Name=Value", p)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

func splitAndClean(values string) []string {
	if strings.TrimSpace(values) == "" {
		return nil
	}
	var cleaned []string
	for _, part := range strings.Split(values, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func prettyPrint(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`Usage: admincli <command> [options]

Commands:
  list        List webhooks for a tenant
  get         Show a single webhook
  create      Register a webhook
  delete      Remove a webhook and its delivery history
  rotate      Rotate a webhook's signing secret
  deliveries  Show recent deliveries of a webhook
  retry       Force a new attempt for a delivery
  trigger     Publish an event for the tenant

Global options:
	-base-url   Webhook service base URL (default http://localhost:8080, env WEBHOOKS_API_URL)
	-tenant     Tenant identifier header (env WEBHOOKS_TENANT_ID)
`)
}
