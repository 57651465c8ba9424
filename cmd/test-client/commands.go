package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sungwon/email-service/internal/broker"
	"github.com/sungwon/email-service/internal/config"
	"github.com/sungwon/email-service/internal/email"
	"github.com/sungwon/email-service/internal/logger"
)

// taskFlags are shared by every command that builds a task.
type taskFlags struct {
	to       string
	subject  string
	template string
	context  string
	count    int
	envelope bool
}

func (f *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.to, "to", "", "recipient address, optionally with a display name")
	cmd.Flags().StringVar(&f.subject, "subject", "Test email", "message subject")
	cmd.Flags().StringVar(&f.template, "template", "welcome", "template name")
	cmd.Flags().StringVar(&f.context, "context", "{}", "template context as a JSON object")
	cmd.Flags().IntVar(&f.count, "count", 1, "number of tasks to send")
	cmd.Flags().BoolVar(&f.envelope, "envelope", false, `wrap the task in a {"data": ...} envelope`)
	_ = cmd.MarkFlagRequired("to")
}

// payload encodes the task described by the flags.
func (f *taskFlags) payload() ([]byte, error) {
	var tmplCtx map[string]any
	if err := json.Unmarshal([]byte(f.context), &tmplCtx); err != nil {
		return nil, fmt.Errorf("invalid --context: %w", err)
	}
	req := email.Request{
		To:           f.to,
		Subject:      f.subject,
		TemplateName: f.template,
		Context:      tmplCtx,
	}
	if f.envelope {
		return json.Marshal(map[string]any{"data": req})
	}
	return json.Marshal(req)
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "test-client",
		Short:         "Send test email tasks to the email service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(newPublishCommand(), newSendCommand())
	return root
}

func newPublishCommand() *cobra.Command {
	var (
		flags      taskFlags
		configFile string
		routingKey string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish email tasks to the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := flags.payload()
			if err != nil {
				return err
			}

			opts := config.DefaultOptions()
			opts.ConfigFile = configFile
			cfg, err := config.Load(opts)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if routingKey == "" {
				routingKey = cfg.Broker.RoutingKey
			}

			level := "warn"
			if verbose {
				level = "debug"
			}
			log := logger.New(level)

			return publish(cmd.Context(), cmd.OutOrStdout(), cfg.Broker, log, routingKey, body, flags.count)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&configFile, "config", "", "service config file (defaults to the service search paths)")
	cmd.Flags().StringVar(&routingKey, "routing-key", "", "routing key (defaults to the configured one)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log broker activity")
	return cmd
}

func publish(ctx context.Context, out io.Writer, cfg broker.Config, log zerolog.Logger, routingKey string, body []byte, count int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	mgr := broker.New(cfg, log)
	if !mgr.Connect(ctx, 1, 0) {
		return fmt.Errorf("failed to connect to broker at %s", cfg.Redacted())
	}
	defer mgr.Close()

	if err := mgr.Declare(broker.ChannelEmail, routingKey); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	for i := range count {
		id := uuid.NewString()
		if err := mgr.Publish(ctx, broker.ChannelEmail, routingKey, broker.Message{ID: id, Body: body}); err != nil {
			return fmt.Errorf("publish %d/%d: %w", i+1, count, err)
		}
		fmt.Fprintf(out, "[%d/%d] published %s to %s/%s\n", i+1, count, id, broker.ChannelEmail.Exchange(), routingKey)
	}
	return nil
}

func newSendCommand() *cobra.Command {
	var (
		flags   taskFlags
		url     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "POST email tasks to the HTTP endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := flags.payload()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: timeout}
			return send(cmd.Context(), cmd.OutOrStdout(), client, url, body, flags.count)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&url, "url", "http://localhost:8000/api/v1/email/", "email endpoint URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "per-request timeout")
	return cmd
}

// errSendFailed is returned when at least one request did not get a 200.
var errSendFailed = errors.New("one or more requests failed")

func send(ctx context.Context, out io.Writer, client *http.Client, url string, body []byte, count int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var failed int
	for i := range count {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request %d/%d: %w", i+1, count, err)
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			failed++
		}
		fmt.Fprintf(out, "[%d/%d] %d %s (%s)\n", i+1, count, resp.StatusCode, bytes.TrimSpace(respBody), time.Since(start).Round(time.Millisecond))
	}

	fmt.Fprintf(out, "\nResults: %d sent, %d failed\n", count-failed, failed)
	if failed > 0 {
		return errSendFailed
	}
	return nil
}
