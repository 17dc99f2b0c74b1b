package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/smartpoll"
	"pkt.systems/smartpoll/queue"
	"pkt.systems/smartpoll/queue/azurequeue"
	"pkt.systems/smartpoll/queue/memqueue"
	"pkt.systems/smartpoll/queue/sqsqueue"
)

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SMARTPOLL_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "smartpoll")
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd := newRootCommand(logger)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			return 1
		}
	}
	return 0
}

type rootFlags struct {
	queueURL         string
	visibility       time.Duration
	maxIdleDelay     time.Duration
	baseDelay        time.Duration
	batchMax         int
	connectionString string
	accountKey       string
	azureEndpoint    string
	region           string
	metricsListen    string
	ack              bool
	logDequeues      bool
	seed             int
	seedDelay        time.Duration
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	flags := &rootFlags{}
	v := viper.New()
	v.SetEnvPrefix("SMARTPOLL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "smartpoll",
		Short:         "Block on and consume cloud message queues with adaptive polling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.queueURL, "queue", "", "queue URL: mem://name, azure://account/queue, or a full https SQS queue URL")
	pf.DurationVar(&flags.visibility, "visibility", queue.DefaultVisibilityTimeout, "how long dequeued messages stay hidden from other consumers")
	pf.DurationVar(&flags.maxIdleDelay, "max-idle-delay", 500*time.Millisecond, "cap on the sleep between consecutive empty polls")
	pf.DurationVar(&flags.baseDelay, "base-delay", smartpoll.DefaultBaseDelay, "sleep after the first empty poll")
	pf.IntVar(&flags.batchMax, "batch-max", queue.BatchMax, "messages requested per dequeue")
	pf.StringVar(&flags.connectionString, "azure-connection-string", "", "Azure storage connection string")
	pf.StringVar(&flags.accountKey, "azure-account-key", "", "Azure storage shared key")
	pf.StringVar(&flags.azureEndpoint, "azure-endpoint", "", "Azure queue endpoint override (e.g. Azurite)")
	pf.StringVar(&flags.region, "region", "", "AWS region for SQS queue URLs")
	pf.BoolVar(&flags.logDequeues, "log-dequeues", false, "route dequeues through a logging proxy")
	pf.IntVar(&flags.seed, "seed", 0, "enqueue this many demo messages on a mem:// queue, in the background after --seed-delay")
	pf.DurationVar(&flags.seedDelay, "seed-delay", 0, "delay before seeding demo messages")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
		var bindErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || f.Changed || !v.IsSet(f.Name) {
				return
			}
			if err := f.Value.Set(v.GetString(f.Name)); err != nil {
				bindErr = fmt.Errorf("flag --%s from environment: %w", f.Name, err)
			}
		})
		return bindErr
	}

	root.AddCommand(newWaitCommand(logger, flags))
	root.AddCommand(newConsumeCommand(logger, flags))
	root.AddCommand(newEnqueueCommand(logger, flags))
	root.AddCommand(newVersionCommand())
	return root
}

func newWaitCommand(logger pslog.Logger, flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until the queue yields a batch, print it, and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(cmd.Context(), logger, flags)
			if err != nil {
				return err
			}
			start := time.Now()
			logger.Info("wait.start", "queue", flags.queueURL, "visibility", flags.visibility, "max_idle_delay", flags.maxIdleDelay)
			batch, err := queue.WaitForMessages(cmd.Context(), q, flags.visibility, flags.maxIdleDelay, monitorOptions(logger, flags)...)
			if err != nil {
				return err
			}
			if batch == nil {
				logger.Info("wait.canceled", "elapsed", time.Since(start))
				return nil
			}
			logger.Info("wait.batch", "messages", len(batch), "elapsed", time.Since(start))
			for _, msg := range batch {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", msg.ID, msg.Body)
			}
			return nil
		},
	}
	return cmd
}

func newConsumeCommand(logger pslog.Logger, flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run the notification loop until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(cmd.Context(), logger, flags)
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(cmd.Context())
			if flags.metricsListen != "" {
				shutdown, err := startMetrics(flags.metricsListen, logger)
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()
					if err := shutdown(shutdownCtx); err != nil {
						logger.Warn("telemetry.shutdown_failed", "error", err)
					}
				}()
			}
			ack, _ := q.(queue.Acknowledger)
			handler := func(hctx context.Context, batch []queue.Message) error {
				for _, msg := range batch {
					logger.Info("consume.message",
						"id", msg.ID,
						"size", len(msg.Body),
						"dequeue_count", msg.DequeueCount,
					)
					if flags.ack && ack != nil {
						if err := ack.DeleteMessage(hctx, msg.ID, msg.PopReceipt); err != nil {
							return err
						}
					}
				}
				return nil
			}
			opts := append(monitorOptions(logger, flags), queue.WithDriverOptions(
				smartpoll.WithName[[]queue.Message]("consume"),
				smartpoll.WithBaseDelay[[]queue.Message](flags.baseDelay),
			))
			monitor, err := queue.RegisterMessageHandler(ctx, q, handler, flags.visibility, flags.maxIdleDelay, opts...)
			if err != nil {
				return err
			}
			logger.Info("consume.start", "queue", flags.queueURL, "visibility", flags.visibility, "max_idle_delay", flags.maxIdleDelay)
			g.Go(func() error {
				<-ctx.Done()
				return monitor.Stop()
			})
			err = g.Wait()
			logger.Info("consume.stop",
				"empty_polls", humanize.Comma(int64(monitor.EmptyPollCount())),
				"payload_polls", humanize.Comma(int64(monitor.PayloadPollCount())),
			)
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.ack, "ack", true, "delete each message after the handler logs it")
	cmd.Flags().StringVar(&flags.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	return cmd
}

func newEnqueueCommand(logger pslog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <body>",
		Short: "Put one message on the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context(), logger, flags)
			if err != nil {
				return err
			}
			enq, ok := q.(interface {
				Enqueue(ctx context.Context, body []byte) (string, error)
			})
			if !ok {
				return errors.New("smartpoll: mem:// queues are process-local; use --seed with wait or consume instead")
			}
			id, err := enq.Enqueue(cmd.Context(), []byte(args[0]))
			if err != nil {
				return err
			}
			logger.Info("enqueue.ok", "id", id, "size", len(args[0]))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "smartpoll %s (%s)\n", info.Main.Version, info.GoVersion)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), "smartpoll (unknown build)")
		},
	}
}

func monitorOptions(logger pslog.Logger, flags *rootFlags) []queue.MonitorOption {
	opts := []queue.MonitorOption{
		queue.WithLogger(logger),
		queue.WithBatchMax(flags.batchMax),
	}
	if flags.logDequeues {
		opts = append(opts, queue.WithInvoker(loggingInvoker(logger)))
	}
	return opts
}

// loggingInvoker is a proxy-invoker that times every dequeue. It leaves the
// empty/non-empty contract untouched.
func loggingInvoker(logger pslog.Logger) queue.Invoker {
	return queue.InvokerFunc(func(ctx context.Context, op func(context.Context) ([]queue.Message, error)) ([]queue.Message, error) {
		start := time.Now()
		batch, err := op(ctx)
		if err != nil {
			logger.Warn("queue.dequeue.failed", "elapsed", time.Since(start), "error", err)
			return batch, err
		}
		logger.Debug("queue.dequeue", "messages", len(batch), "elapsed", time.Since(start))
		return batch, err
	})
}

func openQueue(ctx context.Context, logger pslog.Logger, flags *rootFlags) (queue.Queue, error) {
	if flags.queueURL == "" {
		return nil, errors.New("smartpoll: --queue is required")
	}
	u, err := url.Parse(flags.queueURL)
	if err != nil {
		return nil, fmt.Errorf("smartpoll: parse queue URL: %w", err)
	}
	switch u.Scheme {
	case "mem":
		q := memqueue.New()
		if flags.seed > 0 {
			go func() {
				if flags.seedDelay > 0 {
					select {
					case <-time.After(flags.seedDelay):
					case <-ctx.Done():
						return
					}
				}
				for i := 0; i < flags.seed; i++ {
					id := q.Enqueue(fmt.Appendf(nil, `{"demo":%d}`, i))
					logger.Debug("seed.enqueued", "id", id)
				}
			}()
		}
		return q, nil
	case "azure":
		name := strings.Trim(u.Path, "/")
		if u.Host == "" || name == "" {
			return nil, errors.New("smartpoll: azure queue URL must be azure://account/queue")
		}
		return azurequeue.New(azurequeue.Config{
			ConnectionString: flags.connectionString,
			Account:          u.Host,
			AccountKey:       flags.accountKey,
			Endpoint:         flags.azureEndpoint,
			Queue:            name,
		})
	case "https":
		return sqsqueue.New(ctx, sqsqueue.Config{QueueURL: flags.queueURL, Region: flags.region})
	default:
		return nil, fmt.Errorf("smartpoll: unsupported queue scheme %q", u.Scheme)
	}
}
