package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/chat"
	"github.com/fabfab/policy-agent/policy"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		k       int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question from the indexed policies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, closeSvc := a.newService(ctx, k)
			defer closeSvc()

			answer, err := svc.Ask(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if jsonOut {
				return printAnswerJSON(cmd, answer)
			}
			printAnswer(cmd, answer)
			return nil
		},
	}

	cmd.Flags().IntVar(&k, "k", 0, "number of chunks to retrieve (default from config retrieval.top_k)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the answer as JSON")
	return cmd
}

// newService builds the query service with the configured cache. The
// returned func releases the backend and the cache.
func (a *app) newService(ctx context.Context, k int) (*chat.Service, func()) {
	if k <= 0 {
		k = a.cfg.TopK
	}
	opts := []chat.Option{
		chat.WithTopK(k),
		chat.WithRequestTimeout(a.cfg.RequestTimeout),
		chat.WithLogger(a.logger.Named("chat")),
	}

	cache, err := chat.NewCacheFromConfig(ctx, a.cfg, a.logger.Named("cache"))
	if err != nil {
		a.logger.Warn("answer cache unavailable, continuing without it", zap.Error(err))
	}
	if cache != nil {
		opts = append(opts, chat.WithCache(cache))
	}

	svc := chat.NewService(chat.NewFactory(a.cfg, a.logger), opts...)
	return svc, func() {
		if err := svc.Close(); err != nil {
			a.logger.Warn("close query backend", zap.Error(err))
		}
		if cache != nil {
			_ = cache.Close()
		}
	}
}

func printAnswer(cmd *cobra.Command, answer policy.Answer) {
	cmd.Println(answer.Answer)
	if len(answer.Sources) == 0 {
		return
	}
	cmd.Println()
	cmd.Println("Sources:")
	for i, src := range answer.Sources {
		cmd.Println(fmt.Sprintf("%d. %s", i+1, src))
	}
}

func printAnswerJSON(cmd *cobra.Command, answer policy.Answer) error {
	if answer.Sources == nil {
		answer.Sources = []string{}
	}
	data, err := json.MarshalIndent(answer, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
