package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/database"
	"github.com/fabfab/policy-agent/knowledge"
	"github.com/fabfab/policy-agent/policy"
	"github.com/fabfab/policy-agent/vectorstore"
)

func newClearCmd(a *app) *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every indexed document of the collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				cmd.Printf("This will permanently delete the %q collection. Continue? [y/N]: ", a.cfg.Index.Collection)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if !scanner.Scan() {
					if err := scanner.Err(); err != nil {
						return fmt.Errorf("read confirmation: %w", err)
					}
					cmd.Println("clear aborted")
					return nil
				}
				answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
				if answer != "y" && answer != "yes" {
					cmd.Println("clear aborted")
					return nil
				}
			}
			if err := a.clear(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("policy index cleared")
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirmed, "confirm", false, "skip the confirmation prompt")
	return cmd
}

func (a *app) clear(ctx context.Context) error {
	index, err := vectorstore.Open(ctx, a.cfg, vectorstore.OpenOptions{})
	if err != nil {
		if !policy.IsConfiguration(err) {
			return err
		}
		a.logger.Info("no index to clear", zap.Error(err))
	} else {
		defer index.Close()
		if err := index.Clear(ctx); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
		a.logger.Info("cleared index", zap.String("collection", a.cfg.Index.Collection))
	}

	if a.cfg.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, a.cfg.Neo4jURI, a.cfg.Neo4jUser, a.cfg.Neo4jPass)
		if err != nil {
			return &policy.ConfigurationError{Op: "connect neo4j", Err: err}
		}
		catalog := knowledge.NewCatalog(driver)
		defer catalog.Close(ctx)

		n, err := catalog.Purge(ctx, a.cfg.Index.Collection)
		if err != nil {
			return fmt.Errorf("purge catalog: %w", err)
		}
		a.logger.Info("purged catalog", zap.Int("documents", n))
	}

	a.flushCache(ctx)
	return nil
}
