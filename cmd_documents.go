package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabfab/policy-agent/database"
	"github.com/fabfab/policy-agent/knowledge"
	"github.com/fabfab/policy-agent/policy"
)

func newDocumentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "documents",
		Short: "List the documents catalogued for the collection",
		Long: `documents lists what the ingest runs recorded in the Neo4j document
catalog for the configured collection. It requires NEO4J_URI.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			docs, err := a.documents(cmd.Context())
			if err != nil {
				return err
			}
			printDocuments(cmd, docs)
			return nil
		},
	}
}

func (a *app) documents(ctx context.Context) ([]knowledge.Document, error) {
	if a.cfg.Neo4jURI == "" {
		return nil, &policy.ConfigurationError{Op: "list documents", Err: errors.New("the document catalog needs NEO4J_URI")}
	}

	driver, err := database.NewNeo4jDriver(ctx, a.cfg.Neo4jURI, a.cfg.Neo4jUser, a.cfg.Neo4jPass)
	if err != nil {
		return nil, &policy.ConfigurationError{Op: "connect neo4j", Err: err}
	}
	catalog := knowledge.NewCatalog(driver)
	defer catalog.Close(ctx)

	docs, err := catalog.Documents(ctx, a.cfg.Index.Collection)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

func printDocuments(cmd *cobra.Command, docs []knowledge.Document) {
	if len(docs) == 0 {
		cmd.Println("no documents catalogued")
		return
	}
	for _, doc := range docs {
		cmd.Println(fmt.Sprintf("%s  %s  %d chunks  %s", doc.Source, doc.Format, doc.ChunkCount, doc.Title))
	}
	cmd.Println(fmt.Sprintf("%d documents", len(docs)))
}
