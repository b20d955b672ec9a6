// Package knowledge keeps a Neo4j catalog of the documents ingested into each
// collection.
package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Document is the catalog entry for one ingested file.
type Document struct {
	Source     string
	Title      string
	Format     string
	SHA        string
	ChunkCount int
	UpdatedAt  time.Time
}

// Catalog records (:Collection)-[:CONTAINS]->(:Document) relations.
type Catalog struct {
	driver neo4j.DriverWithContext
}

func NewCatalog(driver neo4j.DriverWithContext) *Catalog {
	return &Catalog{driver: driver}
}

// Record upserts the document node under its collection.
func (c *Catalog) Record(ctx context.Context, collection string, doc Document) error {
	if c.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (col:Collection {name: $collection})
			MERGE (col)-[:CONTAINS]->(d:Document {collection: $collection, source: $source})
			SET d.title = $title,
			    d.format = $format,
			    d.sha256 = $sha,
			    d.chunk_count = $chunk_count,
			    d.updated_at = datetime()
		`, map[string]any{
			"collection":  collection,
			"source":      doc.Source,
			"title":       doc.Title,
			"format":      doc.Format,
			"sha":         doc.SHA,
			"chunk_count": doc.ChunkCount,
		}); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}
		return nil, nil
	})
	return err
}

// Remove deletes one document node.
func (c *Catalog) Remove(ctx context.Context, collection, source string) error {
	if c.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (d:Document {collection: $collection, source: $source})
			DETACH DELETE d
		`, map[string]any{"collection": collection, "source": source}); err != nil {
			return nil, fmt.Errorf("delete document node: %w", err)
		}
		return nil, nil
	})
	return err
}

// Purge removes the collection and every document in it, returning the
// number of documents removed.
func (c *Catalog) Purge(ctx context.Context, collection string) (int, error) {
	if c.driver == nil {
		return 0, fmt.Errorf("neo4j driver is nil")
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	removed, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (d:Document {collection: $collection})
			DETACH DELETE d
			RETURN count(d) AS removed
		`, map[string]any{"collection": collection})
		if err != nil {
			return nil, fmt.Errorf("delete document nodes: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("read purge count: %w", err)
		}
		count, _, err := neo4j.GetRecordValue[int64](record, "removed")
		if err != nil {
			return nil, fmt.Errorf("read purge count: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (col:Collection {name: $collection})
			DETACH DELETE col
		`, map[string]any{"collection": collection}); err != nil {
			return nil, fmt.Errorf("delete collection node: %w", err)
		}
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed.(int64)), nil
}

// Documents lists the catalogued documents of a collection by source.
func (c *Catalog) Documents(ctx context.Context, collection string) ([]Document, error) {
	if c.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	docs, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (:Collection {name: $collection})-[:CONTAINS]->(d:Document)
			RETURN d.source AS source, d.title AS title, d.format AS format,
			       d.sha256 AS sha, d.chunk_count AS chunk_count, d.updated_at AS updated_at
			ORDER BY d.source
		`, map[string]any{"collection": collection})
		if err != nil {
			return nil, fmt.Errorf("query documents: %w", err)
		}

		out := make([]Document, 0)
		for result.Next(ctx) {
			record := result.Record()
			doc := Document{}
			doc.Source, _, _ = neo4j.GetRecordValue[string](record, "source")
			doc.Title, _, _ = neo4j.GetRecordValue[string](record, "title")
			doc.Format, _, _ = neo4j.GetRecordValue[string](record, "format")
			doc.SHA, _, _ = neo4j.GetRecordValue[string](record, "sha")
			if count, _, err := neo4j.GetRecordValue[int64](record, "chunk_count"); err == nil {
				doc.ChunkCount = int(count)
			}
			if updated, _, err := neo4j.GetRecordValue[time.Time](record, "updated_at"); err == nil {
				doc.UpdatedAt = updated
			}
			out = append(out, doc)
		}
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("iterate documents: %w", err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return docs.([]Document), nil
}

func (c *Catalog) Close(ctx context.Context) error {
	if c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}
