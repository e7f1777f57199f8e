package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/retry"
)

// Neo4jExecutor runs read queries through the Neo4j driver.
type Neo4jExecutor struct {
	driver   neo4j.DriverWithContext
	database string
}

func NewNeo4jExecutor(uri, user, password, database string) (*Neo4jExecutor, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("graph: neo4j uri must not be empty")
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: create neo4j driver: %w", err)
	}
	return &Neo4jExecutor{driver: driver, database: database}, nil
}

func (e *Neo4jExecutor) Run(ctx context.Context, cypher string, params map[string]any) ([]domain.GraphNode, error) {
	res, err := neo4j.ExecuteQuery(ctx, e.driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(e.database),
		neo4j.ExecuteQueryWithReadersRouting(),
	)
	if err != nil {
		return nil, classifyNeo4jError(err)
	}
	nodes := make([]domain.GraphNode, 0, len(res.Records))
	seen := map[string]bool{}
	for _, rec := range res.Records {
		n, ok := recordToNode(rec.Keys, rec.Values)
		if !ok {
			continue
		}
		key := n.URL + "|" + n.Title
		if seen[key] {
			continue
		}
		seen[key] = true
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Ping checks that the database is reachable.
func (e *Neo4jExecutor) Ping(ctx context.Context) error {
	return e.driver.VerifyConnectivity(ctx)
}

func (e *Neo4jExecutor) Close(ctx context.Context) error {
	return e.driver.Close(ctx)
}

func classifyNeo4jError(err error) error {
	if neo4j.IsRetryable(err) {
		return retry.Transient(fmt.Errorf("graph: neo4j: %w", err))
	}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) && strings.HasPrefix(nerr.Code, "Neo.ClientError.") {
		return retry.Validation("neo4j rejected query", err)
	}
	return fmt.Errorf("graph: neo4j: %w", err)
}

// recordToNode maps a result row to a GraphNode. Rows may return a node, a
// map, or flat title/content/url columns (optionally prefixed "n.").
func recordToNode(keys []string, values []any) (domain.GraphNode, bool) {
	var n domain.GraphNode
	for i, key := range keys {
		if i >= len(values) {
			break
		}
		switch v := values[i].(type) {
		case neo4j.Node:
			mergeProps(&n, v.Props)
			n.Labels = append(n.Labels, v.Labels...)
		case map[string]any:
			mergeProps(&n, v)
		default:
			setField(&n, key, v)
		}
	}
	if n.Title == "" && n.Content == "" {
		return domain.GraphNode{}, false
	}
	return n, true
}

func mergeProps(n *domain.GraphNode, props map[string]any) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		setField(n, k, props[k])
	}
}

func setField(n *domain.GraphNode, key string, v any) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return
	}
	if i := strings.LastIndex(key, "."); i >= 0 {
		key = key[i+1:]
	}
	switch strings.ToLower(key) {
	case "title", "name":
		if n.Title == "" {
			n.Title = s
		}
	case "content", "description", "text", "summary":
		if n.Content == "" {
			n.Content = s
		} else {
			n.Content += "\n" + s
		}
	case "url", "source_url", "link":
		if n.URL == "" {
			n.URL = s
		}
	}
}
