package graph

import (
	"fmt"
	"strings"

	"catalog-assistant/internal/domain"
)

const maxContextTurns = 4

func cypherPrompt(question string, conversation []domain.Turn) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: cypherPolicy()},
		{Role: domain.RoleUser, Content: cypherRequest(question, conversation)},
	}
}

func cypherPolicy() string {
	return strings.Join([]string{
		"Role:",
		"You translate product questions into read-only Cypher for Neo4j.",
		"",
		"Graph Schema:",
		"- (:Content {title, content, url, type}) is a crawled page.",
		"- (:Entity {title, type}) is a product, ingredient, brand or category.",
		"- (:Content)-[:MENTIONS]->(:Entity)",
		"- (:Entity)-[:HAS_INGREDIENT]->(:Entity)",
		"- (:Entity)-[:BELONGS_TO]->(:Entity)",
		"",
		"Available Parameters:",
		"- $query: the user question",
		"- $product: the product the user refers to, may be empty",
		"- $category: the product category, may be empty",
		"- $keywords: lowercase content words of the question",
		"",
		"Rules:",
		"1) Only MATCH, OPTIONAL MATCH, WHERE, WITH, RETURN, ORDER BY and LIMIT.",
		"2) Return title, content and url columns for every row.",
		"3) Prefer parameters over literals.",
		"4) Return at most 10 rows.",
		"",
		"Output Contract:",
		"Return the Cypher query only, without markdown fences or commentary.",
	}, "\n")
}

func cypherRequest(question string, conversation []domain.Turn) string {
	var b strings.Builder
	recent := conversation
	if len(recent) > maxContextTurns {
		recent = recent[len(recent)-maxContextTurns:]
	}
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range recent {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, strings.Join(strings.Fields(t.Text), " "))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Convert this question to a Cypher query: %s", question)
	return b.String()
}
