package usecase

import (
	"fmt"
	"strconv"
	"strings"

	"catalog-assistant/internal/domain"
)

// mergeSources flattens the bundle into one ordered context: graph nodes,
// then catalog answers, then vector snippets. Ids are assigned in order.
func mergeSources(b domain.RetrievalBundle) []domain.Source {
	var out []domain.Source
	for _, n := range b.Graph {
		out = appendSource(out, domain.Source{
			Kind:    domain.SourceGraph,
			Title:   n.Title,
			Content: n.Content,
			URL:     n.URL,
		})
	}
	for _, c := range b.Catalog {
		out = appendSource(out, c)
	}
	for _, sn := range b.Vector {
		out = appendSource(out, domain.Source{
			Kind:    domain.SourceVector,
			Title:   sn.Title,
			Content: sn.Content,
			URL:     sn.URL,
		})
	}
	return out
}

func appendSource(list []domain.Source, src domain.Source) []domain.Source {
	src.ID = "S" + strconv.Itoa(len(list)+1)
	return append(list, src)
}

// hasStoreData reports whether graph evidence already describes stores.
func hasStoreData(b domain.RetrievalBundle) bool {
	for _, n := range b.Graph {
		for _, l := range n.Labels {
			if strings.EqualFold(l, "Store") {
				return true
			}
		}
	}
	return false
}

func storesText(matches []domain.StoreMatch) string {
	var b strings.Builder
	for i, m := range matches {
		fmt.Fprintf(&b, "%d. %s, %s (%.2f km away)", i+1, m.Name, m.Address, m.DistanceKM)
		if m.ProductMatch != "" {
			fmt.Fprintf(&b, ", carries %s", m.ProductMatch)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func noStoresText(product string) string {
	if product == "" {
		return "No stores were found near the user's location."
	}
	return fmt.Sprintf("No stores carrying %s were found near the user's location.", product)
}

// noStoresNote tells the user the lookup ran and found nothing in range.
func noStoresNote(product string) string {
	if product == "" {
		return "I couldn't find any stores near you."
	}
	return fmt.Sprintf("I couldn't find any stores carrying %s near you.", product)
}
