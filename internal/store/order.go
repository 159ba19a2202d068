package store

import (
	"fmt"
	"strings"

	"github.com/qrelscope/qrelscope/internal/fulltext"
	"github.com/qrelscope/qrelscope/internal/pkg/errors"
)

// OrderBy names a listing sort key.
type OrderBy int

const (
	// OrderDefault sorts by insertion order.
	OrderDefault OrderBy = iota
	OrderRelevantDocuments
	OrderRelevantQueries
	OrderLength
	OrderMatchScore
	OrderRelevance
	OrderQueryLength
	OrderDocumentLength
	OrderQueryMatchScore
	OrderDocumentMatchScore
)

var orderNames = map[OrderBy]string{
	OrderDefault:            "",
	OrderRelevantDocuments:  "relevant_documents",
	OrderRelevantQueries:    "relevant_queries",
	OrderLength:             "length",
	OrderMatchScore:         "match_score",
	OrderRelevance:          "relevance",
	OrderQueryLength:        "query_length",
	OrderDocumentLength:     "document_length",
	OrderQueryMatchScore:    "query_match_score",
	OrderDocumentMatchScore: "document_match_score",
}

// String returns the wire name of the key.
func (o OrderBy) String() string {
	return orderNames[o]
}

// QueryOrders are the sort keys accepted by query listings.
var QueryOrders = []OrderBy{OrderRelevantDocuments, OrderLength, OrderMatchScore}

// DocumentOrders are the sort keys accepted by document listings.
var DocumentOrders = []OrderBy{OrderRelevantQueries, OrderLength, OrderMatchScore}

// QRelOrders are the sort keys accepted by qrel listings.
var QRelOrders = []OrderBy{OrderRelevance, OrderQueryLength, OrderDocumentLength, OrderQueryMatchScore, OrderDocumentMatchScore}

// ParseOrderBy resolves a wire name against the keys a listing accepts. The
// empty string selects OrderDefault.
func ParseOrderBy(name string, allowed []OrderBy) (OrderBy, error) {
	if name == "" {
		return OrderDefault, nil
	}
	names := make([]string, len(allowed))
	for i, o := range allowed {
		if o.String() == name {
			return o, nil
		}
		names[i] = o.String()
	}
	return OrderDefault, errors.MalformedError(fmt.Sprintf("invalid order_by %q", name)).
		WithDetail("allowed", strings.Join(names, ","))
}

func checkAllowed(o OrderBy, allowed []OrderBy) error {
	if o == OrderDefault {
		return nil
	}
	for _, a := range allowed {
		if a == o {
			return nil
		}
	}
	return errors.MalformedError(fmt.Sprintf("order_by %q not supported here", o))
}

// requireMatch rejects a match-score key when the corresponding term is
// absent.
func requireMatch(o, key OrderBy, term, param string) error {
	if o == key && fulltext.IsBlank(term) {
		return errors.MalformedError(fmt.Sprintf("order_by %q requires %s", o, param))
	}
	return nil
}

// orderClause renders key and direction followed by the tiebreak columns.
// An empty key yields the tiebreak alone, ascending.
func orderClause(key string, desc bool, tiebreak string) string {
	if key == "" {
		return tiebreak
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	return key + " " + dir + ", " + tiebreak
}

// window validates pagination and resolves the effective limit.
func (s *Service) window(limit, offset int) (int, error) {
	if limit < 0 {
		return 0, errors.MalformedError("num_results must not be negative")
	}
	if offset < 0 {
		return 0, errors.MalformedError("offset must not be negative")
	}
	if limit == 0 {
		return s.cfg.DefaultLimit, nil
	}
	if s.cfg.MaxLimit > 0 && limit > s.cfg.MaxLimit {
		return 0, errors.MalformedError(fmt.Sprintf("num_results must be at most %d", s.cfg.MaxLimit))
	}
	return limit, nil
}
