package store

import (
	"strings"

	"github.com/qrelscope/qrelscope/internal/fulltext"
)

// IsRelevant reports whether a judgment counts toward relevance totals in a
// dataset with the given threshold.
func IsRelevant(relevance, minRelevance int) bool {
	return relevance >= minRelevance
}

// relevantPredicate is IsRelevant in SQL for a qrel alias and its dataset
// alias.
func relevantPredicate(qrel, dataset string) string {
	return qrel + ".relevance >= " + dataset + ".min_relevance"
}

// relevantCount counts the rows of a LEFT JOIN that are relevant. Unmatched
// rows carry NULL relevance and never count.
func relevantCount(qrel, dataset string) string {
	return "COUNT(CASE WHEN " + relevantPredicate(qrel, dataset) + " THEN 1 END)"
}

// sqlBuilder accumulates SQL text and its arguments in placeholder order.
type sqlBuilder struct {
	sb   strings.Builder
	args []any
}

func (b *sqlBuilder) add(sql string, args ...any) *sqlBuilder {
	b.sb.WriteString(sql)
	b.args = append(b.args, args...)
	return b
}

func (b *sqlBuilder) String() string {
	return b.sb.String()
}

type clause struct {
	sql  string
	args []any
}

// selection collects the joins and filters shared by a count query and its
// page query.
type selection struct {
	joins []clause
	where []clause
}

func (s *selection) join(sql string, args ...any) {
	s.joins = append(s.joins, clause{sql: sql, args: args})
}

func (s *selection) filter(sql string, args ...any) {
	s.where = append(s.where, clause{sql: sql, args: args})
}

func (s *selection) writeJoins(b *sqlBuilder) {
	for _, j := range s.joins {
		b.add(" "+j.sql, j.args...)
	}
}

func (s *selection) writeWhere(b *sqlBuilder) {
	for i, w := range s.where {
		if i == 0 {
			b.add(" WHERE ")
		} else {
			b.add(" AND ")
		}
		b.add(w.sql, w.args...)
	}
}

// match joins the rows of target matching term, aliased as alias, onto
// column. It reports whether the join was added. A blank term adds nothing; a
// term with no searchable tokens filters out every row.
func (s *Service) match(sel *selection, target fulltext.Target, term, alias, column string) bool {
	if fulltext.IsBlank(term) {
		return false
	}
	sub, args, ok := s.fts.Match(target, term)
	if !ok {
		sel.filter("1 = 0")
		return false
	}
	sel.join("JOIN ("+sub+") "+alias+" ON "+alias+".pkey = "+column, args...)
	return true
}
