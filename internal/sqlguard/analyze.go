package sqlguard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/querygate/querygate/internal/schema"
)

// Statement is the structural reading of one SQL statement. It records what
// the statement touches without consulting any schema; Resolve binds it to
// one.
type Statement struct {
	SQL       string
	Operation schema.Operation
	// Target is the table a mutation writes to.
	Target string

	InsertColumns []string
	InsertRows    [][]Value
	InsertSelect  bool
	Assignments   []Assignment
	Where         Where
	// Returning is set when a mutation carries a RETURNING list.
	Returning bool

	root     *scope
	output   *scope
	target   *source
	problems []Violation
}

// Value is one scalar in a VALUES tuple or SET clause.
type Value struct {
	Literal   string
	IsLiteral bool
}

type Assignment struct {
	Column string
	Value  Value
}

// Equality is a top-level "column = literal" conjunct of a WHERE clause.
type Equality struct {
	Qualifier string
	Column    string
	Value     Value
}

type Where struct {
	Present    bool
	TopLevelOr bool
	Equalities []Equality
}

type scope struct {
	parent   *scope
	sources  []*source
	refs     []columnRef
	items    []selectItem
	aliases  map[string]struct{}
	children []*scope
	union    []*scope

	aggregate bool
	grouped   bool
}

type source struct {
	table   string
	alias   string
	derived *scope
	using   []string
}

func (s *source) name() string {
	if s.alias != "" {
		return s.alias
	}
	return s.table
}

type columnRef struct {
	qualifier string
	name      string
	star      bool
}

type selectItem struct {
	alias     string
	star      bool
	qualifier string
	column    string
	function  string
	aggregate bool
}

// Analyze reads sql into a Statement. Problems found while reading are
// returned as violations; the statement is usable for resolution either way.
func Analyze(sql string) (*Statement, []Violation) {
	stmt := &Statement{SQL: sql}
	tokens, hazards := lex(sql)
	if len(hazards) > 0 {
		return stmt, hazards
	}

	var violations []Violation
	for i, tok := range tokens {
		if !tok.is(tokSemicolon) {
			continue
		}
		if i == len(tokens)-1 {
			tokens = tokens[:i]
			break
		}
		violations = append(violations,
			Violation{Check: CheckShape, Reason: "multiple statements are not allowed"},
			Violation{Check: CheckInjection, Reason: "statement separator ';' outside string literal"},
		)
		tokens = tokens[:i]
		break
	}

	if len(tokens) == 0 {
		return stmt, append(violations, Violation{Check: CheckShape, Reason: "statement is empty"})
	}
	if !balanced(tokens) {
		return stmt, append(violations, Violation{Check: CheckShape, Reason: "unbalanced parentheses"})
	}

	p := &parser{stmt: stmt}
	first := tokens[0]
	switch {
	case first.keyword("SELECT"):
		stmt.Operation = schema.OpSelect
		stmt.root = p.parseSelect(tokens, nil)
		stmt.output = stmt.root
	case first.keyword("INSERT"):
		stmt.Operation = schema.OpInsert
		p.parseInsert(tokens)
	case first.keyword("UPDATE"):
		stmt.Operation = schema.OpUpdate
		p.parseUpdate(tokens)
	case first.keyword("DELETE"):
		stmt.Operation = schema.OpDelete
		p.parseDelete(tokens)
	case first.keyword("WITH"):
		p.fail(CheckShape, "common table expressions are not supported")
	case first.is(tokLParen):
		p.fail(CheckShape, "parenthesized statements are not supported")
	default:
		if _, blocked := blockedStatements[first.upper()]; blocked {
			p.fail(CheckShape, "statement kind %s is not permitted", first.upper())
		} else {
			p.fail(CheckShape, "statement does not start with SELECT, INSERT, UPDATE or DELETE")
		}
	}
	if stmt.root == nil {
		stmt.root = &scope{}
	}
	return stmt, append(violations, stmt.problems...)
}

// HasAggregate reports whether the result rows are aggregates rather than
// table rows.
func (s *Statement) HasAggregate() bool {
	if s.output == nil {
		return false
	}
	return s.output.aggregate || s.output.grouped
}

// Tables lists every base table the statement reads or writes, sorted.
func (s *Statement) Tables() []string {
	seen := map[string]struct{}{}
	var walk func(sc *scope)
	walk = func(sc *scope) {
		if sc == nil {
			return
		}
		for _, src := range sc.sources {
			if src.table != "" {
				seen[src.table] = struct{}{}
			}
			walk(src.derived)
		}
		for _, child := range sc.children {
			walk(child)
		}
		for _, member := range sc.union {
			walk(member)
		}
	}
	walk(s.root)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PrimaryTable is the mutation target, or the first table of the outer FROM.
func (s *Statement) PrimaryTable() string {
	if s.Target != "" {
		return s.Target
	}
	if s.root == nil {
		return ""
	}
	for _, src := range s.root.sources {
		if src.table != "" {
			return src.table
		}
	}
	return ""
}

// TargetName is the name a WHERE clause uses to qualify the mutation target.
func (s *Statement) TargetName() string {
	if s.target == nil {
		return ""
	}
	return s.target.name()
}

type parser struct {
	stmt *Statement
}

func (p *parser) fail(check Check, format string, args ...any) {
	p.stmt.problems = append(p.stmt.problems, Violation{Check: check, Reason: fmt.Sprintf(format, args...)})
}

func (p *parser) parseSelect(tokens []token, parent *scope) *scope {
	members := splitTopLevel(tokens, func(t token) bool {
		return t.keyword("UNION") || t.keyword("INTERSECT") || t.keyword("EXCEPT")
	})
	first := p.parseSimpleSelect(members[0], parent)
	for _, member := range members[1:] {
		if len(member) > 0 && (member[0].keyword("ALL") || member[0].keyword("DISTINCT")) {
			member = member[1:]
		}
		if len(member) == 0 || !member[0].keyword("SELECT") {
			p.fail(CheckShape, "set operation must be followed by SELECT")
			continue
		}
		first.union = append(first.union, p.parseSimpleSelect(member, parent))
	}
	return first
}

func (p *parser) parseSimpleSelect(tokens []token, parent *scope) *scope {
	sc := &scope{parent: parent, aliases: map[string]struct{}{}}
	if len(tokens) == 0 || !tokens[0].keyword("SELECT") {
		p.fail(CheckShape, "expected SELECT")
		return sc
	}

	i := 1
	var distinctOn []token
	if i < len(tokens) && tokens[i].keyword("DISTINCT") {
		i++
		if i+1 < len(tokens) && tokens[i].keyword("ON") && tokens[i+1].is(tokLParen) {
			end := matchParen(tokens, i+1)
			distinctOn = tokens[i+2 : end]
			i = end + 1
		}
	} else if i < len(tokens) && tokens[i].keyword("ALL") {
		i++
	}

	clauses := splitClauses(tokens[i:])
	list := clauses[""]
	if len(list) == 0 {
		p.fail(CheckShape, "SELECT list is empty")
	}

	for _, word := range []string{"INTO", "FOR", "WINDOW", "RETURNING", duplicateClause} {
		if _, ok := clauses[word]; !ok {
			continue
		}
		switch word {
		case "INTO":
			p.fail(CheckShape, "SELECT INTO is not allowed")
		case "FOR":
			p.fail(CheckShape, "row locking clauses are not supported")
		case "WINDOW":
			p.fail(CheckShape, "named windows are not supported")
		case "RETURNING":
			p.fail(CheckShape, "RETURNING is not valid in SELECT")
		case duplicateClause:
			p.fail(CheckShape, "clause repeated in SELECT")
		}
	}

	if from, ok := clauses["FROM"]; ok {
		p.parseFrom(from, sc)
	}

	for _, item := range splitTopLevel(list, func(t token) bool { return t.is(tokComma) }) {
		p.parseSelectItem(item, sc)
	}
	p.scanExpr(distinctOn, sc)

	if where, ok := clauses["WHERE"]; ok {
		p.scanExpr(where, sc)
	}
	if group, ok := clauses["GROUP"]; ok {
		sc.grouped = true
		p.scanExpr(stripBy(group), sc)
	}
	if having, ok := clauses["HAVING"]; ok {
		sc.grouped = true
		p.scanExpr(having, sc)
	}
	if order, ok := clauses["ORDER"]; ok {
		p.scanExpr(stripBy(order), sc)
	}
	for _, word := range []string{"LIMIT", "OFFSET", "FETCH"} {
		if expr, ok := clauses[word]; ok {
			p.scanExpr(expr, sc)
		}
	}
	return sc
}

func (p *parser) parseSelectItem(item []token, sc *scope) {
	if len(item) == 0 {
		p.fail(CheckShape, "empty item in SELECT list")
		return
	}
	expr, alias := splitAlias(item)
	out := selectItem{alias: alias}
	if alias != "" {
		sc.aliases[alias] = struct{}{}
	}

	switch {
	case len(expr) == 1 && expr[0].isOp("*"):
		out.star = true
		sc.refs = append(sc.refs, columnRef{star: true})
	case len(expr) == 3 && expr[0].isName() && expr[1].is(tokDot) && expr[2].isOp("*"):
		out.star = true
		out.qualifier = expr[0].value
		sc.refs = append(sc.refs, columnRef{qualifier: expr[0].value, star: true})
	case len(expr) == 1 && expr[0].isName():
		out.column = expr[0].value
		sc.refs = append(sc.refs, columnRef{name: expr[0].value})
	case len(expr) == 3 && expr[0].isName() && expr[1].is(tokDot) && isIdentLike(expr[2]):
		out.qualifier = expr[0].value
		out.column = expr[2].value
		sc.refs = append(sc.refs, columnRef{qualifier: expr[0].value, name: expr[2].value})
	default:
		before := sc.aggregate
		sc.aggregate = false
		p.scanExpr(expr, sc)
		out.aggregate = sc.aggregate
		sc.aggregate = sc.aggregate || before
		if len(expr) >= 3 && expr[0].kind == tokIdent && !isReserved(expr[0].upper()) && expr[1].is(tokLParen) {
			if tail := expr[matchParen(expr, 1)+1:]; len(tail) == 0 || tail[0].keyword("OVER") || tail[0].keyword("FILTER") || tail[0].keyword("WITHIN") {
				out.function = expr[0].value
			}
		}
	}
	sc.items = append(sc.items, out)
}

func (p *parser) parseFrom(tokens []token, sc *scope) {
	if len(tokens) == 0 {
		p.fail(CheckShape, "FROM clause is empty")
		return
	}
	i, src := p.parseSource(tokens, 0)
	if src == nil {
		return
	}
	p.addSource(sc, src)

	var onExprs [][]token
	for i < len(tokens) {
		t := tokens[i]
		if t.is(tokComma) {
			if i+1 >= len(tokens) {
				p.fail(CheckShape, "trailing comma in FROM clause")
				return
			}
			i, src = p.parseSource(tokens, i+1)
			if src == nil {
				return
			}
			p.addSource(sc, src)
			continue
		}
		if !isJoinWord(t) {
			p.fail(CheckShape, "unexpected %q in FROM clause", t.text)
			return
		}
		if t.keyword("NATURAL") {
			p.fail(CheckShape, "NATURAL JOIN is not supported")
			return
		}
		cross := t.keyword("CROSS")
		for i < len(tokens) && isJoinWord(tokens[i]) && !tokens[i].keyword("JOIN") {
			i++
		}
		if i+1 >= len(tokens) || !tokens[i].keyword("JOIN") {
			p.fail(CheckShape, "incomplete JOIN in FROM clause")
			return
		}
		var joined *source
		i, joined = p.parseSource(tokens, i+1)
		if joined == nil {
			return
		}
		switch {
		case cross:
		case i < len(tokens) && tokens[i].keyword("ON"):
			end := i + 1
			depth := 0
			for end < len(tokens) {
				tok := tokens[end]
				if tok.is(tokLParen) {
					depth++
				} else if tok.is(tokRParen) {
					depth--
				} else if depth == 0 && (tok.is(tokComma) || isJoinWord(tok)) {
					break
				}
				end++
			}
			onExprs = append(onExprs, tokens[i+1:end])
			i = end
		case i+1 < len(tokens) && tokens[i].keyword("USING") && tokens[i+1].is(tokLParen):
			end := matchParen(tokens, i+1)
			for _, col := range splitTopLevel(tokens[i+2:end], func(t token) bool { return t.is(tokComma) }) {
				if len(col) != 1 || !col[0].isName() {
					p.fail(CheckShape, "USING expects a list of column names")
					continue
				}
				joined.using = append(joined.using, col[0].value)
				sc.refs = append(sc.refs, columnRef{qualifier: joined.name(), name: col[0].value})
			}
			i = end + 1
		default:
			p.fail(CheckShape, "JOIN requires ON or USING")
		}
		p.addSource(sc, joined)
	}
	for _, expr := range onExprs {
		p.scanExpr(expr, sc)
	}
}

func (p *parser) addSource(sc *scope, src *source) {
	for _, existing := range sc.sources {
		if existing.name() == src.name() {
			p.fail(CheckShape, "duplicate table alias %q", src.name())
			return
		}
	}
	sc.sources = append(sc.sources, src)
}

// parseSource reads a table reference starting at i and returns the index
// after it.
func (p *parser) parseSource(tokens []token, i int) (int, *source) {
	t := tokens[i]
	src := &source{}
	switch {
	case t.keyword("LATERAL"):
		p.fail(CheckShape, "LATERAL is not supported")
		return i, nil
	case t.keyword("ONLY"):
		p.fail(CheckShape, "ONLY is not supported")
		return i, nil
	case t.is(tokLParen):
		end := matchParen(tokens, i)
		inner := tokens[i+1 : end]
		if len(inner) == 0 || !inner[0].keyword("SELECT") {
			p.fail(CheckShape, "parenthesized joins are not supported")
			return i, nil
		}
		src.derived = p.parseSelect(inner, nil)
		i = end + 1
	case t.isName():
		name, next, ok := p.readTableName(tokens, i)
		if !ok {
			return i, nil
		}
		i = next
		if i < len(tokens) && tokens[i].is(tokLParen) {
			p.fail(CheckShape, "table functions are not supported")
			return i, nil
		}
		src.table = name
	default:
		p.fail(CheckShape, "expected a table in FROM clause, found %q", t.text)
		return i, nil
	}

	if i < len(tokens) && tokens[i].keyword("AS") {
		i++
		if i >= len(tokens) || !tokens[i].isName() {
			p.fail(CheckShape, "AS must be followed by an alias")
			return i, nil
		}
	}
	if i < len(tokens) && tokens[i].isName() {
		src.alias = tokens[i].value
		i++
		if i < len(tokens) && tokens[i].is(tokLParen) {
			p.fail(CheckShape, "column alias lists are not supported")
			return i, nil
		}
	}
	if src.derived != nil && src.alias == "" {
		p.fail(CheckShape, "derived table requires an alias")
		return i, nil
	}
	return i, src
}

func (p *parser) readTableName(tokens []token, i int) (string, int, bool) {
	name := tokens[i].value
	if i+2 < len(tokens) && tokens[i+1].is(tokDot) {
		if !isIdentLike(tokens[i+2]) {
			p.fail(CheckShape, "malformed table name")
			return "", i, false
		}
		if _, ok := schemaPrefixes[name]; !ok {
			p.fail(CheckShape, "schema-qualified table %s.%s is not allowed", name, tokens[i+2].value)
			return "", i, false
		}
		return tokens[i+2].value, i + 3, true
	}
	return name, i + 1, true
}

func (p *parser) parseInsert(tokens []token) {
	stmt := p.stmt
	root := &scope{aliases: map[string]struct{}{}}
	stmt.root = root
	stmt.output = root

	if len(tokens) < 3 || !tokens[1].keyword("INTO") || !tokens[2].isName() {
		p.fail(CheckShape, "INSERT must be followed by INTO and a table")
		return
	}
	body, returning := cutReturning(tokens)
	name, i, ok := p.readTableName(body, 2)
	if !ok {
		return
	}
	target := &source{table: name}
	if i < len(body) && body[i].keyword("AS") && i+1 < len(body) && body[i+1].isName() {
		target.alias = body[i+1].value
		i += 2
	}
	root.sources = []*source{target}
	stmt.Target = name
	stmt.target = target

	if i < len(body) && body[i].is(tokLParen) && !(i+1 < len(body) && body[i+1].keyword("SELECT")) {
		end := matchParen(body, i)
		for _, col := range splitTopLevel(body[i+1:end], func(t token) bool { return t.is(tokComma) }) {
			if len(col) != 1 || !col[0].isName() {
				p.fail(CheckShape, "INSERT column list must contain plain column names")
				continue
			}
			stmt.InsertColumns = append(stmt.InsertColumns, col[0].value)
			root.refs = append(root.refs, columnRef{qualifier: target.name(), name: col[0].value})
		}
		i = end + 1
	}
	if i >= len(body) {
		p.fail(CheckShape, "INSERT requires VALUES or SELECT")
		return
	}

	rest := body[i:]
	for j := 0; j+1 < len(rest); j++ {
		if rest[j].keyword("ON") && rest[j+1].keyword("CONFLICT") {
			p.fail(CheckShape, "ON CONFLICT is not supported")
			rest = rest[:j]
			break
		}
	}
	if len(rest) == 0 {
		p.fail(CheckShape, "INSERT requires VALUES or SELECT")
		return
	}
	switch {
	case rest[0].keyword("DEFAULT") && len(rest) == 2 && rest[1].keyword("VALUES"):
	case rest[0].keyword("VALUES"):
		p.parseValues(rest[1:])
	case rest[0].keyword("SELECT"):
		stmt.InsertSelect = true
		root.children = append(root.children, p.parseSelect(rest, nil))
	case rest[0].is(tokLParen):
		p.fail(CheckShape, "parenthesized INSERT sources are not supported")
	default:
		p.fail(CheckShape, "INSERT requires VALUES or SELECT")
	}
	p.parseReturning(returning, root)
}

func (p *parser) parseValues(tokens []token) {
	stmt := p.stmt
	values := &scope{aliases: map[string]struct{}{}}
	stmt.root.children = append(stmt.root.children, values)
	for _, tuple := range splitTopLevel(tokens, func(t token) bool { return t.is(tokComma) }) {
		if len(tuple) < 2 || !tuple[0].is(tokLParen) || matchParen(tuple, 0) != len(tuple)-1 {
			p.fail(CheckShape, "VALUES expects parenthesized tuples")
			return
		}
		var row []Value
		for _, expr := range splitTopLevel(tuple[1:len(tuple)-1], func(t token) bool { return t.is(tokComma) }) {
			row = append(row, literalValue(expr))
			p.scanExpr(expr, values)
		}
		if len(stmt.InsertColumns) > 0 && len(row) != len(stmt.InsertColumns) {
			p.fail(CheckShape, "VALUES tuple has %d values for %d columns", len(row), len(stmt.InsertColumns))
		}
		stmt.InsertRows = append(stmt.InsertRows, row)
	}
}

func (p *parser) parseUpdate(tokens []token) {
	stmt := p.stmt
	root := &scope{aliases: map[string]struct{}{}}
	stmt.root = root
	stmt.output = root

	if len(tokens) < 2 || !tokens[1].isName() {
		if len(tokens) > 1 && tokens[1].keyword("ONLY") {
			p.fail(CheckShape, "ONLY is not supported")
		} else {
			p.fail(CheckShape, "UPDATE must be followed by a table")
		}
		return
	}
	body, returning := cutReturning(tokens)
	name, i, ok := p.readTableName(body, 1)
	if !ok {
		return
	}
	target := &source{table: name}
	if i < len(body) && body[i].keyword("AS") {
		i++
	}
	if i < len(body) && body[i].isName() {
		target.alias = body[i].value
		i++
	}
	root.sources = []*source{target}
	stmt.Target = name
	stmt.target = target

	if i >= len(body) || !body[i].keyword("SET") {
		p.fail(CheckShape, "UPDATE requires SET")
		return
	}
	clauses := splitClauses(body[i+1:])
	if _, ok := clauses["FROM"]; ok {
		p.fail(CheckShape, "UPDATE ... FROM is not supported")
	}
	var unexpected []string
	for word := range clauses {
		if word != "" && word != "FROM" && word != "WHERE" {
			unexpected = append(unexpected, word)
		}
	}
	sort.Strings(unexpected)
	for _, word := range unexpected {
		if word == duplicateClause {
			p.fail(CheckShape, "clause repeated in UPDATE")
			continue
		}
		p.fail(CheckShape, "unexpected %s clause in UPDATE", word)
	}

	assignments := clauses[""]
	if len(assignments) == 0 {
		p.fail(CheckShape, "SET list is empty")
	}
	for _, assignment := range splitTopLevel(assignments, func(t token) bool { return t.is(tokComma) }) {
		if len(assignment) < 3 || !assignment[1].isOp("=") || !assignment[0].isName() {
			p.fail(CheckShape, "SET expects column = value assignments")
			continue
		}
		column := assignment[0].value
		expr := assignment[2:]
		stmt.Assignments = append(stmt.Assignments, Assignment{Column: column, Value: literalValue(expr)})
		root.refs = append(root.refs, columnRef{qualifier: target.name(), name: column})
		p.scanExpr(expr, root)
	}

	if where, ok := clauses["WHERE"]; ok {
		p.parseWhere(where, root)
	}
	p.parseReturning(returning, root)
}

func (p *parser) parseDelete(tokens []token) {
	stmt := p.stmt
	root := &scope{aliases: map[string]struct{}{}}
	stmt.root = root
	stmt.output = root

	if len(tokens) < 3 || !tokens[1].keyword("FROM") || !tokens[2].isName() {
		p.fail(CheckShape, "DELETE must be followed by FROM and a table")
		return
	}
	body, returning := cutReturning(tokens)
	name, i, ok := p.readTableName(body, 2)
	if !ok {
		return
	}
	target := &source{table: name}
	if i < len(body) && body[i].keyword("AS") {
		i++
	}
	if i < len(body) && body[i].isName() {
		target.alias = body[i].value
		i++
	}
	root.sources = []*source{target}
	stmt.Target = name
	stmt.target = target

	switch {
	case i >= len(body):
	case body[i].keyword("USING"):
		p.fail(CheckShape, "DELETE ... USING is not supported")
	case body[i].keyword("WHERE"):
		p.parseWhere(body[i+1:], root)
	default:
		p.fail(CheckShape, "unexpected %q after DELETE target", body[i].text)
	}
	p.parseReturning(returning, root)
}

func (p *parser) parseReturning(tokens []token, root *scope) {
	if tokens == nil {
		return
	}
	if len(tokens) == 0 {
		p.fail(CheckShape, "RETURNING list is empty")
		return
	}
	p.stmt.Returning = true
	for _, item := range splitTopLevel(tokens, func(t token) bool { return t.is(tokComma) }) {
		p.parseSelectItem(item, root)
	}
}

func (p *parser) parseWhere(tokens []token, sc *scope) {
	where := &p.stmt.Where
	where.Present = true
	p.scanExpr(tokens, sc)
	equalities, or := collectEqualities(tokens)
	if or {
		where.TopLevelOr = true
		return
	}
	where.Equalities = equalities
}

// scanExpr records column references, subqueries and aggregate calls in an
// expression.
func (p *parser) scanExpr(tokens []token, sc *scope) {
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		switch {
		case t.is(tokLParen):
			end := matchParen(tokens, i)
			p.scanGroup(tokens[i+1:end], sc)
			i = end
		case t.isOp("::"):
			i = skipType(tokens, i+1) - 1
		case t.kind == tokIdent && i+1 < len(tokens) && tokens[i+1].is(tokLParen):
			end := matchParen(tokens, i+1)
			inner := tokens[i+2 : end]
			upper := t.upper()
			switch {
			case upper == "CAST" || upper == "TRY_CAST":
				p.scanCast(inner, sc)
			case upper == "EXTRACT":
				if len(inner) >= 2 && inner[1].keyword("FROM") {
					inner = inner[2:]
				}
				p.scanExpr(inner, sc)
			case isReserved(upper):
				p.scanGroup(inner, sc)
			default:
				if !allowedFunction(t.value) {
					p.fail(CheckOperation, "function %s is not permitted", t.value)
				}
				if _, ok := aggregateFunctions[t.value]; ok {
					sc.aggregate = true
				}
				p.scanExpr(inner, sc)
			}
			i = end
		case t.kind == tokIdent && isTypedLiteral(t) && i+1 < len(tokens) &&
			(tokens[i+1].is(tokString) || (t.keyword("INTERVAL") && tokens[i+1].is(tokNumber))):
			i++
			if t.keyword("INTERVAL") && i+1 < len(tokens) && tokens[i+1].kind == tokIdent {
				if _, ok := datePartWords[tokens[i+1].upper()]; ok {
					i++
				}
			}
		case t.isName():
			if i+2 < len(tokens) && tokens[i+1].is(tokDot) {
				third := tokens[i+2]
				switch {
				case third.isOp("*"):
					sc.refs = append(sc.refs, columnRef{qualifier: t.value, star: true})
					i += 2
				case isIdentLike(third) && i+4 < len(tokens) && tokens[i+3].is(tokDot) && isIdentLike(tokens[i+4]):
					if _, ok := schemaPrefixes[t.value]; !ok {
						p.fail(CheckShape, "qualified name %s.%s.%s is not allowed", t.value, third.value, tokens[i+4].value)
					} else {
						sc.refs = append(sc.refs, columnRef{qualifier: third.value, name: tokens[i+4].value})
					}
					i += 4
				case isIdentLike(third):
					sc.refs = append(sc.refs, columnRef{qualifier: t.value, name: third.value})
					i += 2
				default:
					p.fail(CheckShape, "malformed qualified name %s.%s", t.value, third.text)
					i += 2
				}
				continue
			}
			sc.refs = append(sc.refs, columnRef{name: t.value})
		case t.keyword("SELECT"):
			p.fail(CheckShape, "subquery must be parenthesized")
			return
		case t.keyword("WITH"):
			p.fail(CheckShape, "common table expressions are not supported")
			return
		}
	}
}

func (p *parser) scanGroup(inner []token, sc *scope) {
	if len(inner) == 0 {
		return
	}
	switch {
	case inner[0].keyword("SELECT"):
		sc.children = append(sc.children, p.parseSelect(inner, sc))
	case inner[0].keyword("WITH"):
		p.fail(CheckShape, "common table expressions are not supported")
	default:
		p.scanExpr(inner, sc)
	}
}

func (p *parser) scanCast(inner []token, sc *scope) {
	as := -1
	depth := 0
	for i, t := range inner {
		switch {
		case t.is(tokLParen):
			depth++
		case t.is(tokRParen):
			depth--
		case depth == 0 && t.keyword("AS"):
			as = i
		}
	}
	if as < 0 {
		p.scanExpr(inner, sc)
		return
	}
	p.scanExpr(inner[:as], sc)
}

func skipType(tokens []token, i int) int {
	if i < len(tokens) && (tokens[i].kind == tokIdent || tokens[i].kind == tokQuotedIdent) {
		i++
	}
	for i < len(tokens) && tokens[i].kind == tokIdent {
		if _, ok := typeContinuations[tokens[i].upper()]; !ok {
			break
		}
		i++
	}
	if i < len(tokens) && tokens[i].is(tokLParen) {
		i = matchParen(tokens, i) + 1
	}
	for i+1 < len(tokens) && tokens[i].isOp("[") && tokens[i+1].isOp("]") {
		i += 2
	}
	return i
}

// splitAlias separates "expr [AS] alias" into its parts.
func splitAlias(item []token) ([]token, string) {
	n := len(item)
	if n >= 3 && item[n-2].keyword("AS") && isIdentLike(item[n-1]) {
		return item[:n-2], item[n-1].value
	}
	if n >= 2 && item[n-1].isName() && endsExpression(item[n-2]) {
		return item[:n-1], item[n-1].value
	}
	return item, ""
}

func endsExpression(t token) bool {
	switch t.kind {
	case tokQuotedIdent, tokString, tokNumber, tokRParen:
		return true
	case tokIdent:
		if !isReserved(t.upper()) {
			return true
		}
		switch t.upper() {
		case "END", "NULL", "TRUE", "FALSE", "CURRENT_DATE", "CURRENT_TIME", "CURRENT_TIMESTAMP", "LOCALTIME", "LOCALTIMESTAMP":
			return true
		}
	}
	return false
}

// collectEqualities returns the "column = literal" conjuncts of a WHERE
// expression. The second result is true when the expression is a top-level
// disjunction, in which case no conjunct constrains every row.
func collectEqualities(tokens []token) ([]Equality, bool) {
	conjuncts, or := splitConjuncts(tokens)
	if or {
		return nil, true
	}
	var out []Equality
	for _, conj := range conjuncts {
		if len(conj) >= 2 && conj[0].is(tokLParen) && matchParen(conj, 0) == len(conj)-1 {
			nested, nestedOr := collectEqualities(conj[1 : len(conj)-1])
			if !nestedOr {
				out = append(out, nested...)
			}
			continue
		}
		if eq, ok := equalityOf(conj); ok {
			out = append(out, eq)
		}
	}
	return out, false
}

func splitConjuncts(tokens []token) ([][]token, bool) {
	var (
		out         [][]token
		start       int
		depth       int
		betweenOpen bool
		or          bool
	)
	for i, t := range tokens {
		switch {
		case t.is(tokLParen):
			depth++
		case t.is(tokRParen):
			depth--
		case depth != 0:
		case t.keyword("BETWEEN"):
			betweenOpen = true
		case t.keyword("OR"):
			or = true
		case t.keyword("AND"):
			if betweenOpen {
				betweenOpen = false
				continue
			}
			out = append(out, tokens[start:i])
			start = i + 1
		}
	}
	out = append(out, tokens[start:])
	return out, or
}

func equalityOf(conj []token) (Equality, bool) {
	eqAt := -1
	for i, t := range conj {
		if t.isOp("=") {
			eqAt = i
			break
		}
	}
	if eqAt <= 0 || eqAt == len(conj)-1 {
		return Equality{}, false
	}
	left, right := conj[:eqAt], conj[eqAt+1:]
	if qualifier, column, ok := columnOf(left); ok {
		if value := literalValue(right); value.IsLiteral {
			return Equality{Qualifier: qualifier, Column: column, Value: value}, true
		}
	}
	if qualifier, column, ok := columnOf(right); ok {
		if value := literalValue(left); value.IsLiteral {
			return Equality{Qualifier: qualifier, Column: column, Value: value}, true
		}
	}
	return Equality{}, false
}

func columnOf(tokens []token) (string, string, bool) {
	switch {
	case len(tokens) == 1 && tokens[0].isName():
		return "", tokens[0].value, true
	case len(tokens) == 3 && tokens[0].isName() && tokens[1].is(tokDot) && isIdentLike(tokens[2]):
		return tokens[0].value, tokens[2].value, true
	}
	return "", "", false
}

// literalValue reports the literal text of a single string, number, boolean
// or NULL expression.
func literalValue(expr []token) Value {
	switch {
	case len(expr) == 1 && expr[0].is(tokString):
		return Value{Literal: expr[0].value, IsLiteral: true}
	case len(expr) == 1 && expr[0].is(tokNumber):
		return Value{Literal: expr[0].value, IsLiteral: true}
	case len(expr) == 2 && expr[0].isOp("-") && expr[1].is(tokNumber):
		return Value{Literal: "-" + expr[1].value, IsLiteral: true}
	case len(expr) == 1 && (expr[0].keyword("TRUE") || expr[0].keyword("FALSE") || expr[0].keyword("NULL")):
		return Value{Literal: strings.ToUpper(expr[0].text), IsLiteral: true}
	}
	return Value{}
}

const duplicateClause = "\x00duplicate"

// splitClauses divides the tail of a SELECT (after the select keyword and
// DISTINCT) into clauses keyed by their leading keyword. The select list is
// keyed by "".
func splitClauses(tokens []token) map[string][]token {
	clauses := map[string][]token{}
	current := ""
	start := 0
	depth := 0
	for i, t := range tokens {
		switch {
		case t.is(tokLParen):
			depth++
			continue
		case t.is(tokRParen):
			depth--
			continue
		}
		if depth != 0 || t.kind != tokIdent {
			continue
		}
		upper := t.upper()
		if _, ok := clauseWords[upper]; !ok {
			continue
		}
		if upper == "FROM" && i > 0 && tokens[i-1].keyword("DISTINCT") {
			continue
		}
		if upper == "GROUP" && i > 0 && tokens[i-1].keyword("WITHIN") {
			continue
		}
		if _, seen := clauses[current]; seen {
			clauses[duplicateClause] = nil
		}
		clauses[current] = tokens[start:i]
		current = upper
		start = i + 1
	}
	if _, seen := clauses[current]; seen {
		clauses[duplicateClause] = nil
	}
	clauses[current] = tokens[start:]
	return clauses
}

func cutReturning(tokens []token) ([]token, []token) {
	idx := indexTopLevel(tokens, func(t token) bool { return t.keyword("RETURNING") })
	if idx < 0 {
		return tokens, nil
	}
	return tokens[:idx], tokens[idx+1:]
}

func stripBy(tokens []token) []token {
	if len(tokens) > 0 && tokens[0].keyword("BY") {
		return tokens[1:]
	}
	return tokens
}

func splitTopLevel(tokens []token, sep func(token) bool) [][]token {
	var out [][]token
	depth := 0
	start := 0
	for i, t := range tokens {
		switch {
		case t.is(tokLParen):
			depth++
		case t.is(tokRParen):
			depth--
		case depth == 0 && sep(t):
			out = append(out, tokens[start:i])
			start = i + 1
		}
	}
	return append(out, tokens[start:])
}

func indexTopLevel(tokens []token, match func(token) bool) int {
	depth := 0
	for i, t := range tokens {
		switch {
		case t.is(tokLParen):
			depth++
		case t.is(tokRParen):
			depth--
		case depth == 0 && match(t):
			return i
		}
	}
	return -1
}

func matchParen(tokens []token, open int) int {
	depth := 0
	for i := open; i < len(tokens); i++ {
		switch {
		case tokens[i].is(tokLParen):
			depth++
		case tokens[i].is(tokRParen):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(tokens) - 1
}

func balanced(tokens []token) bool {
	depth := 0
	for _, t := range tokens {
		switch {
		case t.is(tokLParen):
			depth++
		case t.is(tokRParen):
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func isJoinWord(t token) bool {
	if t.kind != tokIdent {
		return false
	}
	_, ok := joinWords[t.upper()]
	return ok
}

func isIdentLike(t token) bool {
	return t.kind == tokIdent || t.kind == tokQuotedIdent
}

func isTypedLiteral(t token) bool {
	_, ok := typedLiteralWords[t.upper()]
	return ok
}
