package testutil

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/probe"
)

// The fake understands the handful of statements the harness issues:
// database and table DDL, INSERT, CREATE CACHE, single-table SELECT with an
// optional equality filter, the replication catalogs and
// EXPLAIN LAST STATEMENT.
var (
	reSelectOne   = regexp.MustCompile(`(?i)^select 1$`)
	reExplainLast = regexp.MustCompile(`(?i)^explain last statement$`)
	reCreateDB    = regexp.MustCompile("(?i)^create database (if not exists )?[\"`]?(\\w+)[\"`]?$")
	reDropDB      = regexp.MustCompile("(?i)^drop database (if exists )?[\"`]?(\\w+)[\"`]?$")
	reCreateTable = regexp.MustCompile(`(?i)^create table (\w+) \((.+)\)$`)
	reInsert      = regexp.MustCompile(`(?i)^insert into (\w+)(?: \(([^)]*)\))? values (.+)$`)
	reTuple       = regexp.MustCompile(`\(([^)]*)\)`)
	reCreateCache = regexp.MustCompile(`(?i)^create cache (?:(\w+) )?from (.+)$`)
	reSelect      = regexp.MustCompile(`(?i)^select (.+?) from (\w+)(?: where (\w+) = (\S+))?$`)
)

type fakeDB struct {
	name         string
	tables       map[string]*fakeTable
	caches       map[string]bool
	slots        map[string]bool
	publications map[string]bool
}

func newFakeDB(name string) *fakeDB {
	return &fakeDB{
		name:         name,
		tables:       make(map[string]*fakeTable),
		caches:       make(map[string]bool),
		slots:        make(map[string]bool),
		publications: make(map[string]bool),
	}
}

type fakeTable struct {
	created int64
	columns []string
	rows    []fakeRow
}

type fakeRow struct {
	tick   int64
	values []dbconn.Value
}

// fakeConn is a session on the upstream, or through an adapter when adapter
// is set.
type fakeConn struct {
	cluster *FakeCluster
	dialect dbconn.Dialect
	shape   dbconn.Shape
	db      string
	adapter *FakeProcess

	mu     sync.Mutex
	last   probe.Destination
	closed bool
}

func (fc *fakeConn) Dialect() dbconn.Dialect { return fc.dialect }
func (fc *fakeConn) Shape() dbconn.Shape     { return fc.shape }

func (fc *fakeConn) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.closed = true
	return nil
}

func (fc *fakeConn) QueryDrop(ctx context.Context, sql string) error {
	_, err := fc.run(ctx, sql, nil)
	return err
}

func (fc *fakeConn) Query(ctx context.Context, sql string) (*dbconn.RowSet, error) {
	return fc.run(ctx, sql, nil)
}

func (fc *fakeConn) Execute(ctx context.Context, sql string, params ...dbconn.Value) (*dbconn.RowSet, error) {
	return fc.run(ctx, sql, params)
}

func (fc *fakeConn) SimpleQuery(ctx context.Context, sql string) (dbconn.SimpleResults, error) {
	rs, err := fc.run(ctx, sql, nil)
	if err != nil {
		return nil, err
	}
	rows := make([]dbconn.SimpleRow, 0, rs.Len())
	for _, r := range rs.Rows {
		row := dbconn.SimpleRow{Columns: slices.Clone(rs.Columns), Values: make([]*string, len(r))}
		for i, v := range r {
			if _, null := v.(dbconn.Null); null {
				continue
			}
			s := dbconn.Format(v)
			if t, ok := v.(dbconn.Text); ok {
				s = string(t)
			}
			row.Values[i] = &s
		}
		rows = append(rows, row)
	}
	if fc.dialect == dbconn.MySQL {
		return dbconn.MySQLResults(rows), nil
	}
	return dbconn.PostgresResults(rows), nil
}

func (fc *fakeConn) run(ctx context.Context, sql string, params []dbconn.Value) (*dbconn.RowSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil, fc.queryErr(sql, errors.New("connection closed"))
	}
	if fc.adapter != nil && !fc.adapter.Alive() {
		return nil, fc.queryErr(sql, errors.New("server closed the connection unexpectedly"))
	}

	rs, dest, err := fc.cluster.exec(fc, normalize(sql), params)
	if err != nil {
		return nil, fc.queryErr(sql, err)
	}
	if dest != 0 {
		fc.last = dest
	}
	return rs, nil
}

func (fc *fakeConn) queryErr(sql string, err error) error {
	return &dbconn.QueryError{Dialect: fc.dialect, SQL: sql, Err: err}
}

func normalize(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	return strings.Join(strings.Fields(sql), " ")
}

// exec runs one statement. dest is zero for statements that do not count as
// the session's last statement.
func (c *FakeCluster) exec(fc *fakeConn, sql string, params []dbconn.Value) (rs *dbconn.RowSet, dest probe.Destination, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Current()
	viaAdapter := fc.adapter != nil
	if viaAdapter {
		now = c.clock.Next()
		dest = probe.ServedByUpstream
	}
	db, ok := c.dbs[fc.db]
	if !ok {
		return nil, 0, fmt.Errorf("database %q does not exist", fc.db)
	}
	args := &paramCursor{params: params}

	switch {
	case reSelectOne.MatchString(sql):
		return &dbconn.RowSet{Columns: []string{"?column?"}, Rows: []dbconn.Row{{dbconn.Int(1)}}}, dest, nil

	case reExplainLast.MatchString(sql):
		if !viaAdapter {
			return nil, 0, fmt.Errorf("syntax error at or near %q", "LAST")
		}
		served := fc.last
		if served == 0 {
			served = probe.ServedByUpstream
		}
		text := "upstream"
		if served == probe.ServedByCache {
			text = "readyset"
		}
		return &dbconn.RowSet{
			Columns: []string{probe.DestinationColumn, "ReadySet_error"},
			Rows:    []dbconn.Row{{dbconn.Text(text), dbconn.Text("ok")}},
		}, 0, nil

	case reCreateDB.MatchString(sql):
		m := reCreateDB.FindStringSubmatch(sql)
		name := m[2]
		if _, exists := c.dbs[name]; exists {
			if m[1] != "" {
				return empty(), dest, nil
			}
			return nil, 0, fmt.Errorf("database %q already exists", name)
		}
		c.dbs[name] = newFakeDB(name)
		return empty(), dest, nil

	case reDropDB.MatchString(sql):
		m := reDropDB.FindStringSubmatch(sql)
		name := m[2]
		target, exists := c.dbs[name]
		if !exists {
			if m[1] != "" {
				return empty(), dest, nil
			}
			return nil, 0, fmt.Errorf("database %q does not exist", name)
		}
		if len(target.slots) > 0 {
			return nil, 0, fmt.Errorf("database %q is used by a logical replication slot", name)
		}
		delete(c.dbs, name)
		return empty(), dest, nil

	case reCreateTable.MatchString(sql):
		m := reCreateTable.FindStringSubmatch(sql)
		name := strings.ToLower(m[1])
		if _, exists := db.tables[name]; exists {
			return nil, 0, fmt.Errorf("relation %q already exists", name)
		}
		t := &fakeTable{created: now}
		for _, def := range strings.Split(m[2], ",") {
			f := strings.Fields(def)
			if len(f) == 0 {
				continue
			}
			switch strings.ToLower(f[0]) {
			case "primary", "unique", "constraint", "foreign", "check":
				continue
			}
			t.columns = append(t.columns, strings.ToLower(f[0]))
		}
		db.tables[name] = t
		return empty(), dest, nil

	case reInsert.MatchString(sql):
		m := reInsert.FindStringSubmatch(sql)
		t, err := db.table(m[1])
		if err != nil {
			return nil, 0, err
		}
		cols := t.columns
		if m[2] != "" {
			cols = splitList(m[2])
		}
		for _, tuple := range reTuple.FindAllStringSubmatch(m[3], -1) {
			lits := splitList(tuple[1])
			if len(lits) != len(cols) {
				return nil, 0, fmt.Errorf("INSERT has %d expressions for %d columns", len(lits), len(cols))
			}
			row := make([]dbconn.Value, len(t.columns))
			for i := range row {
				row[i] = dbconn.Null{}
			}
			for i, lit := range lits {
				idx := slices.Index(t.columns, strings.ToLower(cols[i]))
				if idx < 0 {
					return nil, 0, fmt.Errorf("column %q of relation %q does not exist", cols[i], m[1])
				}
				v, err := args.literal(lit)
				if err != nil {
					return nil, 0, err
				}
				row[idx] = v
			}
			t.rows = append(t.rows, fakeRow{tick: now, values: row})
		}
		return empty(), dest, nil

	case reCreateCache.MatchString(sql):
		if !viaAdapter {
			return nil, 0, fmt.Errorf("syntax error at or near %q", "CACHE")
		}
		m := reCreateCache.FindStringSubmatch(sql)
		inner := m[2]
		sm := reSelect.FindStringSubmatch(inner)
		if sm == nil {
			return nil, 0, fmt.Errorf("cannot cache query %q", inner)
		}
		t, err := db.table(sm[2])
		if err != nil {
			return nil, 0, err
		}
		if t.created+c.Lag > now {
			return nil, 0, fmt.Errorf("table %q is not yet replicated", strings.ToLower(sm[2]))
		}
		db.caches[strings.ToLower(inner)] = true
		return empty(), 0, nil

	case reSelect.MatchString(sql):
		m := reSelect.FindStringSubmatch(sql)
		cached := viaAdapter && db.caches[strings.ToLower(sql)]
		if cached {
			dest = probe.ServedByCache
		}
		rs, err := c.selectRows(db, m, args, func(r fakeRow) bool {
			return !cached || r.tick+c.Lag <= now
		})
		if err != nil {
			return nil, 0, err
		}
		return rs, dest, nil
	}

	return nil, 0, fmt.Errorf("unsupported statement %q", sql)
}

func (c *FakeCluster) selectRows(db *fakeDB, m []string, args *paramCursor, visible func(fakeRow) bool) (*dbconn.RowSet, error) {
	proj, table, filterCol, filterLit := m[1], strings.ToLower(m[2]), strings.ToLower(m[3]), m[4]

	var t *fakeTable
	switch table {
	case "pg_replication_slots":
		t = catalog("slot_name", db.slots)
	case "pg_publication":
		t = catalog("pubname", db.publications)
	case "pg_database":
		names := make(map[string]bool, len(c.dbs))
		for n := range c.dbs {
			names[n] = true
		}
		t = catalog("datname", names)
	default:
		var err error
		if t, err = db.table(table); err != nil {
			return nil, err
		}
	}

	filterIdx := -1
	var want dbconn.Value
	if filterCol != "" {
		filterIdx = slices.Index(t.columns, filterCol)
		if filterIdx < 0 {
			return nil, fmt.Errorf("column %q does not exist", filterCol)
		}
		v, err := args.literal(filterLit)
		if err != nil {
			return nil, err
		}
		want = v
	}

	var matched [][]dbconn.Value
	for _, r := range t.rows {
		if !visible(r) {
			continue
		}
		if filterIdx >= 0 && !dbconn.Equal(r.values[filterIdx], want) {
			continue
		}
		matched = append(matched, r.values)
	}

	items := splitList(proj)
	if len(items) == 1 && strings.EqualFold(items[0], "count(*)") {
		return &dbconn.RowSet{Columns: []string{"count"}, Rows: []dbconn.Row{{dbconn.Int(len(matched))}}}, nil
	}

	rs := &dbconn.RowSet{}
	var idx []int
	for _, item := range items {
		switch {
		case item == "*":
			for i, col := range t.columns {
				rs.Columns = append(rs.Columns, col)
				idx = append(idx, i)
			}
		case item == "1":
			rs.Columns = append(rs.Columns, "?column?")
			idx = append(idx, -1)
		default:
			i := slices.Index(t.columns, strings.ToLower(item))
			if i < 0 {
				return nil, fmt.Errorf("column %q does not exist", item)
			}
			rs.Columns = append(rs.Columns, t.columns[i])
			idx = append(idx, i)
		}
	}
	for _, values := range matched {
		row := make(dbconn.Row, len(idx))
		for j, i := range idx {
			if i < 0 {
				row[j] = dbconn.Int(1)
				continue
			}
			row[j] = values[i]
		}
		rs.Rows = append(rs.Rows, row)
	}
	return rs, nil
}

func (db *fakeDB) table(name string) (*fakeTable, error) {
	t, ok := db.tables[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", strings.ToLower(name))
	}
	return t, nil
}

func catalog(column string, names map[string]bool) *fakeTable {
	t := &fakeTable{columns: []string{column}}
	keys := make([]string, 0, len(names))
	for n, ok := range names {
		if ok {
			keys = append(keys, n)
		}
	}
	slices.Sort(keys)
	for _, n := range keys {
		t.rows = append(t.rows, fakeRow{values: []dbconn.Value{dbconn.Text(n)}})
	}
	return t
}

func empty() *dbconn.RowSet { return &dbconn.RowSet{} }

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// paramCursor resolves $n and ? placeholders.
type paramCursor struct {
	params []dbconn.Value
	next   int
}

func (pc *paramCursor) literal(lit string) (dbconn.Value, error) {
	switch {
	case lit == "?":
		if pc.next >= len(pc.params) {
			return nil, fmt.Errorf("missing parameter %d", pc.next+1)
		}
		pc.next++
		return pc.params[pc.next-1], nil
	case strings.HasPrefix(lit, "$"):
		n, err := strconv.Atoi(lit[1:])
		if err != nil || n < 1 || n > len(pc.params) {
			return nil, fmt.Errorf("there is no parameter %s", lit)
		}
		return pc.params[n-1], nil
	case strings.EqualFold(lit, "null"):
		return dbconn.Null{}, nil
	case len(lit) >= 2 && lit[0] == '\'' && lit[len(lit)-1] == '\'':
		return dbconn.Text(strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")), nil
	}
	if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return dbconn.Int(n), nil
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return dbconn.Float(f), nil
	}
	return nil, fmt.Errorf("invalid literal %q", lit)
}
