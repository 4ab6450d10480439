package partitioning

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/livereview/lrmaint/internal/retry"
)

// fakeTable is one relation in the in-memory catalog
type fakeTable struct {
	partitioned bool
	parent      string
	bound       string
	defaults    map[string]string
	constraints []Constraint
	fks         []ForeignKey
	sequences   []Sequence
	hasRows     bool
	rowsWhere   map[string]bool
	min, max    *int64
	size        int64
	rowEstimate int64
	notOwned    bool
	analyzedAt  *time.Time
}

func (t *fakeTable) clone() *fakeTable {
	c := *t
	c.defaults = maps.Clone(t.defaults)
	c.constraints = slices.Clone(t.constraints)
	c.fks = slices.Clone(t.fks)
	c.sequences = slices.Clone(t.sequences)
	c.rowsWhere = maps.Clone(t.rowsWhere)
	return &c
}

type fakeState struct {
	tables      map[string]*fakeTable
	notOwnedSeq map[string]bool
	triggers    []string
	detached    []DetachedPartition
	nextID      int64
}

func (s *fakeState) clone() *fakeState {
	c := &fakeState{
		tables:      make(map[string]*fakeTable, len(s.tables)),
		notOwnedSeq: maps.Clone(s.notOwnedSeq),
		triggers:    slices.Clone(s.triggers),
		detached:    slices.Clone(s.detached),
		nextID:      s.nextID,
	}
	for k, t := range s.tables {
		c.tables[k] = t.clone()
	}
	return c
}

// fakeConn is an in-memory Conn that understands the statements the
// partitioning code issues
type fakeConn struct {
	name string
	now  func() time.Time

	mu    *sync.Mutex
	state **fakeState
	inTx  bool

	// statements executed, including ones later rolled back
	log *[]string
	// failOn may fail a statement before it is applied
	failOn func(stmt string) error
	// lockedRows are bookkeeping rows held by another process
	lockedRows map[int64]bool
	// transactions counts top level transactions
	transactions *int
}

func newFakeConn(name string) *fakeConn {
	state := &fakeState{tables: map[string]*fakeTable{}, notOwnedSeq: map[string]bool{}}
	var log []string
	var transactions int
	return &fakeConn{
		name:         name,
		now:          time.Now,
		mu:           &sync.Mutex{},
		state:        &state,
		log:          &log,
		lockedRows:   map[int64]bool{},
		transactions: &transactions,
	}
}

func normalizeName(name string) string {
	name = strings.ReplaceAll(name, `"`, "")
	return strings.TrimPrefix(name, "public.")
}

func (c *fakeConn) st() *fakeState { return *c.state }

func (c *fakeConn) table(name string) *fakeTable {
	return c.st().tables[normalizeName(name)]
}

// addTable registers a table and returns it for further setup
func (c *fakeConn) addTable(name string) *fakeTable {
	t := &fakeTable{defaults: map[string]string{}, rowsWhere: map[string]bool{}}
	c.st().tables[normalizeName(name)] = t
	return t
}

func (c *fakeConn) addPartitionedTable(name string) *fakeTable {
	t := c.addTable(name)
	t.partitioned = true
	return t
}

// addPartition attaches an existing partition described by its bound clause
func (c *fakeConn) addPartition(parent, name, bound string) *fakeTable {
	t := c.addTable(name)
	t.parent = normalizeName(parent)
	t.bound = bound
	return t
}

func (c *fakeConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(*c.log)
}

// ddl filters the log down to statements that change the schema
func (c *fakeConn) ddl() []string {
	var out []string
	for _, s := range c.statements() {
		if strings.HasPrefix(s, "SET LOCAL") || strings.HasPrefix(s, "LOCK TABLE") {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (c *fakeConn) resetLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.log = nil
}

func (c *fakeConn) partitionNames(parent string) []string {
	var names []string
	for name, t := range c.st().tables {
		if t.parent == normalizeName(parent) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *fakeConn) Name() string { return c.name }

func (c *fakeConn) Transaction(ctx context.Context, fn func(Conn) error) error {
	if c.inTx {
		return fn(c)
	}
	*c.transactions++

	snapshot := c.st().clone()
	tx := *c
	tx.inTx = true
	if err := fn(&tx); err != nil {
		*c.state = snapshot
		return err
	}
	return nil
}

var (
	createPartitionRe  = regexp.MustCompile(`^CREATE TABLE IF NOT EXISTS (\S+) PARTITION OF (\S+) (FOR VALUES .+)$`)
	createLikeRe       = regexp.MustCompile(`^CREATE TABLE IF NOT EXISTS (\S+) \(LIKE (\S+) INCLUDING ALL\) PARTITION BY LIST \((\S+)\)$`)
	detachRe           = regexp.MustCompile(`^ALTER TABLE (\S+) DETACH PARTITION (\S+)$`)
	attachRe           = regexp.MustCompile(`^ALTER TABLE (\S+) ATTACH PARTITION (\S+) (FOR VALUES IN \(.+\))$`)
	setDefaultRe       = regexp.MustCompile(`^ALTER TABLE (\S+) ALTER COLUMN (\S+) SET DEFAULT (.+)$`)
	dropDefaultRe      = regexp.MustCompile(`^ALTER TABLE (\S+) ALTER COLUMN (\S+) DROP DEFAULT$`)
	dropTableRe        = regexp.MustCompile(`^DROP TABLE IF EXISTS (\S+)$`)
	addConstraintRe    = regexp.MustCompile(`^ALTER TABLE (\S+) ADD CONSTRAINT (\S+) (.+?)( NOT VALID)?$`)
	dropConstraintRe   = regexp.MustCompile(`^ALTER TABLE (\S+) DROP CONSTRAINT (IF EXISTS )?(\S+)$`)
	validateRe         = regexp.MustCompile(`^ALTER TABLE (\S+) VALIDATE CONSTRAINT (\S+)$`)
	renameTableRe      = regexp.MustCompile(`^ALTER TABLE (\S+) RENAME TO (\S+)$`)
	renameConstraintRe = regexp.MustCompile(`^ALTER TABLE (\S+) RENAME CONSTRAINT (\S+) TO (\S+)$`)
	tableOwnerRe       = regexp.MustCompile(`^ALTER TABLE (\S+) OWNER TO CURRENT_USER$`)
	sequenceOwnedByRe  = regexp.MustCompile(`^ALTER SEQUENCE (\S+) OWNED BY (\S+)\.(\S+)$`)
	sequenceOwnerRe    = regexp.MustCompile(`^ALTER SEQUENCE (\S+) OWNER TO CURRENT_USER$`)
	analyzeRe          = regexp.MustCompile(`^ANALYZE \(SKIP_LOCKED\) (\S+)$`)
	referencesRe       = regexp.MustCompile(`REFERENCES (\S+?)\(`)
)

func (c *fakeConn) Exec(ctx context.Context, query string, args ...any) error {
	c.mu.Lock()
	*c.log = append(*c.log, query)
	failOn := c.failOn
	c.mu.Unlock()

	if failOn != nil {
		if err := failOn(query); err != nil {
			return err
		}
	}
	return c.apply(query)
}

func (c *fakeConn) mustTable(name string) (*fakeTable, error) {
	t := c.table(name)
	if t == nil {
		return nil, fmt.Errorf("relation %s does not exist", name)
	}
	return t, nil
}

func (c *fakeConn) apply(query string) error {
	s := c.st()

	switch {
	case strings.HasPrefix(query, "SET LOCAL"), strings.HasPrefix(query, "LOCK TABLE"),
		strings.HasPrefix(query, "CREATE SCHEMA"), strings.HasPrefix(query, "CREATE INDEX"):
		return nil

	case strings.HasPrefix(query, "CREATE TRIGGER"):
		s.triggers = append(s.triggers, query)
		return nil

	case createPartitionRe.MatchString(query):
		m := createPartitionRe.FindStringSubmatch(query)
		if _, err := c.mustTable(m[2]); err != nil {
			return err
		}
		if c.table(m[1]) == nil {
			c.addPartition(m[2], m[1], m[3])
		}
		return nil

	case createLikeRe.MatchString(query):
		m := createLikeRe.FindStringSubmatch(query)
		if c.table(m[1]) != nil {
			return nil
		}
		source, err := c.mustTable(m[2])
		if err != nil {
			return err
		}
		t := c.addPartitionedTable(m[1])
		t.defaults = maps.Clone(source.defaults)
		for _, con := range source.constraints {
			if con.Type == ConstraintPrimaryKey {
				con.Name = normalizeName(m[1]) + "_pkey"
			}
			t.constraints = append(t.constraints, con)
		}
		return nil

	case detachRe.MatchString(query):
		m := detachRe.FindStringSubmatch(query)
		p, err := c.mustTable(m[2])
		if err != nil {
			return err
		}
		if p.parent != normalizeName(m[1]) {
			return fmt.Errorf("%s is not a partition of %s", m[2], m[1])
		}
		p.parent = ""
		return nil

	case attachRe.MatchString(query):
		m := attachRe.FindStringSubmatch(query)
		p, err := c.mustTable(m[2])
		if err != nil {
			return err
		}
		p.parent = normalizeName(m[1])
		p.bound = m[3]
		return nil

	case setDefaultRe.MatchString(query):
		m := setDefaultRe.FindStringSubmatch(query)
		t, err := c.mustTable(m[1])
		if err != nil {
			return err
		}
		t.defaults[normalizeName(m[2])] = m[3]
		return nil

	case dropDefaultRe.MatchString(query):
		m := dropDefaultRe.FindStringSubmatch(query)
		t, err := c.mustTable(m[1])
		if err != nil {
			return err
		}
		delete(t.defaults, normalizeName(m[2]))
		return nil

	case dropTableRe.MatchString(query):
		delete(s.tables, normalizeName(dropTableRe.FindStringSubmatch(query)[1]))
		return nil

	case addConstraintRe.MatchString(query):
		m := addConstraintRe.FindStringSubmatch(query)
		t, err := c.mustTable(m[1])
		if err != nil {
			return err
		}
		name := normalizeName(m[2])
		if strings.HasPrefix(m[3], "FOREIGN KEY") {
			ref := ""
			if r := referencesRe.FindStringSubmatch(m[3]); r != nil {
				ref = normalizeName(r[1])
			}
			t.fks = append(t.fks, ForeignKey{Name: name, Table: normalizeName(m[1]), ReferencedTable: ref, Definition: m[3]})
			return nil
		}
		t.constraints = append(t.constraints, Constraint{
			Name:       name,
			Type:       ConstraintCheck,
			Definition: m[3],
			Valid:      m[4] == "",
		})
		return nil

	case dropConstraintRe.MatchString(query):
		m := dropConstraintRe.FindStringSubmatch(query)
		t, err := c.mustTable(m[1])
		if err != nil {
			return err
		}
		name := normalizeName(m[3])
		before := len(t.constraints) + len(t.fks)
		t.constraints = slices.DeleteFunc(t.constraints, func(con Constraint) bool { return con.Name == name })
		t.fks = slices.DeleteFunc(t.fks, func(fk ForeignKey) bool { return fk.Name == name })
		if m[2] == "" && before == len(t.constraints)+len(t.fks) {
			return fmt.Errorf("constraint %s of %s does not exist", name, m[1])
		}
		return nil

	case validateRe.MatchString(query):
		m := validateRe.FindStringSubmatch(query)
		t, err := c.mustTable(m[1])
		if err != nil {
			return err
		}
		for i := range t.constraints {
			if t.constraints[i].Name == normalizeName(m[2]) {
				t.constraints[i].Valid = true
				return nil
			}
		}
		return fmt.Errorf("constraint %s does not exist", m[2])

	case renameTableRe.MatchString(query):
		m := renameTableRe.FindStringSubmatch(query)
		from, to := normalizeName(m[1]), normalizeName(m[2])
		t, err := c.mustTable(from)
		if err != nil {
			return err
		}
		if c.table(to) != nil {
			return fmt.Errorf("relation %s already exists", to)
		}
		delete(s.tables, from)
		s.tables[to] = t
		for _, other := range s.tables {
			if other.parent == from {
				other.parent = to
			}
			for i := range other.fks {
				if other.fks[i].ReferencedTable == from {
					other.fks[i].ReferencedTable = to
				}
			}
		}
		return nil

	case renameConstraintRe.MatchString(query):
		m := renameConstraintRe.FindStringSubmatch(query)
		t, err := c.mustTable(m[1])
		if err != nil {
			return err
		}
		for i := range t.constraints {
			if t.constraints[i].Name == normalizeName(m[2]) {
				t.constraints[i].Name = normalizeName(m[3])
				return nil
			}
		}
		return fmt.Errorf("constraint %s of %s does not exist", m[2], m[1])

	case tableOwnerRe.MatchString(query):
		t, err := c.mustTable(tableOwnerRe.FindStringSubmatch(query)[1])
		if err != nil {
			return err
		}
		t.notOwned = false
		return nil

	case sequenceOwnedByRe.MatchString(query):
		m := sequenceOwnedByRe.FindStringSubmatch(query)
		seq := normalizeName(m[1])
		target, err := c.mustTable(m[2])
		if err != nil {
			return err
		}
		for _, t := range s.tables {
			t.sequences = slices.DeleteFunc(t.sequences, func(sq Sequence) bool { return sq.Name == seq })
		}
		target.sequences = append(target.sequences, Sequence{Name: seq, Column: normalizeName(m[3])})
		return nil

	case sequenceOwnerRe.MatchString(query):
		delete(s.notOwnedSeq, normalizeName(sequenceOwnerRe.FindStringSubmatch(query)[1]))
		return nil

	case analyzeRe.MatchString(query):
		t, err := c.mustTable(analyzeRe.FindStringSubmatch(query)[1])
		if err != nil {
			return err
		}
		now := c.now()
		t.analyzedAt = &now
		return nil

	case strings.HasPrefix(query, "CREATE TABLE IF NOT EXISTS"):
		return nil
	}

	return fmt.Errorf("fake conn: unsupported statement %q", query)
}

func (c *fakeConn) TableExists(ctx context.Context, table string) (bool, error) {
	return c.table(table) != nil, nil
}

func (c *fakeConn) IsPartitioned(ctx context.Context, table string) (bool, error) {
	t := c.table(table)
	return t != nil && t.partitioned, nil
}

func (c *fakeConn) Partitions(ctx context.Context, table string) ([]PartitionInfo, error) {
	var infos []PartitionInfo
	for _, name := range c.partitionNames(table) {
		schema, rel := "public", name
		if i := strings.LastIndex(name, "."); i >= 0 {
			schema, rel = name[:i], name[i+1:]
		}
		infos = append(infos, PartitionInfo{Schema: schema, Name: rel, Definition: c.table(name).bound})
	}
	return infos, nil
}

func (c *fakeConn) IsPartitionAttached(ctx context.Context, table string) (bool, error) {
	t := c.table(table)
	return t != nil && t.parent != "", nil
}

func (c *fakeConn) ColumnDefault(ctx context.Context, table, column string) (string, error) {
	t, err := c.mustTable(table)
	if err != nil {
		return "", err
	}
	return t.defaults[column], nil
}

func (c *fakeConn) HasRows(ctx context.Context, table, where string) (bool, error) {
	t, err := c.mustTable(table)
	if err != nil {
		return false, err
	}
	if where == "" {
		return t.hasRows, nil
	}
	return t.rowsWhere[where], nil
}

func (c *fakeConn) MinMax(ctx context.Context, table, column string) (*int64, *int64, error) {
	t, err := c.mustTable(table)
	if err != nil {
		return nil, nil, err
	}
	return t.min, t.max, nil
}

func (c *fakeConn) TableSize(ctx context.Context, table string) (int64, error) {
	t, err := c.mustTable(table)
	if err != nil {
		return 0, err
	}
	return t.size, nil
}

func (c *fakeConn) EstimatedRowCount(ctx context.Context, table string) (int64, error) {
	t, err := c.mustTable(table)
	if err != nil {
		return 0, err
	}
	return t.rowEstimate, nil
}

func (c *fakeConn) ForeignKeysReferencing(ctx context.Context, table string) ([]ForeignKey, error) {
	target := normalizeName(table)
	var fks []ForeignKey
	for _, t := range c.st().tables {
		for _, fk := range t.fks {
			if fk.ReferencedTable == target {
				fks = append(fks, fk)
			}
		}
	}
	sort.Slice(fks, func(i, j int) bool { return fks[i].Name < fks[j].Name })
	return fks, nil
}

func (c *fakeConn) ForeignKeysFrom(ctx context.Context, table string) ([]ForeignKey, error) {
	t := c.table(table)
	if t == nil {
		return nil, nil
	}
	return slices.Clone(t.fks), nil
}

func (c *fakeConn) Constraints(ctx context.Context, table string) ([]Constraint, error) {
	t := c.table(table)
	if t == nil {
		return nil, nil
	}
	return slices.Clone(t.constraints), nil
}

func (c *fakeConn) OwnedSequences(ctx context.Context, table string) ([]Sequence, error) {
	t := c.table(table)
	if t == nil {
		return nil, nil
	}
	return slices.Clone(t.sequences), nil
}

func (c *fakeConn) OwnedByCurrentUser(ctx context.Context, name string) (bool, error) {
	if t := c.table(name); t != nil {
		return !t.notOwned, nil
	}
	return !c.st().notOwnedSeq[normalizeName(name)], nil
}

func (c *fakeConn) LastAnalyzedAt(ctx context.Context, table string) (*time.Time, error) {
	t, err := c.mustTable(table)
	if err != nil {
		return nil, err
	}
	return t.analyzedAt, nil
}

func (c *fakeConn) RecordDetachedPartition(ctx context.Context, name string, dropAfter time.Time) error {
	s := c.st()
	s.nextID++
	s.detached = append(s.detached, DetachedPartition{ID: s.nextID, TableName: name, DropAfter: dropAfter})
	return nil
}

func (c *fakeConn) DetachedPartitionsDue(ctx context.Context, now time.Time) ([]DetachedPartition, error) {
	var due []DetachedPartition
	for _, dp := range c.st().detached {
		if !dp.DropAfter.After(now) {
			due = append(due, dp)
		}
	}
	return due, nil
}

func (c *fakeConn) LockDetachedPartition(ctx context.Context, id int64) (bool, error) {
	if !c.inTx {
		return false, errors.New("fake conn: row lock outside a transaction")
	}
	if c.lockedRows[id] {
		return false, nil
	}
	return slices.ContainsFunc(c.st().detached, func(dp DetachedPartition) bool { return dp.ID == id }), nil
}

func (c *fakeConn) DeleteDetachedPartition(ctx context.Context, id int64) error {
	s := c.st()
	s.detached = slices.DeleteFunc(s.detached, func(dp DetachedPartition) bool { return dp.ID == id })
	return nil
}

// fakeLease grants every key to one holder at a time
type fakeLease struct {
	mu       sync.Mutex
	held     map[string]string
	obtained []string
	next     int
}

func newFakeLease() *fakeLease {
	return &fakeLease{held: map[string]string{}}
}

func (l *fakeLease) TryObtain(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return "", false, nil
	}
	l.next++
	token := fmt.Sprintf("token-%d", l.next)
	l.held[key] = token
	l.obtained = append(l.obtained, key)
	return token, true, nil
}

func (l *fakeLease) Cancel(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

// fastLockRetry keeps retry tests quick
func fastLockRetry() retry.RetryConfig {
	return retry.RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Multiplier: 1,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func int64Ptr(v int64) *int64 { return &v }
