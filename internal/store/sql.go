package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/seedworks/seed/internal/database"
	"github.com/seedworks/seed/internal/sequence"
	"github.com/seedworks/seed/pkg/logger"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// row is the relational shape of a document: the identity plus a JSON body
// holding every other field.
type row struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Body string `gorm:"column:body;type:text;not null"`
}

// SQLDriver stores each collection as a table of JSON documents.
type SQLDriver struct {
	mu  sync.RWMutex
	db  *gorm.DB
	reg registry
	seq sequence.Sequencer
}

// NewSQLDriver wraps db. A nil sequencer keeps sequence records in the
// "ids" table of the same database.
func NewSQLDriver(db *gorm.DB, seq sequence.Sequencer) *SQLDriver {
	if seq == nil {
		seq = sequence.NewSQL(db, nil)
	}
	return &SQLDriver{db: db, reg: newRegistry(), seq: seq}
}

// Register creates the collection tables before ensuring sequences.
func (d *SQLDriver) Register(ctx context.Context, descs ...Descriptor) error {
	for _, desc := range descs {
		name := desc.CollectionName()
		if !tableName.MatchString(name) {
			return fmt.Errorf("collection name %q is not a valid table name", name)
		}
		if err := d.db.WithContext(ctx).Table(name).AutoMigrate(&row{}); err != nil {
			return database.SQLError(fmt.Errorf("create table %s: %w", name, err))
		}
	}
	d.mu.Lock()
	names, err := d.reg.add(descs)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.seq.Ensure(ctx, names...)
}

func (d *SQLDriver) Collection(name string) (Adapter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	desc, ok := d.reg.descs[name]
	if !ok {
		return nil, unknownCollection(name)
	}
	return &SQLCollection{db: d.db, table: name, desc: desc, seq: d.seq}, nil
}

func (d *SQLDriver) Descriptors() []Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reg.list()
}

// InitIndexes creates unique expression indexes over the JSON body. TTL
// indexes have no SQLite equivalent and are skipped with a warning.
func (d *SQLDriver) InitIndexes(ctx context.Context) error {
	for _, desc := range d.Descriptors() {
		name := desc.CollectionName()
		for _, idx := range desc.Indexes {
			switch {
			case idx.ExpireAfter > 0:
				logger.Warnf("store: %s: ttl index on %s is not supported by the sql driver", name, idx.Field)
			case idx.Unique:
				stmt := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS "%s" ON "%s" (json_extract(body, '%s'))`,
					indexName(name, idx.Field), name, strings.ReplaceAll(jsonPath(idx.Field), "'", "''"))
				if err := d.db.WithContext(ctx).Exec(stmt).Error; err != nil {
					logger.Warnf("store: %s: cannot create unique index on %s, skipping: %v", name, idx.Field, err)
				}
			}
		}
	}
	return nil
}

func indexName(table, field string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, field)
	return "idx_" + table + "_" + clean
}

func (d *SQLDriver) Migrate(ctx context.Context) error {
	descs := d.Descriptors()
	if err := d.Register(ctx, descs...); err != nil {
		return err
	}
	if err := d.InitIndexes(ctx); err != nil {
		return err
	}
	for _, desc := range descs {
		name := desc.CollectionName()
		var max sql.NullInt64
		if err := d.db.WithContext(ctx).Table(name).Select("MAX(id)").Scan(&max).Error; err != nil {
			return database.SQLError(fmt.Errorf("find max id in %s: %w", name, err))
		}
		if !max.Valid {
			continue
		}
		if err := d.seq.Raise(ctx, name, max.Int64); err != nil {
			return err
		}
	}
	return nil
}

func (d *SQLDriver) Drop(ctx context.Context) error {
	for _, desc := range d.Descriptors() {
		if err := d.db.WithContext(ctx).Migrator().DropTable(desc.CollectionName()); err != nil {
			return database.SQLError(fmt.Errorf("drop %s: %w", desc.CollectionName(), err))
		}
	}
	return d.seq.Reset(ctx)
}

func (d *SQLDriver) Sequencer() sequence.Sequencer { return d.seq }

func (d *SQLDriver) Close(context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLCollection adapts one table. Filters and sorts on body fields go
// through json_extract; projections are applied after decoding.
type SQLCollection struct {
	db    *gorm.DB
	table string
	desc  Descriptor
	seq   sequence.Sequencer
}

func (s *SQLCollection) Name() string           { return s.table }
func (s *SQLCollection) Descriptor() Descriptor { return s.desc }

func (s *SQLCollection) where(tx *gorm.DB, filter Document) *gorm.DB {
	for k, v := range filter {
		if k == IDField {
			tx = tx.Where("id = ?", v)
			continue
		}
		tx = tx.Where("json_extract(body, ?) = ?", jsonPath(k), sqlValue(v))
	}
	return tx
}

func (s *SQLCollection) Query(ctx context.Context, q Query) (Cursor, error) {
	tx := s.where(s.db.WithContext(ctx).Table(s.table), q.Filter)
	for _, f := range withIDTieBreak(q.Sort) {
		col := "id"
		if f.Field != IDField {
			col = fmt.Sprintf("json_extract(body, '%s')", strings.ReplaceAll(jsonPath(f.Field), "'", "''"))
		}
		if f.Desc {
			col += " DESC"
		}
		tx = tx.Order(col)
	}
	if q.Skip > 0 {
		tx = tx.Offset(int(q.Skip))
	}
	if q.Limit > 0 {
		tx = tx.Limit(int(q.Limit))
	}
	counter := s.where(s.db.Table(s.table), q.Filter)
	return &sqlCursor{tx: tx, counter: counter, proj: q.Projection, table: s.table}, nil
}

func (s *SQLCollection) Get(ctx context.Context, id any, proj Projection) (Document, error) {
	n, err := CoerceID(id)
	if err != nil {
		return nil, err
	}
	var r row
	res := s.db.WithContext(ctx).Table(s.table).Where("id = ?", n).Limit(1).Find(&r)
	if res.Error != nil {
		return nil, database.SQLError(fmt.Errorf("get %s %d: %w", s.table, n, res.Error))
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	doc, err := r.document()
	if err != nil {
		return nil, database.SQLError(err)
	}
	return proj.Apply(doc), nil
}

func (s *SQLCollection) Create(ctx context.Context, doc Document) (Document, error) {
	out, err := prepareCreate(ctx, s.seq, s.desc, doc)
	if err != nil {
		return nil, err
	}
	r, err := newRow(out)
	if err != nil {
		return nil, database.SQLError(err)
	}
	if err := s.db.WithContext(ctx).Table(s.table).Create(&r).Error; err != nil {
		return nil, database.SQLError(fmt.Errorf("insert into %s: %w", s.table, err))
	}
	return out, nil
}

// Update rewrites the body with json_set/json_remove in a single
// UPDATE ... RETURNING statement.
func (s *SQLCollection) Update(ctx context.Context, id any, set Document, unset []string, proj Projection) (Document, error) {
	n, err := CoerceID(id)
	if err != nil {
		return nil, err
	}
	set = cleanSet(set)
	unset = cleanUnset(unset)

	expr := "body"
	var args []any
	if len(set) > 0 {
		parts := []string{"body"}
		for k, v := range set {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, database.SQLError(fmt.Errorf("encode %s: %w", k, err))
			}
			parts = append(parts, "?", "json(?)")
			args = append(args, jsonPath(k), string(raw))
		}
		expr = "json_set(" + strings.Join(parts, ", ") + ")"
	}
	if len(unset) > 0 {
		parts := []string{expr}
		for _, f := range unset {
			parts = append(parts, "?")
			args = append(args, jsonPath(f))
		}
		expr = "json_remove(" + strings.Join(parts, ", ") + ")"
	}
	args = append(args, n)

	var r row
	stmt := fmt.Sprintf(`UPDATE "%s" SET body = %s WHERE id = ? RETURNING id, body`, s.table, expr)
	res := s.db.WithContext(ctx).Raw(stmt, args...).Scan(&r)
	if res.Error != nil {
		return nil, database.SQLError(fmt.Errorf("update %s %d: %w", s.table, n, res.Error))
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	doc, err := r.document()
	if err != nil {
		return nil, database.SQLError(err)
	}
	return proj.Apply(doc), nil
}

func (s *SQLCollection) Delete(ctx context.Context, id any) (bool, error) {
	n, err := CoerceID(id)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Table(s.table).Where("id = ?", n).Delete(&row{})
	if res.Error != nil {
		return false, database.SQLError(fmt.Errorf("delete %s %d: %w", s.table, n, res.Error))
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLCollection) Count(ctx context.Context, filter Document) (int64, error) {
	var n int64
	if err := s.where(s.db.WithContext(ctx).Table(s.table), filter).Count(&n).Error; err != nil {
		return 0, database.SQLError(fmt.Errorf("count %s: %w", s.table, err))
	}
	return n, nil
}

// sqlCursor runs its query on the first call to Next.
type sqlCursor struct {
	tx      *gorm.DB
	counter *gorm.DB
	proj    Projection
	table   string
	rows    *sql.Rows
	doc     Document
	err     error
	done    bool
}

func (c *sqlCursor) Next(ctx context.Context) bool {
	if c.done {
		return false
	}
	if c.rows == nil {
		rows, err := c.tx.Select("id", "body").Rows()
		if err != nil {
			c.err = err
			c.done = true
			return false
		}
		c.rows = rows
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		c.done = true
		return false
	}
	var r row
	if err := c.rows.Scan(&r.ID, &r.Body); err != nil {
		c.err = err
		c.done = true
		return false
	}
	doc, err := r.document()
	if err != nil {
		c.err = err
		c.done = true
		return false
	}
	c.doc = c.proj.Apply(doc)
	return true
}

func (c *sqlCursor) Document() Document { return c.doc }

func (c *sqlCursor) Err() error {
	if c.err != nil {
		return database.SQLError(fmt.Errorf("query %s: %w", c.table, c.err))
	}
	return nil
}

func (c *sqlCursor) Close(context.Context) error {
	c.done = true
	if c.rows != nil {
		return c.rows.Close()
	}
	return nil
}

func (c *sqlCursor) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := c.counter.WithContext(ctx).Count(&n).Error; err != nil {
		return 0, database.SQLError(fmt.Errorf("count %s: %w", c.table, err))
	}
	return n, nil
}

func newRow(doc Document) (row, error) {
	id, _ := doc[IDField].(int64)
	body := make(Document, len(doc))
	for k, v := range doc {
		if k != IDField {
			body[k] = v
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return row{}, fmt.Errorf("encode document %d: %w", id, err)
	}
	return row{ID: id, Body: string(raw)}, nil
}

func (r row) document() (Document, error) {
	doc := Document{}
	if r.Body != "" {
		if err := json.Unmarshal([]byte(r.Body), &doc); err != nil {
			return nil, fmt.Errorf("decode document %d: %w", r.ID, err)
		}
	}
	doc[IDField] = r.ID
	return doc, nil
}

// jsonPath quotes a top-level key for the SQLite JSON functions.
func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, ``) + `"`
}

// sqlValue binds booleans as the integers json_extract returns for them.
func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
