package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"traceline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- states ---

const stateColumns = `id,name,label,COALESCE(color,'') AS color,"order",is_initial,is_final,COALESCE(description,'') AS description`

func scanState(row interface{ Scan(...any) error }) (domain.State, error) {
	var s domain.State
	err := row.Scan(&s.ID, &s.Name, &s.Label, &s.Color, &s.Order, &s.IsInitial, &s.IsFinal, &s.Description)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertStateTx(ctx context.Context, tx *sql.Tx, s domain.State) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO states(id,name,label,color,"order",is_initial,is_final,description) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, s.Label, nullable(s.Color), s.Order, s.IsInitial, s.IsFinal, nullable(s.Description))
	return err
}

func (r Repo) GetState(ctx context.Context, id string) (domain.State, error) {
	return scanState(r.DB.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM states WHERE id=?`, id))
}

func (r Repo) GetStateByName(ctx context.Context, name string) (domain.State, error) {
	return scanState(r.DB.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM states WHERE name=?`, name))
}

func (r Repo) GetStateByNameTx(ctx context.Context, tx *sql.Tx, name string) (domain.State, error) {
	return scanState(tx.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM states WHERE name=?`, name))
}

// InitialState returns the unique state flagged is_initial.
func (r Repo) InitialState(ctx context.Context) (domain.State, error) {
	return scanState(r.DB.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM states WHERE is_initial=1 LIMIT 1`))
}

func (r Repo) ListStates(ctx context.Context) ([]domain.State, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stateColumns+` FROM states ORDER BY "order" ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.State
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- entities ---

const entityColumns = `id,name,COALESCE(description,'') AS description,type,priority,due_date,tags_json,current_state_id,created_by,created_at,updated_at`

func scanEntity(row interface{ Scan(...any) error }) (domain.Entity, error) {
	var e domain.Entity
	var dueDate, tagsJSON sql.NullString
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.Type, &e.Priority, &dueDate, &tagsJSON, &e.CurrentStateID, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if dueDate.Valid {
		e.DueDate = &dueDate.String
	}
	if tagsJSON.Valid {
		e.Tags = unmarshalTags(tagsJSON.String)
	}
	return e, nil
}

func (r Repo) InsertEntityTx(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	tags, err := marshalTags(e.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entities(id,name,description,type,priority,due_date,tags_json,current_state_id,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Name, nullable(e.Description), e.Type, e.Priority, nullableStringPtr(e.DueDate), tags, e.CurrentStateID, e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) UpdateEntityTx(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	tags, err := marshalTags(e.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE entities SET name=?, description=?, type=?, priority=?, due_date=?, tags_json=?, current_state_id=?, updated_at=? WHERE id=?`,
		e.Name, nullable(e.Description), e.Type, e.Priority, nullableStringPtr(e.DueDate), tags, e.CurrentStateID, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	return scanEntity(r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id))
}

func (r Repo) GetEntityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Entity, error) {
	return scanEntity(tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id))
}

// DeleteEntityTx removes the entity row; versions, timeline events and
// roster rows follow via ON DELETE CASCADE.
func (r Repo) DeleteEntityTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EntityFilters struct {
	StateID         string
	Priority        string
	ContributorID   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	var clauses []string
	var args []any
	if f.StateID != "" {
		clauses = append(clauses, "current_state_id=?")
		args = append(args, f.StateID)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.ContributorID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM entity_contributors ec WHERE ec.entity_id=entities.id AND ec.contributor_id=?)")
		args = append(args, f.ContributorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + entityColumns + ` FROM entities ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- entity contributors ---

func (r Repo) UpsertEntityContributorTx(ctx context.Context, tx *sql.Tx, link domain.EntityContributor) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entity_contributors(entity_id,contributor_id,role,added_at) VALUES (?,?,?,?)
ON CONFLICT(entity_id,contributor_id) DO UPDATE SET role=excluded.role`,
		link.EntityID, link.ContributorID, link.Role, link.AddedAt)
	return err
}

func (r Repo) DeleteEntityContributorTx(ctx context.Context, tx *sql.Tx, entityID, contributorID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM entity_contributors WHERE entity_id=? AND contributor_id=?`, entityID, contributorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEntityRole(ctx context.Context, entityID, contributorID string) (string, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM entity_contributors WHERE entity_id=? AND contributor_id=?`, entityID, contributorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

func (r Repo) GetEntityRoleTx(ctx context.Context, tx *sql.Tx, entityID, contributorID string) (string, error) {
	var role string
	err := tx.QueryRowContext(ctx, `SELECT role FROM entity_contributors WHERE entity_id=? AND contributor_id=?`, entityID, contributorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

func (r Repo) ListEntityContributors(ctx context.Context, entityID string) ([]domain.EntityContributor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT entity_id,contributor_id,role,added_at FROM entity_contributors WHERE entity_id=? ORDER BY added_at ASC, contributor_id ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EntityContributor
	for rows.Next() {
		var link domain.EntityContributor
		if err := rows.Scan(&link.EntityID, &link.ContributorID, &link.Role, &link.AddedAt); err != nil {
			return nil, err
		}
		res = append(res, link)
	}
	return res, rows.Err()
}

func (r Repo) CountOwnersTx(ctx context.Context, tx *sql.Tx, entityID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM entity_contributors WHERE entity_id=? AND role='owner'`, entityID).Scan(&n)
	return n, err
}

// --- versions ---

func (r Repo) InsertVersionTx(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	tags, err := marshalTags(v.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO versions(entity_id,name,description,priority,due_date,tags_json,state_id,author_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		v.EntityID, v.Name, nullable(v.Description), v.Priority, nullableStringPtr(v.DueDate), tags, v.StateID, v.AuthorID, v.CreatedAt)
	return err
}

func (r Repo) ListVersions(ctx context.Context, entityID string) ([]domain.Version, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_id,name,COALESCE(description,''),priority,due_date,tags_json,state_id,author_id,created_at
FROM versions WHERE entity_id=? ORDER BY id ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		var v domain.Version
		var dueDate, tagsJSON sql.NullString
		if err := rows.Scan(&v.ID, &v.EntityID, &v.Name, &v.Description, &v.Priority, &dueDate, &tagsJSON, &v.StateID, &v.AuthorID, &v.CreatedAt); err != nil {
			return nil, err
		}
		if dueDate.Valid {
			v.DueDate = &dueDate.String
		}
		if tagsJSON.Valid {
			v.Tags = unmarshalTags(tagsJSON.String)
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) CountVersions(ctx context.Context, entityID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM versions WHERE entity_id=?`, entityID).Scan(&n)
	return n, err
}

// --- timeline ---

// ListTimeline returns the full event sequence for an entity in
// chronological order; the row id breaks ties under clock skew.
func (r Repo) ListTimeline(ctx context.Context, entityID string) ([]domain.TimelineEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_id,kind,actor_id,ts,payload_json FROM timeline_events WHERE entity_id=? ORDER BY ts ASC, id ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		var evt domain.TimelineEvent
		if err := rows.Scan(&evt.ID, &evt.EntityID, &evt.Kind, &evt.ActorID, &evt.TS, &evt.Payload); err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func (r Repo) CountTimeline(ctx context.Context, entityID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM timeline_events WHERE entity_id=?`, entityID).Scan(&n)
	return n, err
}

// --- stats ---

func (r Repo) CountEntitiesByState(ctx context.Context) (map[string]int, error) {
	return r.countGrouped(ctx, `SELECT s.name, count(e.id) FROM states s LEFT JOIN entities e ON e.current_state_id=s.id GROUP BY s.name`)
}

func (r Repo) CountEntitiesByPriority(ctx context.Context) (map[string]int, error) {
	return r.countGrouped(ctx, `SELECT priority, count(*) FROM entities GROUP BY priority`)
}

func (r Repo) CountEntities(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM entities`).Scan(&n)
	return n, err
}

func (r Repo) countGrouped(ctx context.Context, query string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		res[key] = count
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	return string(b), nil
}

func unmarshalTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	_ = json.Unmarshal([]byte(raw), &tags)
	return tags
}
