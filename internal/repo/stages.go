package repo

import (
	"context"
	"database/sql"

	"salesline/internal/domain"
)

const stageColumns = `id,name,slug,position,color,is_won,is_lost`

func scanStage(s scanner) (domain.Stage, error) {
	var st domain.Stage
	var won, lost int
	if err := s.Scan(&st.ID, &st.Name, &st.Slug, &st.Position, &st.Color, &won, &lost); err != nil {
		if err == sql.ErrNoRows {
			return st, ErrNotFound
		}
		return st, err
	}
	st.IsWon = won == 1
	st.IsLost = lost == 1
	return st, nil
}

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, st domain.Stage) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO stages(`+stageColumns+`) VALUES (?,?,?,?,?,?,?)`,
		st.ID, st.Name, st.Slug, st.Position, st.Color, boolInt(st.IsWon), boolInt(st.IsLost))
	return err
}

func (r Repo) GetStage(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	return scanStage(r.on(tx).QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id))
}

// ListStages returns the catalog ordered by position.
func (r Repo) ListStages(ctx context.Context, tx *sql.Tx) ([]domain.Stage, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+stageColumns+` FROM stages ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) CountStages(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM stages`).Scan(&n)
	return n, err
}
