// Package repository persists runs and reads project files.
package repository

import (
	"context"
	"errors"

	"runbox/internal/common/db"
)

// FileRepository reads the current files of a project.
type FileRepository interface {
	// GetFiles returns path to content. A project without files yields an empty map.
	GetFiles(ctx context.Context, projectID string) (map[string]string, error)
}

// SQLFileRepository implements FileRepository over the files table.
type SQLFileRepository struct {
	db db.Database
}

func NewFileRepository(database db.Database) *SQLFileRepository {
	return &SQLFileRepository{db: database}
}

func (r *SQLFileRepository) GetFiles(ctx context.Context, projectID string) (map[string]string, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	rows, err := r.db.Query(ctx, "SELECT path, content FROM files WHERE project_id = ?", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make(map[string]string)
	for rows.Next() {
		var path string
		var content *string
		if err := rows.Scan(&path, &content); err != nil {
			return nil, err
		}
		if content != nil {
			files[path] = *content
		} else {
			files[path] = ""
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return files, nil
}
