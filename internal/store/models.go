package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

type Document struct {
	ID        string
	Name      string
	Content   string
	PlainText string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentSummary is a document without its content.
type DocumentSummary struct {
	ID        string
	Name      string
	UpdatedAt time.Time
}

type MediaFile struct {
	ID          string
	ContentType string
	SizeBytes   int64
	UploadedAt  time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
