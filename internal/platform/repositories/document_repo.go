package repositories

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"signet/internal/platform/models"
)

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = "doc_" + uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = models.DocumentStatusDraft
	}
	now := time.Now().UnixMilli()
	if doc.CreatedAt == 0 {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, title, sender_name, status, file_path, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.OwnerID, doc.Title, doc.SenderName, doc.Status, doc.FilePath, nullInt64(doc.ExpiresAt), doc.CreatedAt, doc.UpdatedAt)
	return err
}

const documentColumns = `id, owner_id, title, sender_name, status, file_path, expires_at, created_at, updated_at`

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*models.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

// ExpiringCursor is the position after the last document of a ListPendingExpiring page.
type ExpiringCursor struct {
	ExpiresAt int64
	ID        string
}

// ListPendingExpiring returns a page of pending documents whose expiration is still in the
// future, ordered by expiration. The first page starts at ExpiringCursor{ExpiresAt: now}.
func (r *DocumentRepository) ListPendingExpiring(ctx context.Context, now int64, after ExpiringCursor, limit int) ([]*models.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at > ?
		  AND (expires_at > ? OR (expires_at = ? AND id > ?))
		ORDER BY expires_at, id
		LIMIT ?
	`, models.DocumentStatusPending, now, after.ExpiresAt, after.ExpiresAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// TransitionStatus moves the document to status only while it is in one of from. It reports
// whether this call made the change.
func (r *DocumentRepository) TransitionStatus(ctx context.Context, id, status string, from ...string) (bool, error) {
	args := []interface{}{status, time.Now().UnixMilli(), id}
	placeholders := make([]string, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteTx removes the document inside tx. Signers and reminders cascade.
func (r *DocumentRepository) DeleteTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DocumentRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

func scanDocument(s scanner) (*models.Document, error) {
	var doc models.Document
	var expiresAt sql.NullInt64
	err := s.Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.SenderName, &doc.Status, &doc.FilePath, &expiresAt, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.ExpiresAt = int64Ptr(expiresAt)
	return &doc, nil
}

type SignerRepository struct {
	db *sql.DB
}

func NewSignerRepository(db *sql.DB) *SignerRepository {
	return &SignerRepository{db: db}
}

func (r *SignerRepository) Create(ctx context.Context, signer *models.Signer) error {
	if signer.ID == "" {
		signer.ID = "sgn_" + uuid.New().String()
	}
	if signer.Status == "" {
		signer.Status = models.SignerStatusPending
	}
	if signer.SigningToken == "" {
		signer.SigningToken = uuid.New().String()
	}
	now := time.Now().UnixMilli()
	signer.CreatedAt = now
	signer.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signers (id, document_id, email, name, status, signing_token, signed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, signer.ID, signer.DocumentID, signer.Email, signer.Name, signer.Status, signer.SigningToken, nullInt64(signer.SignedAt), signer.CreatedAt, signer.UpdatedAt)
	return err
}

const signerColumns = `id, document_id, email, name, status, signing_token, signed_at, created_at, updated_at`

func (r *SignerRepository) GetByID(ctx context.Context, id string) (*models.Signer, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+signerColumns+` FROM signers WHERE id = ?`, id)
	signer, err := scanSigner(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return signer, err
}

func (r *SignerRepository) ListPendingByDocument(ctx context.Context, documentID string) ([]*models.Signer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+signerColumns+` FROM signers
		WHERE document_id = ? AND status = ?
		ORDER BY created_at
	`, documentID, models.SignerStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signers []*models.Signer
	for rows.Next() {
		signer, err := scanSigner(rows)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}
	return signers, rows.Err()
}

// MarkSigned moves a pending signer to signed. It reports false if the signer was not pending.
func (r *SignerRepository) MarkSigned(ctx context.Context, id string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := r.db.ExecContext(ctx, `
		UPDATE signers SET status = ?, signed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.SignerStatusSigned, now, now, id, models.SignerStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanSigner(s scanner) (*models.Signer, error) {
	var signer models.Signer
	var signedAt sql.NullInt64
	err := s.Scan(&signer.ID, &signer.DocumentID, &signer.Email, &signer.Name, &signer.Status, &signer.SigningToken, &signedAt, &signer.CreatedAt, &signer.UpdatedAt)
	if err != nil {
		return nil, err
	}
	signer.SignedAt = int64Ptr(signedAt)
	return &signer, nil
}
