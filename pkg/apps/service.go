// Package apps manages applications, the machine identities of the domain.
package apps

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/permitd/permitd/pkg/authz"
	"github.com/permitd/permitd/pkg/codes"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/permitd/permitd/pkg/storage"
)

// PostgresService implements application management over PostgreSQL
type PostgresService struct {
	db     *sql.DB
	engine *authz.Engine
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, engine *authz.Engine) *PostgresService {
	return &PostgresService{db: db, engine: engine}
}

func validateAppName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", codes.Validation(codes.ApplicationNameBlank, "application name cannot be blank")
	}
	if len(name) < 3 {
		return "", codes.Validation(codes.ApplicationNameTooShort, "application name must be at least three characters")
	}
	return name, nil
}

func (s *PostgresService) concealErr(caller roles.Caller, err error) error {
	if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
		return codes.Unauthorizedf()
	}
	return err
}

const statusExpr = `
	CASE
		WHEN EXISTS (SELECT 1 FROM application_artifacts aa WHERE aa.application_id = a.id) THEN 'ACTIVE'
		WHEN a.passphrase_hash IS NOT NULL THEN 'CREDENTIALED'
		WHEN EXISTS (SELECT 1 FROM application_permissions ap WHERE ap.application_id = a.id) THEN 'BOUND'
		WHEN a.bind_token_hash IS NOT NULL THEN 'BIND_TOKEN_ISSUED'
		ELSE 'CREATED'
	END`

// CreateApplication creates an application in the given group. A missing
// group association is rejected before anything else; the name is validated
// only after the caller is authorized for the group.
func (s *PostgresService) CreateApplication(ctx context.Context, caller roles.Caller, groupID int64, name, description string) (*Application, error) {
	if groupID == 0 {
		return nil, codes.Validation(codes.ApplicationRequiresGroup, "application requires a group association")
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionApplicationManage, GroupID: groupID}); err != nil {
		return nil, err
	}

	name, err := validateAppName(name)
	if err != nil {
		return nil, err
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applications WHERE group_id = $1 AND LOWER(name) = LOWER($2)`,
		groupID, name).Scan(&count)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to check application name: %w", err))
	}
	if count > 0 {
		return nil, codes.Validation(codes.ApplicationAlreadyExists, "an application with this name already exists in the group")
	}

	app := &Application{GroupID: groupID, Name: name, Description: description, Status: StatusCreated}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO applications (group_id, name, description)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, groupID, name, description).Scan(&app.ID, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to create application: %w", err))
	}
	return app, nil
}

// GetApplication retrieves an application visible to the caller.
func (s *PostgresService) GetApplication(ctx context.Context, caller roles.Caller, id int64) (*Application, error) {
	app, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, s.concealErr(caller, err)
	}
	if caller.Kind == roles.CallerApplication {
		if caller.ApplicationID != id {
			return nil, codes.Unauthorizedf()
		}
		return app, nil
	}
	if !s.engine.VisibleGroups(ctx, caller).Allows(app.GroupID) {
		return nil, codes.Unauthorizedf()
	}
	return app, nil
}

// GetByID loads an application without an authorization gate. Internal use
// by the credential and login flows.
func (s *PostgresService) GetByID(ctx context.Context, id int64) (*Application, error) {
	app := &Application{}
	var status string
	var passphraseHash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.group_id, a.name, a.description, a.passphrase_hash, a.session_epoch,
		       a.created_at, a.updated_at, `+statusExpr+`
		FROM applications a
		WHERE a.id = $1
	`, id).Scan(&app.ID, &app.GroupID, &app.Name, &app.Description, &passphraseHash,
		&app.SessionEpoch, &app.CreatedAt, &app.UpdatedAt, &status)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.ApplicationNotFound, "application not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to get application: %w", err))
	}
	app.Status = Status(status)
	app.HasPassphrase = passphraseHash.Valid
	return app, nil
}

// UpdateApplication renames an application or changes its description.
// Moving an application between groups is rejected unconditionally.
func (s *PostgresService) UpdateApplication(ctx context.Context, caller roles.Caller, id, groupID int64, name, description string) (*Application, error) {
	app, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, s.concealErr(caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionApplicationManage, GroupID: app.GroupID}); err != nil {
		return nil, err
	}
	if groupID != 0 && groupID != app.GroupID {
		return nil, codes.Validation(codes.ApplicationGroupChangeDenied, "application group association cannot be changed")
	}

	name, err = validateAppName(name)
	if err != nil {
		return nil, err
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applications WHERE group_id = $1 AND LOWER(name) = LOWER($2) AND id <> $3`,
		app.GroupID, name, id).Scan(&count)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to check application name: %w", err))
	}
	if count > 0 {
		return nil, codes.Validation(codes.ApplicationAlreadyExists, "an application with this name already exists in the group")
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE applications SET name = $1, description = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING updated_at
	`, name, description, id).Scan(&app.UpdatedAt)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to update application: %w", err))
	}
	app.Name = name
	app.Description = description
	return app, nil
}

// DeleteApplication removes an application, its grants and cached artifacts
// in one transaction.
func (s *PostgresService) DeleteApplication(ctx context.Context, caller roles.Caller, id int64) error {
	app, err := s.GetByID(ctx, id)
	if err != nil {
		return s.concealErr(caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionApplicationManage, GroupID: app.GroupID}); err != nil {
		return err
	}

	return storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM application_permissions WHERE application_id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete application grants: %w", err))
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM application_artifacts WHERE application_id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete application artifacts: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete application: %w", err))
		}
		return nil
	})
}

// ListApplications pages through the applications visible to the caller,
// optionally filtered by name substring.
func (s *PostgresService) ListApplications(ctx context.Context, caller roles.Caller, filter string, pageable storage.Pageable) (storage.Page[Application], error) {
	var page storage.Page[Application]
	if caller.Kind == roles.CallerAnonymous {
		return page, codes.Unauthorizedf()
	}

	visible := s.engine.VisibleGroups(ctx, caller)
	if visible.Empty() {
		return storage.NewPage[Application](nil, pageable, 0), nil
	}

	like := "%" + strings.ToLower(strings.TrimSpace(filter)) + "%"
	where := `LOWER(a.name) LIKE $1`
	args := []interface{}{like}
	if !visible.All {
		where += ` AND a.group_id = ANY($2)`
		args = append(args, pq.Array(visible.GroupIDs))
	}

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applications a WHERE `+where, args...).Scan(&total)
	if err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to count applications: %w", err))
	}

	query := `
		SELECT a.id, a.group_id, a.name, a.description, a.created_at, a.updated_at, ` + statusExpr + `
		FROM applications a
		WHERE ` + where + fmt.Sprintf(`
		ORDER BY a.name
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, pageable.Limit(), pageable.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to list applications: %w", err))
	}
	defer rows.Close()

	var out []Application
	for rows.Next() {
		var app Application
		var status string
		if err := rows.Scan(&app.ID, &app.GroupID, &app.Name, &app.Description,
			&app.CreatedAt, &app.UpdatedAt, &status); err != nil {
			return page, storage.ClassifyErr(fmt.Errorf("failed to scan application: %w", err))
		}
		app.Status = Status(status)
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to iterate applications: %w", err))
	}
	return storage.NewPage(out, pageable, total), nil
}
