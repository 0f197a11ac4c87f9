package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/pkg/errors"
)

// LatestSchemaFileName is the full schema applied to fresh installations.
const LatestSchemaFileName = "LATEST.sql"

//go:embed migration
var migrationFS embed.FS

// Migrate initializes the database schema for fresh installations.
// An already-initialized database is left untouched.
func (s *Store) Migrate(ctx context.Context) error {
	initialized, err := s.driver.IsInitialized(ctx)
	if err != nil {
		return errors.Wrap(err, "check database initialization")
	}
	if initialized {
		return nil
	}

	buf, err := migrationFS.ReadFile(fmt.Sprintf("migration/%s/%s", s.profile.Driver, LatestSchemaFileName))
	if err != nil {
		return errors.Wrapf(err, "read latest schema for driver %q", s.profile.Driver)
	}

	if _, err := s.driver.GetDB().ExecContext(ctx, string(buf)); err != nil {
		return errors.Wrap(err, "apply latest schema")
	}
	return nil
}
