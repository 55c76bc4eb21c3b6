package resultstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-waterplan/pkg/logging"
)

// ErrPartialSave reports that the primary save succeeded but a secondary
// store or archiver failed.
var ErrPartialSave = errors.New("result set saved locally only")

// Archiver copies a run directory somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, runID, dir string) error
}

// Mirror saves to the file store first and then to any number of
// secondary stores and archivers. Loads come from the file store.
type Mirror struct {
	primary   *FileStore
	secondary []Store
	archivers []Archiver
	logger    logging.Logger
}

func NewMirror(primary *FileStore, logger logging.Logger) *Mirror {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Mirror{primary: primary, logger: logger}
}

// AddStore registers a secondary store.
func (m *Mirror) AddStore(s Store) *Mirror {
	m.secondary = append(m.secondary, s)
	return m
}

// AddArchiver registers an archiver of the run directory.
func (m *Mirror) AddArchiver(a Archiver) *Mirror {
	m.archivers = append(m.archivers, a)
	return m
}

// Save fails if the primary save fails. Secondary failures are joined into
// the returned error after every target has been tried.
func (m *Mirror) Save(ctx context.Context, rs *ResultSet) error {
	if err := m.primary.Save(ctx, rs); err != nil {
		return err
	}
	runID := rs.Metadata.RunID
	var errs []error
	for _, s := range m.secondary {
		if err := s.Save(ctx, rs); err != nil {
			m.logger.Warn("secondary result store failed", logging.RunID(runID), logging.Error(err))
			errs = append(errs, err)
		}
	}
	for _, a := range m.archivers {
		if err := a.Archive(ctx, runID, m.primary.RunDir(runID)); err != nil {
			m.logger.Warn("result archive failed", logging.RunID(runID), logging.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s: %w", ErrPartialSave, runID, errors.Join(errs...))
	}
	return nil
}

func (m *Mirror) Load(ctx context.Context, runID string) (*ResultSet, error) {
	return m.primary.Load(ctx, runID)
}
