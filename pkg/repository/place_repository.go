package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/tourbot/querycache/pkg/database"
	"github.com/tourbot/querycache/pkg/observability"
	"github.com/tourbot/querycache/pkg/querycache"
)

// Place tables whose reads are cached
const (
	TableAttractions = "attractions"
	TableRestaurants = "restaurants"
	TableHotels      = "hotels"
)

// PlaceTables lists every table a PlaceRepository may be bound to
var PlaceTables = []string{TableAttractions, TableRestaurants, TableHotels}

var (
	// ErrNotFound is returned when no place has the requested id
	ErrNotFound = errors.New("place not found")
	// ErrInvalidPlace is returned for places that fail validation
	ErrInvalidPlace = errors.New("invalid place")
	// ErrUnknownTable is returned for tables outside PlaceTables
	ErrUnknownTable = errors.New("unknown place table")
)

// Place is a row in one of the place tables
type Place struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Latitude    float64   `db:"latitude" json:"latitude"`
	Longitude   float64   `db:"longitude" json:"longitude"`
	Embedding   []float32 `db:"-" json:"embedding,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Validate checks the fields the database cannot
func (p *Place) Validate() error {
	if p.Name == "" {
		return errors.Wrap(ErrInvalidPlace, "name is required")
	}
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return errors.Wrapf(ErrInvalidPlace, "latitude %v out of range", p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return errors.Wrapf(ErrInvalidPlace, "longitude %v out of range", p.Longitude)
	}
	return nil
}

func (p *Place) embeddingArg() (sql.NullString, error) {
	if len(p.Embedding) == 0 {
		return sql.NullString{}, nil
	}
	literal, err := querycache.VectorLiteral(p.Embedding)
	if err != nil {
		return sql.NullString{}, errors.Wrap(ErrInvalidPlace, err.Error())
	}
	return sql.NullString{String: literal, Valid: true}, nil
}

// PlaceRepository writes places and invalidates the cached reads over its
// table once each write has committed.
type PlaceRepository struct {
	db          *sqlx.DB
	table       string
	invalidator querycache.CacheInvalidator
	logger      observability.Logger
}

// NewPlaceRepository creates a repository bound to table
func NewPlaceRepository(db *sqlx.DB, table string, invalidator querycache.CacheInvalidator, logger observability.Logger) (*PlaceRepository, error) {
	if !isPlaceTable(table) {
		return nil, errors.Wrapf(ErrUnknownTable, "%q", table)
	}
	if invalidator == nil {
		return nil, errors.New("cache invalidator is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &PlaceRepository{
		db:          db,
		table:       table,
		invalidator: invalidator,
		logger:      logger.WithPrefix("place-repository").With(map[string]interface{}{"table": table}),
	}, nil
}

// NewPlaceRepositories creates one repository per place table
func NewPlaceRepositories(db *sqlx.DB, invalidator querycache.CacheInvalidator, logger observability.Logger) (map[string]*PlaceRepository, error) {
	repos := make(map[string]*PlaceRepository, len(PlaceTables))
	for _, table := range PlaceTables {
		repo, err := NewPlaceRepository(db, table, invalidator, logger)
		if err != nil {
			return nil, err
		}
		repos[table] = repo
	}
	return repos, nil
}

func isPlaceTable(table string) bool {
	for _, t := range PlaceTables {
		if t == table {
			return true
		}
	}
	return false
}

// Table returns the table this repository writes to
func (r *PlaceRepository) Table() string {
	return r.table
}

// Get loads a place by id
func (r *PlaceRepository) Get(ctx context.Context, id int64) (*Place, error) {
	query := fmt.Sprintf(`
		SELECT id, name, description,
			ST_Y(location::geometry) AS latitude,
			ST_X(location::geometry) AS longitude,
			created_at, updated_at
		FROM %s
		WHERE id = $1
	`, r.table)

	var place Place
	if err := r.db.GetContext(ctx, &place, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get place")
	}
	return &place, nil
}

// Create inserts place and fills in its id and timestamps
func (r *PlaceRepository) Create(ctx context.Context, place *Place) (*Place, error) {
	if err := place.Validate(); err != nil {
		return nil, err
	}
	embedding, err := place.embeddingArg()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, description, location, embedding, search_vector, created_at, updated_at)
		VALUES (
			$1, $2,
			ST_SetSRID(ST_MakePoint($4, $3), 4326)::geography,
			$5::vector,
			to_tsvector('english', $1::text || ' ' || $2::text),
			NOW(), NOW()
		)
		RETURNING id, created_at, updated_at
	`, r.table)

	created := *place
	err = database.RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return tx.QueryRowxContext(ctx, query,
			place.Name, place.Description, place.Latitude, place.Longitude, embedding,
		).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create place")
	}

	if err := r.invalidate(ctx, "create"); err != nil {
		return &created, err
	}
	return &created, nil
}

// Update overwrites the place with place.ID
func (r *PlaceRepository) Update(ctx context.Context, place *Place) error {
	if err := place.Validate(); err != nil {
		return err
	}
	embedding, err := place.embeddingArg()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			name = $2,
			description = $3,
			location = ST_SetSRID(ST_MakePoint($5, $4), 4326)::geography,
			embedding = $6::vector,
			search_vector = to_tsvector('english', $2::text || ' ' || $3::text),
			updated_at = NOW()
		WHERE id = $1
	`, r.table)

	err = database.RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query,
			place.ID, place.Name, place.Description, place.Latitude, place.Longitude, embedding)
		if err != nil {
			return err
		}
		return requireAffected(res)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrap(err, "failed to update place")
	}

	return r.invalidate(ctx, "update")
}

// Delete removes the place with id
func (r *PlaceRepository) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table)

	err := database.RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, id)
		if err != nil {
			return err
		}
		return requireAffected(res)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrap(err, "failed to delete place")
	}

	return r.invalidate(ctx, "delete")
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// invalidate runs after commit so a concurrent reader cannot repopulate the
// cache from the pre-write state.
func (r *PlaceRepository) invalidate(ctx context.Context, op string) error {
	removed, err := r.invalidator.InvalidateByTablePrefix(ctx, r.table)
	if err != nil {
		r.logger.Error("Cache invalidation failed after commit", map[string]interface{}{
			"operation": op,
			"error":     err.Error(),
		})
		return errors.Wrapf(err, "%s on %s committed but cache invalidation failed", op, r.table)
	}
	r.logger.Debug("Invalidated cached reads", map[string]interface{}{
		"operation": op,
		"removed":   removed,
	})
	return nil
}
