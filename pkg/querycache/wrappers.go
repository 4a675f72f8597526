package querycache

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Category suffixes used by the wrappers
const (
	KindSpatial = "spatial"
	KindVector  = "vector"
	KindSearch  = "search"
)

// CategoryFor returns the category tag for entity and kind, e.g. "hotels:vector"
func CategoryFor(entity, kind string) string {
	return entity + ":" + kind
}

// TTLs sets per-wrapper lifetimes. Zero values fall back to the engine default.
type TTLs struct {
	Spatial time.Duration
	Vector  time.Duration
	Search  time.Duration
}

// Queries builds the fixed cached read shapes over an Engine. Entity names are
// interpolated into SQL, so only registered entities are accepted.
type Queries struct {
	engine   *Engine
	ttls     TTLs
	entities map[string]struct{}
}

// NewQueries creates wrappers for the given entity tables
func NewQueries(engine *Engine, ttls TTLs, entities ...string) *Queries {
	q := &Queries{
		engine:   engine,
		ttls:     ttls,
		entities: make(map[string]struct{}, len(entities)),
	}
	for _, e := range entities {
		q.entities[e] = struct{}{}
	}
	return q
}

// Entities returns the registered entity tables in sorted order
func (q *Queries) Entities() []string {
	out := make([]string, 0, len(q.entities))
	for e := range q.entities {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func (q *Queries) checkEntity(entity string) error {
	if _, ok := q.entities[entity]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	return nil
}

const nearbyQuery = `
	SELECT t.*,
		ST_Distance(t.location, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography) / 1000.0 AS distance_km
	FROM %s t
	WHERE ST_DWithin(t.location, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3 * 1000.0)
	ORDER BY distance_km
	LIMIT $4
`

// Nearby returns up to limit rows of entity within radiusKm of (lat, lng),
// closest first.
func (q *Queries) Nearby(ctx context.Context, entity string, lat, lng, radiusKm float64, limit int) (*Result, error) {
	if err := q.checkEntity(entity); err != nil {
		return nil, err
	}
	switch {
	case math.IsNaN(lat) || lat < -90 || lat > 90:
		return nil, fmt.Errorf("%w: latitude %v out of range", ErrInvalidArgument, lat)
	case math.IsNaN(lng) || lng < -180 || lng > 180:
		return nil, fmt.Errorf("%w: longitude %v out of range", ErrInvalidArgument, lng)
	case !(radiusKm > 0) || math.IsInf(radiusKm, 0):
		return nil, fmt.Errorf("%w: radius must be positive", ErrInvalidArgument)
	case limit <= 0:
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidArgument)
	}

	query := Query{
		Text:   fmt.Sprintf(nearbyQuery, entity),
		Params: []interface{}{lat, lng, radiusKm, limit},
	}
	return q.engine.GetCached(ctx, query, CategoryFor(entity, KindSpatial), q.ttls.Spatial)
}

const similarQuery = `
	SELECT t.*, 1 - (t.embedding <=> $1::vector) AS similarity
	FROM %s t
	WHERE t.embedding IS NOT NULL
	ORDER BY t.embedding <=> $1::vector
	LIMIT $2
`

// SimilarTo returns the limit rows of entity whose embedding is closest to
// embedding by cosine distance.
func (q *Queries) SimilarTo(ctx context.Context, entity string, embedding []float32, limit int) (*Result, error) {
	if err := q.checkEntity(entity); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrInvalidArgument)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidArgument)
	}

	literal, err := VectorLiteral(embedding)
	if err != nil {
		return nil, err
	}

	query := Query{
		Text:   fmt.Sprintf(similarQuery, entity),
		Params: []interface{}{literal, limit},
	}
	return q.engine.GetCached(ctx, query, CategoryFor(entity, KindVector), q.ttls.Vector)
}

const searchQuery = `
	SELECT t.*, ts_rank(t.search_vector, plainto_tsquery('english', $1)) AS rank
	FROM %s t
	WHERE t.search_vector @@ plainto_tsquery('english', $1)
	ORDER BY rank DESC
	LIMIT $2
`

// Search runs a full-text search over entity, best matches first
func (q *Queries) Search(ctx context.Context, entity, text string, limit int) (*Result, error) {
	if err := q.checkEntity(entity); err != nil {
		return nil, err
	}
	text = NormalizeQuery(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty search text", ErrInvalidArgument)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidArgument)
	}

	query := Query{
		Text:   fmt.Sprintf(searchQuery, entity),
		Params: []interface{}{text, limit},
	}
	return q.engine.GetCached(ctx, query, CategoryFor(entity, KindSearch), q.ttls.Search)
}

// VectorLiteral formats embedding the way pgvector parses it: [0.1,0.2,0.3]
func VectorLiteral(embedding []float32) (string, error) {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("%w: embedding[%d] is not finite", ErrInvalidArgument, i)
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(f, 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}
