package rides

import (
	"context"
	"time"

	"github.com/cachedb/cachedb/internal/collection"
	"github.com/cachedb/cachedb/internal/db"
	"github.com/cachedb/cachedb/internal/query"
	"github.com/cachedb/cachedb/pkg/types"
)

// mapper converts one cached type to and from records.
type mapper[T any] struct {
	id     func(*T) *int64
	encode func(*T, *fieldWriter)
	decode func(fieldReader) *T
}

// Repository stores values of one cached type in its collection.
type Repository[T any] struct {
	c    *collection.Collection
	opts []query.Option
	m    mapper[T]
}

// Collection returns the underlying collection.
func (r *Repository[T]) Collection() *collection.Collection { return r.c }

func (r *Repository[T]) record(v *T) (*types.Record, error) {
	rec := r.c.Schema().NewRecord()
	rec.ID = *r.m.id(v)
	w := &fieldWriter{rec: rec}
	r.m.encode(v, w)
	return rec, w.err
}

func (r *Repository[T]) value(rec *types.Record) *T {
	if rec == nil {
		return nil
	}
	v := r.m.decode(fieldReader{rec: rec})
	*r.m.id(v) = rec.ID
	return v
}

// Put stores v under its ID, assigning one when it is 0, and sets v.ID.
func (r *Repository[T]) Put(ctx context.Context, v *T) (int64, error) {
	rec, err := r.record(v)
	if err != nil {
		return 0, err
	}
	id, err := r.c.Put(ctx, rec)
	if err != nil {
		return 0, err
	}
	*r.m.id(v) = id
	return id, nil
}

// PutByServerID replaces the cached value with the same server id, or
// stores v as a new value, and sets v.ID.
func (r *Repository[T]) PutByServerID(ctx context.Context, v *T) (int64, error) {
	rec, err := r.record(v)
	if err != nil {
		return 0, err
	}
	id, err := r.c.PutByIndex(ctx, ServerIDIndex, rec)
	if err != nil {
		return 0, err
	}
	*r.m.id(v) = id
	return id, nil
}

// Get returns the value stored under id, or nil.
func (r *Repository[T]) Get(ctx context.Context, id int64) (*T, error) {
	rec, err := r.c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.value(rec), nil
}

// GetByServerID returns the value with the given server id, or nil.
func (r *Repository[T]) GetByServerID(ctx context.Context, serverID string) (*T, error) {
	rec, err := r.c.GetByIndex(ctx, ServerIDIndex, types.String(serverID))
	if err != nil {
		return nil, err
	}
	return r.value(rec), nil
}

// Delete removes the value stored under id.
func (r *Repository[T]) Delete(ctx context.Context, id int64) (bool, error) {
	return r.c.Delete(ctx, id)
}

// DeleteByServerID removes the value with the given server id.
func (r *Repository[T]) DeleteByServerID(ctx context.Context, serverID string) (bool, error) {
	_, found, err := r.c.DeleteByIndex(ctx, ServerIDIndex, types.String(serverID))
	return found, err
}

// Count returns the number of cached values.
func (r *Repository[T]) Count(ctx context.Context) (int, error) {
	return r.c.Count(ctx)
}

// Query starts a query over the collection.
func (r *Repository[T]) Query() *query.Query {
	return query.New(r.c, r.opts...)
}

// Find runs q and decodes its results.
func (r *Repository[T]) Find(ctx context.Context, q *query.Query) ([]*T, error) {
	recs, err := q.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(recs))
	for i, rec := range recs {
		out[i] = r.value(rec)
	}
	return out, nil
}

// Users is the CachedUser repository.
type Users struct {
	*Repository[User]
}

// FindByEmail returns the user with the given email, ignoring case, or nil.
func (u *Users) FindByEmail(ctx context.Context, email string) (*User, error) {
	rec, err := u.Query().Index("email").EqualTo(types.String(email)).FindFirst(ctx)
	if err != nil {
		return nil, err
	}
	return u.value(rec), nil
}

// Places is the CachedSavedPlace repository.
type Places struct {
	*Repository[SavedPlace]
}

// PlacesForUser returns the saved places of a user ordered by name.
func (p *Places) PlacesForUser(ctx context.Context, userServerID string) ([]*SavedPlace, error) {
	q := p.Query().
		Index("userServerId").EqualTo(types.String(userServerID)).
		SortBy("name", query.Asc)
	return p.Find(ctx, q)
}

// Rides is the CachedRide repository.
type Rides struct {
	*Repository[Ride]
}

// ActiveRides returns the active rides, newest first.
func (r *Rides) ActiveRides(ctx context.Context) ([]*Ride, error) {
	q := r.Query().
		Index("isActive").EqualTo(types.Bool(true)).
		SortBy("createdAt", query.Desc)
	return r.Find(ctx, q)
}

// RecentRides returns up to limit rides created at or after since, newest
// first. A negative limit returns all of them.
func (r *Rides) RecentRides(ctx context.Context, since time.Time, limit int) ([]*Ride, error) {
	q := r.Query().
		Index("createdAt").GreaterThan(types.DateTime(since), true).
		WhereSort(query.Desc)
	if limit >= 0 {
		q.Limit(limit)
	}
	return r.Find(ctx, q)
}

// RidesForUser returns the rides of a user, newest first.
func (r *Rides) RidesForUser(ctx context.Context, userServerID string) ([]*Ride, error) {
	q := r.Query().
		Filter(query.Field("userServerId").EqualTo(types.String(userServerID))).
		SortBy("createdAt", query.Desc)
	return r.Find(ctx, q)
}

// Store holds the repositories of every cached type.
type Store struct {
	Users  *Users
	Places *Places
	Rides  *Rides
}

// Open binds the repositories to the collections of d, which must have
// been opened with Schemas.
func Open(d *db.DB) (*Store, error) {
	users, err := d.Collection(UserCollection)
	if err != nil {
		return nil, err
	}
	places, err := d.Collection(PlaceCollection)
	if err != nil {
		return nil, err
	}
	rides, err := d.Collection(RideCollection)
	if err != nil {
		return nil, err
	}
	opts := d.QueryOptions()
	return &Store{
		Users:  &Users{&Repository[User]{c: users, opts: opts, m: userMapper}},
		Places: &Places{&Repository[SavedPlace]{c: places, opts: opts, m: placeMapper}},
		Rides:  &Rides{&Repository[Ride]{c: rides, opts: opts, m: rideMapper}},
	}, nil
}
