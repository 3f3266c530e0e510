package rides

import (
	"time"

	"github.com/cachedb/cachedb/pkg/types"
)

// User is a cached account.
type User struct {
	ID        int64
	ServerID  string
	Email     string
	FirstName string
	LastName  string
	Phone     *string
	AvatarURL *string
	Rating    *float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SavedPlace is a cached favourite location of a user.
type SavedPlace struct {
	ID           int64
	ServerID     string
	UserServerID string
	Name         string
	Address      *string
	Latitude     float64
	Longitude    float64
	PlaceType    *string
	CreatedAt    time.Time
}

// Ride is a cached ride. Driver, destination and price are unknown until
// the backend assigns them.
type Ride struct {
	ID             int64
	ServerID       string
	UserServerID   string
	IsActive       bool
	Status         string
	CreatedAt      time.Time
	PickupAddress  string
	PickupLat      float64
	PickupLng      float64
	DropoffAddress *string
	DropoffLat     *float64
	DropoffLng     *float64
	DriverName     *string
	DriverPhone    *string
	VehiclePlate   *string
	Currency       *string
	Fare           *float64
	DistanceKm     *float64
	Seats          int64
	CompletedAt    *time.Time
}

// fieldWriter sets record fields and keeps the first error.
type fieldWriter struct {
	rec *types.Record
	err error
}

func (w *fieldWriter) set(name string, v types.Value) {
	if w.err == nil {
		w.err = w.rec.Set(name, v)
	}
}

func (w *fieldWriter) str(name, s string) { w.set(name, types.String(s)) }
func (w *fieldWriter) double(name string, f float64) { w.set(name, types.Double(f)) }
func (w *fieldWriter) time(name string, t time.Time) { w.set(name, types.DateTime(t)) }

func (w *fieldWriter) optStr(name string, s *string) {
	if s == nil {
		w.set(name, types.Null())
		return
	}
	w.str(name, *s)
}

func (w *fieldWriter) optDouble(name string, f *float64) {
	if f == nil {
		w.set(name, types.Null())
		return
	}
	w.double(name, *f)
}

func (w *fieldWriter) optTime(name string, t *time.Time) {
	if t == nil {
		w.set(name, types.Null())
		return
	}
	w.time(name, *t)
}

// fieldReader reads fields of records decoded under the package schemas.
type fieldReader struct {
	rec *types.Record
}

func (r fieldReader) str(name string) string {
	s, _ := r.rec.MustGet(name).AsString()
	return s
}

func (r fieldReader) double(name string) float64 {
	f, _ := r.rec.MustGet(name).AsDouble()
	return f
}

func (r fieldReader) long(name string) int64 {
	i, _ := r.rec.MustGet(name).AsLong()
	return i
}

func (r fieldReader) boolean(name string) bool {
	b, _ := r.rec.MustGet(name).AsBool()
	return b
}

func (r fieldReader) time(name string) time.Time {
	t, _ := r.rec.MustGet(name).AsDateTime()
	return t
}

func (r fieldReader) optStr(name string) *string {
	s, ok := r.rec.MustGet(name).AsString()
	if !ok {
		return nil
	}
	return &s
}

func (r fieldReader) optDouble(name string) *float64 {
	f, ok := r.rec.MustGet(name).AsDouble()
	if !ok {
		return nil
	}
	return &f
}

func (r fieldReader) optTime(name string) *time.Time {
	t, ok := r.rec.MustGet(name).AsDateTime()
	if !ok {
		return nil
	}
	return &t
}

var userMapper = mapper[User]{
	id: func(u *User) *int64 { return &u.ID },
	encode: func(u *User, w *fieldWriter) {
		w.str("serverId", u.ServerID)
		w.str("email", u.Email)
		w.str("firstName", u.FirstName)
		w.str("lastName", u.LastName)
		w.optStr("phone", u.Phone)
		w.optStr("avatarUrl", u.AvatarURL)
		w.optDouble("rating", u.Rating)
		w.time("createdAt", u.CreatedAt)
		w.time("updatedAt", u.UpdatedAt)
	},
	decode: func(r fieldReader) *User {
		return &User{
			ServerID:  r.str("serverId"),
			Email:     r.str("email"),
			FirstName: r.str("firstName"),
			LastName:  r.str("lastName"),
			Phone:     r.optStr("phone"),
			AvatarURL: r.optStr("avatarUrl"),
			Rating:    r.optDouble("rating"),
			CreatedAt: r.time("createdAt"),
			UpdatedAt: r.time("updatedAt"),
		}
	},
}

var placeMapper = mapper[SavedPlace]{
	id: func(p *SavedPlace) *int64 { return &p.ID },
	encode: func(p *SavedPlace, w *fieldWriter) {
		w.str("serverId", p.ServerID)
		w.str("userServerId", p.UserServerID)
		w.str("name", p.Name)
		w.optStr("address", p.Address)
		w.double("latitude", p.Latitude)
		w.double("longitude", p.Longitude)
		w.optStr("placeType", p.PlaceType)
		w.time("createdAt", p.CreatedAt)
	},
	decode: func(r fieldReader) *SavedPlace {
		return &SavedPlace{
			ServerID:     r.str("serverId"),
			UserServerID: r.str("userServerId"),
			Name:         r.str("name"),
			Address:      r.optStr("address"),
			Latitude:     r.double("latitude"),
			Longitude:    r.double("longitude"),
			PlaceType:    r.optStr("placeType"),
			CreatedAt:    r.time("createdAt"),
		}
	},
}

var rideMapper = mapper[Ride]{
	id: func(r *Ride) *int64 { return &r.ID },
	encode: func(r *Ride, w *fieldWriter) {
		w.str("serverId", r.ServerID)
		w.str("userServerId", r.UserServerID)
		w.set("isActive", types.Bool(r.IsActive))
		w.str("status", r.Status)
		w.time("createdAt", r.CreatedAt)
		w.str("pickupAddress", r.PickupAddress)
		w.double("pickupLat", r.PickupLat)
		w.double("pickupLng", r.PickupLng)
		w.optStr("dropoffAddress", r.DropoffAddress)
		w.optDouble("dropoffLat", r.DropoffLat)
		w.optDouble("dropoffLng", r.DropoffLng)
		w.optStr("driverName", r.DriverName)
		w.optStr("driverPhone", r.DriverPhone)
		w.optStr("vehiclePlate", r.VehiclePlate)
		w.optStr("currency", r.Currency)
		w.optDouble("fare", r.Fare)
		w.optDouble("distanceKm", r.DistanceKm)
		w.set("seats", types.Long(r.Seats))
		w.optTime("completedAt", r.CompletedAt)
	},
	decode: func(r fieldReader) *Ride {
		return &Ride{
			ServerID:       r.str("serverId"),
			UserServerID:   r.str("userServerId"),
			IsActive:       r.boolean("isActive"),
			Status:         r.str("status"),
			CreatedAt:      r.time("createdAt"),
			PickupAddress:  r.str("pickupAddress"),
			PickupLat:      r.double("pickupLat"),
			PickupLng:      r.double("pickupLng"),
			DropoffAddress: r.optStr("dropoffAddress"),
			DropoffLat:     r.optDouble("dropoffLat"),
			DropoffLng:     r.optDouble("dropoffLng"),
			DriverName:     r.optStr("driverName"),
			DriverPhone:    r.optStr("driverPhone"),
			VehiclePlate:   r.optStr("vehiclePlate"),
			Currency:       r.optStr("currency"),
			Fare:           r.optDouble("fare"),
			DistanceKm:     r.optDouble("distanceKm"),
			Seats:          r.long("seats"),
			CompletedAt:    r.optTime("completedAt"),
		}
	},
}
