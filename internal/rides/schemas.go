// Package rides holds the record types the ride app caches locally and
// typed repositories over their collections.
package rides

import "github.com/cachedb/cachedb/pkg/types"

// Collection names.
const (
	UserCollection  = "CachedUser"
	PlaceCollection = "CachedSavedPlace"
	RideCollection  = "CachedRide"
)

// ServerIDIndex is the unique index every cached type carries on the
// identifier the backend assigned.
const ServerIDIndex = "serverId"

// UserSchema describes CachedUser.
func UserSchema() *types.Schema {
	return &types.Schema{
		Name:    UserCollection,
		Version: 1,
		Fields: []types.FieldDef{
			{Name: "serverId", Type: types.KindString},
			{Name: "email", Type: types.KindString},
			{Name: "firstName", Type: types.KindString},
			{Name: "lastName", Type: types.KindString},
			{Name: "phone", Type: types.KindString, Nullable: true},
			{Name: "avatarUrl", Type: types.KindString, Nullable: true},
			{Name: "rating", Type: types.KindDouble, Nullable: true},
			{Name: "createdAt", Type: types.KindDateTime},
			{Name: "updatedAt", Type: types.KindDateTime},
		},
		Indexes: []types.IndexDef{
			{Name: ServerIDIndex, Fields: []string{"serverId"}, Unique: true, Kind: types.IndexHash},
			{Name: "email", Fields: []string{"email"}, CaseInsensitive: true},
		},
	}
}

// PlaceSchema describes CachedSavedPlace.
func PlaceSchema() *types.Schema {
	return &types.Schema{
		Name:    PlaceCollection,
		Version: 1,
		Fields: []types.FieldDef{
			{Name: "serverId", Type: types.KindString},
			{Name: "userServerId", Type: types.KindString},
			{Name: "name", Type: types.KindString},
			{Name: "address", Type: types.KindString, Nullable: true},
			{Name: "latitude", Type: types.KindDouble},
			{Name: "longitude", Type: types.KindDouble},
			{Name: "placeType", Type: types.KindString, Nullable: true},
			{Name: "createdAt", Type: types.KindDateTime},
		},
		Indexes: []types.IndexDef{
			{Name: ServerIDIndex, Fields: []string{"serverId"}, Unique: true, Kind: types.IndexHash},
			{Name: "userServerId", Fields: []string{"userServerId"}, Kind: types.IndexHash},
		},
	}
}

// RideSchema describes CachedRide.
func RideSchema() *types.Schema {
	return &types.Schema{
		Name:    RideCollection,
		Version: 1,
		Fields: []types.FieldDef{
			{Name: "serverId", Type: types.KindString},
			{Name: "userServerId", Type: types.KindString},
			{Name: "isActive", Type: types.KindBool},
			{Name: "status", Type: types.KindString},
			{Name: "createdAt", Type: types.KindDateTime},
			{Name: "pickupAddress", Type: types.KindString},
			{Name: "pickupLat", Type: types.KindDouble},
			{Name: "pickupLng", Type: types.KindDouble},
			{Name: "dropoffAddress", Type: types.KindString, Nullable: true},
			{Name: "dropoffLat", Type: types.KindDouble, Nullable: true},
			{Name: "dropoffLng", Type: types.KindDouble, Nullable: true},
			{Name: "driverName", Type: types.KindString, Nullable: true},
			{Name: "driverPhone", Type: types.KindString, Nullable: true},
			{Name: "vehiclePlate", Type: types.KindString, Nullable: true},
			{Name: "currency", Type: types.KindString, Nullable: true},
			{Name: "fare", Type: types.KindDouble, Nullable: true},
			{Name: "distanceKm", Type: types.KindDouble, Nullable: true},
			{Name: "seats", Type: types.KindLong},
			{Name: "completedAt", Type: types.KindDateTime, Nullable: true},
		},
		Indexes: []types.IndexDef{
			{Name: ServerIDIndex, Fields: []string{"serverId"}, Unique: true},
			{Name: "isActive", Fields: []string{"isActive"}},
			{Name: "createdAt", Fields: []string{"createdAt"}},
			{Name: "currency", Fields: []string{"currency"}},
		},
	}
}

// Schemas returns the schemas of every cached type.
func Schemas() []*types.Schema {
	return []*types.Schema{UserSchema(), PlaceSchema(), RideSchema()}
}
