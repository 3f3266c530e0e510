package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cachedb/cachedb/internal/config"
	"github.com/cachedb/cachedb/internal/db"
	"github.com/cachedb/cachedb/pkg/types"
)

func tagSchema() *types.Schema {
	return &types.Schema{
		Name:    "CachedTag",
		Version: 1,
		Fields: []types.FieldDef{
			{Name: "slug", Type: types.KindString},
			{Name: "weight", Type: types.KindLong},
		},
		Indexes: []types.IndexDef{
			{Name: "slug", Fields: []string{"slug"}, Unique: true},
		},
	}
}

func object(t *testing.T, fields map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func newClient(t *testing.T) (*Client, *db.DB) {
	t.Helper()
	d, err := db.Open(context.Background(), config.InMemory(config.EngineMemory), zerolog.Nop(), tagSchema())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(d, zerolog.Nop())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), d
}

func TestServer_PutGetDelete(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	put, err := c.Put(ctx, &PutRequest{Collection: "CachedTag", Record: object(t, map[string]interface{}{"slug": "go", "weight": 3})})
	require.NoError(t, err)
	assert.Equal(t, int64(1), put.ID)

	put, err = c.Put(ctx, &PutRequest{Collection: "CachedTag", Index: "slug", Record: object(t, map[string]interface{}{"slug": "go", "weight": 7})})
	require.NoError(t, err)
	assert.Equal(t, int64(1), put.ID)

	got, err := c.Get(ctx, &GetRequest{Collection: "CachedTag", ID: 1})
	require.NoError(t, err)
	require.True(t, got.Found)
	assert.Equal(t, map[string]interface{}{"id": 1.0, "slug": "go", "weight": 7.0}, got.Record.AsMap())

	byKey, err := c.GetByIndex(ctx, &GetByIndexRequest{Collection: "CachedTag", Index: "slug", Key: []*structpb.Value{structpb.NewStringValue("go")}})
	require.NoError(t, err)
	assert.True(t, byKey.Found)

	del, err := c.Delete(ctx, &DeleteRequest{Collection: "CachedTag", ID: 1})
	require.NoError(t, err)
	assert.True(t, del.Deleted)

	got, err = c.Get(ctx, &GetRequest{Collection: "CachedTag", ID: 1})
	require.NoError(t, err)
	assert.False(t, got.Found)
}

func TestServer_Query(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	for i, slug := range []string{"a", "b", "c"} {
		rec := object(t, map[string]interface{}{"slug": slug, "weight": 1 + 4*i})
		_, err := c.Put(ctx, &PutRequest{Collection: "CachedTag", Record: rec})
		require.NoError(t, err)
	}

	resp, err := c.Query(ctx, &QueryRequest{
		Collection: "CachedTag",
		Spec: object(t, map[string]interface{}{
			"filter": map[string]interface{}{"field": "weight", "op": "gt", "value": 2},
			"sort":   []interface{}{map[string]interface{}{"field": "weight", "desc": true}},
		}),
	})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Count)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, map[string]interface{}{"id": 3.0, "slug": "c", "weight": 9.0}, resp.Records[0].AsMap())
	assert.Equal(t, "b", resp.Records[1].AsMap()["slug"])

	resp, err = c.Query(ctx, &QueryRequest{Collection: "CachedTag", Op: "count"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Count)

	resp, err = c.Query(ctx, &QueryRequest{Collection: "CachedTag", Op: "delete"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Count)
}

func TestServer_ErrorCodes(t *testing.T) {
	c, d := newClient(t)
	ctx := context.Background()
	_, err := c.Put(ctx, &PutRequest{Collection: "CachedTag", Record: object(t, map[string]interface{}{"slug": "a", "weight": 1})})
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{"unknown collection", func() error {
			_, err := c.Get(ctx, &GetRequest{Collection: "Nope", ID: 1})
			return err
		}, codes.NotFound},
		{"missing collection", func() error {
			_, err := c.Get(ctx, &GetRequest{ID: 1})
			return err
		}, codes.InvalidArgument},
		{"unique violation", func() error {
			_, err := c.Put(ctx, &PutRequest{Collection: "CachedTag", Record: object(t, map[string]interface{}{"slug": "a", "weight": 2})})
			return err
		}, codes.AlreadyExists},
		{"type mismatch", func() error {
			_, err := c.Put(ctx, &PutRequest{Collection: "CachedTag", Record: object(t, map[string]interface{}{"slug": 3})})
			return err
		}, codes.InvalidArgument},
		{"unknown index", func() error {
			_, err := c.GetByIndex(ctx, &GetByIndexRequest{Collection: "CachedTag", Index: "nope", Key: []*structpb.Value{structpb.NewStringValue("a")}})
			return err
		}, codes.InvalidArgument},
		{"missing record", func() error {
			_, err := c.Put(ctx, &PutRequest{Collection: "CachedTag"})
			return err
		}, codes.InvalidArgument},
		{"fractional long", func() error {
			_, err := c.Put(ctx, &PutRequest{Collection: "CachedTag", Record: object(t, map[string]interface{}{"slug": "z", "weight": 1.5})})
			return err
		}, codes.InvalidArgument},
		{"key arity", func() error {
			_, err := c.GetByIndex(ctx, &GetByIndexRequest{Collection: "CachedTag", Index: "slug"})
			return err
		}, codes.InvalidArgument},
		{"unknown op", func() error {
			_, err := c.Query(ctx, &QueryRequest{Collection: "CachedTag", Op: "merge"})
			return err
		}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(tt.call()))
		})
	}

	require.NoError(t, d.Close())
	_, err = c.Get(ctx, &GetRequest{Collection: "CachedTag", ID: 1})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestServer_RequestIDHeader(t *testing.T) {
	c, _ := newClient(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-request-id", "req-7")

	var header metadata.MD
	_, err := c.Get(ctx, &GetRequest{Collection: "CachedTag", ID: 1}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-7"}, header.Get("x-request-id"))
}

func TestCacheFile_DescribesService(t *testing.T) {
	svc := CacheFile.Services().ByName("Cache")
	require.NotNil(t, svc)
	assert.Equal(t, ServiceName, string(svc.FullName()))

	methods := svc.Methods()
	var names []string
	for i := 0; i < methods.Len(); i++ {
		names = append(names, string(methods.Get(i).Name()))
	}
	assert.Equal(t, []string{"Get", "GetByIndex", "Put", "Delete", "Query"}, names)
	assert.Equal(t, "google.protobuf.Struct", string(methods.ByName("Put").Input().Fields().ByName("record").Message().FullName()))
}

func TestWireMessages_RoundTrip(t *testing.T) {
	sent := &GetByIndexRequest{
		Collection: "CachedTag",
		Index:      "slug",
		Key:        []*structpb.Value{structpb.NewStringValue("go"), structpb.NewNullValue()},
	}
	data, err := proto.Marshal(toWire(sent))
	require.NoError(t, err)

	in := dynamicpb.NewMessage(getByIndexRequestDesc)
	require.NoError(t, proto.Unmarshal(data, in))
	got := new(GetByIndexRequest)
	require.NoError(t, got.decode(in))
	assert.Equal(t, "CachedTag", got.Collection)
	assert.Equal(t, "slug", got.Index)
	require.Len(t, got.Key, 2)
	assert.Equal(t, "go", got.Key[0].GetStringValue())
	assert.Nil(t, got.Key[1].AsInterface())

	empty := new(QueryResponse)
	require.NoError(t, empty.decode(dynamicpb.NewMessage(queryResponseDesc)))
	assert.Empty(t, empty.Records)
	assert.Equal(t, 0, empty.Count)
}
