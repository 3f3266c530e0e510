package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cachedb/cachedb/internal/collection"
	"github.com/cachedb/cachedb/internal/db"
	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/query"
	"github.com/cachedb/cachedb/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = protoPackage + ".Cache"

// CacheServer is the server side of the Cache service.
type CacheServer interface {
	Get(context.Context, *GetRequest) (*RecordResponse, error)
	GetByIndex(context.Context, *GetByIndexRequest) (*RecordResponse, error)
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
}

// unaryHandler decodes the dynamic request into Req, runs call behind the
// interceptor chain and encodes the reply.
func unaryHandler[Req, Resp any, PReq interface {
	*Req
	wireMessage
}, PResp interface {
	*Resp
	wireMessage
}](method string, call func(CacheServer, context.Context, PReq) (PResp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			var req PReq = new(Req)
			in := dynamicpb.NewMessage(req.descriptor())
			if err := dec(in); err != nil {
				return nil, err
			}
			if err := req.decode(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", method, err)
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(srv.(CacheServer), ctx, req.(PReq))
				if err != nil {
					return nil, err
				}
				return toWire(resp), nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, req, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CacheServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler[GetRequest, RecordResponse]("Get", CacheServer.Get),
		unaryHandler[GetByIndexRequest, RecordResponse]("GetByIndex", CacheServer.GetByIndex),
		unaryHandler[PutRequest, PutResponse]("Put", CacheServer.Put),
		unaryHandler[DeleteRequest, DeleteResponse]("Delete", CacheServer.Delete),
		unaryHandler[QueryRequest, QueryResponse]("Query", CacheServer.Query),
	},
	Metadata: protoFile,
}

// Server implements CacheServer over a database.
type Server struct {
	db *db.DB
}

// NewServer creates a Cache service over d.
func NewServer(d *db.DB) *Server {
	return &Server{db: d}
}

// Register adds the Cache service to s.
func Register(s *grpc.Server, srv CacheServer) {
	s.RegisterService(&serviceDesc, srv)
}

// NewGRPCServer builds a gRPC server with the request ID, logging and
// recovery interceptors and the Cache service registered.
func NewGRPCServer(d *db.DB, logger zerolog.Logger) *grpc.Server {
	logger = logger.With().Str("component", "grpc").Logger()
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(logger),
		RequestIDInterceptor,
		LoggingInterceptor(logger),
	))
	Register(s, NewServer(d))
	return s
}

// Status converts a store error into a gRPC status error.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch cerrors.GetCode(err) {
	case cerrors.CodeUnknownCollection, cerrors.CodeObjectNotFound:
		code = codes.NotFound
	case cerrors.CodeClosed:
		code = codes.Unavailable
	default:
		switch cerrors.GetCategory(err) {
		case cerrors.ErrCategoryValidation, cerrors.ErrCategoryQuery:
			code = codes.InvalidArgument
		case cerrors.ErrCategoryConstraint:
			code = codes.AlreadyExists
		case cerrors.ErrCategorySchema:
			code = codes.FailedPrecondition
		}
	}
	return status.Error(code, err.Error())
}

func (s *Server) collection(name string) (*collection.Collection, error) {
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "collection is required")
	}
	return s.db.Collection(name)
}

// recordStruct converts a record into a Struct keyed by field name. Values
// take their JSON form, so datetimes are RFC 3339 strings.
func recordStruct(rec *types.Record) (*structpb.Struct, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalRecord(rec *types.Record) (*RecordResponse, error) {
	if rec == nil {
		return &RecordResponse{}, nil
	}
	s, err := recordStruct(rec)
	if err != nil {
		return nil, err
	}
	return &RecordResponse{Found: true, Record: s}, nil
}

// Get returns the record stored under req.ID.
func (s *Server) Get(ctx context.Context, req *GetRequest) (*RecordResponse, error) {
	c, err := s.collection(req.Collection)
	if err != nil {
		return nil, Status(err)
	}
	rec, err := c.Get(ctx, req.ID)
	if err != nil {
		return nil, Status(err)
	}
	resp, err := marshalRecord(rec)
	return resp, Status(err)
}

// GetByIndex returns the record holding req.Key in a unique index.
func (s *Server) GetByIndex(ctx context.Context, req *GetByIndexRequest) (*RecordResponse, error) {
	c, err := s.collection(req.Collection)
	if err != nil {
		return nil, Status(err)
	}
	schema := c.Schema()
	def, ok := schema.IndexDef(req.Index)
	if !ok {
		return nil, Status(cerrors.NewQueryError(cerrors.CodeUnknownIndex,
			fmt.Sprintf("%s has no index %q", schema.Name, req.Index)))
	}
	if len(req.Key) != len(def.Fields) {
		return nil, status.Errorf(codes.InvalidArgument, "index %q has %d fields, got %d key values",
			req.Index, len(def.Fields), len(req.Key))
	}
	key := make([]types.Value, len(req.Key))
	for i, raw := range req.Key {
		f, _ := schema.FieldByName(def.Fields[i])
		v, err := types.ValueFromJSON(f.Type, raw.AsInterface())
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "key %d: %v", i, err)
		}
		key[i] = v
	}
	rec, err := c.GetByIndex(ctx, req.Index, key...)
	if err != nil {
		return nil, Status(err)
	}
	resp, err := marshalRecord(rec)
	return resp, Status(err)
}

// Put stores req.Record.
func (s *Server) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	c, err := s.collection(req.Collection)
	if err != nil {
		return nil, Status(err)
	}
	if req.Record == nil {
		return nil, status.Error(codes.InvalidArgument, "record is required")
	}
	rec, err := types.RecordFromMap(c.Schema(), req.Record.AsMap())
	if err != nil {
		if cerrors.GetCategory(err) == "" {
			return nil, status.Errorf(codes.InvalidArgument, "invalid record: %v", err)
		}
		return nil, Status(err)
	}
	var id int64
	if req.Index != "" {
		id, err = c.PutByIndex(ctx, req.Index, rec)
	} else {
		id, err = c.Put(ctx, rec)
	}
	if err != nil {
		return nil, Status(err)
	}
	return &PutResponse{ID: id}, nil
}

// Delete removes the record stored under req.ID.
func (s *Server) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	c, err := s.collection(req.Collection)
	if err != nil {
		return nil, Status(err)
	}
	deleted, err := c.Delete(ctx, req.ID)
	if err != nil {
		return nil, Status(err)
	}
	return &DeleteResponse{Deleted: deleted}, nil
}

// Query runs req.Spec against the collection.
func (s *Server) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	c, err := s.collection(req.Collection)
	if err != nil {
		return nil, Status(err)
	}
	raw := []byte("{}")
	if req.Spec != nil {
		if raw, err = protojson.Marshal(req.Spec); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid spec: %v", err)
		}
	}
	spec, err := query.ParseSpec(raw)
	if err != nil {
		return nil, Status(err)
	}
	q, err := spec.Build(c, s.db.QueryOptions()...)
	if err != nil {
		return nil, Status(err)
	}

	resp := &QueryResponse{}
	switch req.Op {
	case "count":
		resp.Count, err = q.Count(ctx)
		return resp, Status(err)
	case "delete":
		resp.Count, err = q.DeleteAll(ctx)
		return resp, Status(err)
	case "", "find":
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown op %q", req.Op)
	}

	recs, err := q.FindAll(ctx)
	if err != nil {
		return nil, Status(err)
	}
	resp.Records = make([]*structpb.Struct, len(recs))
	for i, rec := range recs {
		if resp.Records[i], err = recordStruct(rec); err != nil {
			return nil, Status(err)
		}
	}
	resp.Count = len(recs)
	return resp, nil
}

// RequestIDInterceptor takes x-request-id from the incoming metadata, or
// generates one, and echoes it in the response header.
func RequestIDInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	id := RequestID(ctx)
	if id == "" {
		id = uuid.New().String()
		md, _ := metadata.FromIncomingContext(ctx)
		md = md.Copy()
		md.Set("x-request-id", id)
		ctx = metadata.NewIncomingContext(ctx, md)
	}
	grpc.SetHeader(ctx, metadata.Pairs("x-request-id", id))
	return handler(ctx, req)
}

// RequestID returns the x-request-id of an incoming call.
func RequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

// LoggingInterceptor logs one line per call.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		ev := logger.Debug()
		if code == codes.Internal || code == codes.Unknown {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("took", time.Since(start)).
			Str("request_id", RequestID(ctx)).
			Msg("call")
		return resp, err
	}
}

// RecoveryInterceptor turns a panic into codes.Internal.
func RecoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error().Interface("panic", p).Str("method", info.FullMethod).Msg("handler panicked")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}
