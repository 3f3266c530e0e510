// Package grpc serves the cache over gRPC.
//
// The service schema is assembled at init from descriptor protos rather
// than generated code. Messages travel as dynamic protobuf messages
// through grpc's default proto codec; records, index keys and query specs
// are carried as google.protobuf.Struct and Value.
package grpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	protoPackage = "cachedb.v1"
	protoFile    = "cachedb/v1/cache.proto"
)

func scalar(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func nested(name string, num int32, typeName string, repeated bool) *descriptorpb.FieldDescriptorProto {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	if repeated {
		label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	}
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(num),
		Label:    label.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
		TypeName: proto.String(typeName),
	}
}

func messageProto(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func methodProto(name, in, out string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String("." + protoPackage + "." + in),
		OutputType: proto.String("." + protoPackage + "." + out),
	}
}

// cacheFileProto is the schema of the Cache service:
//
//	message GetRequest        { string collection = 1; int64 id = 2; }
//	message GetByIndexRequest { string collection = 1; string index = 2; repeated google.protobuf.Value key = 3; }
//	message RecordResponse    { bool found = 1; google.protobuf.Struct record = 2; }
//	message PutRequest        { string collection = 1; string index = 2; google.protobuf.Struct record = 3; }
//	message PutResponse       { int64 id = 1; }
//	message DeleteRequest     { string collection = 1; int64 id = 2; }
//	message DeleteResponse    { bool deleted = 1; }
//	message QueryRequest      { string collection = 1; google.protobuf.Struct spec = 2; string op = 3; }
//	message QueryResponse     { repeated google.protobuf.Struct records = 1; int64 count = 2; }
func cacheFileProto() *descriptorpb.FileDescriptorProto {
	const (
		str   = descriptorpb.FieldDescriptorProto_TYPE_STRING
		i64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
		boolT = descriptorpb.FieldDescriptorProto_TYPE_BOOL

		structType = ".google.protobuf.Struct"
		valueType  = ".google.protobuf.Value"
	)
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String(protoFile),
		Package:    proto.String(protoPackage),
		Dependency: []string{"google/protobuf/struct.proto"},
		Syntax:     proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			messageProto("GetRequest", scalar("collection", 1, str), scalar("id", 2, i64)),
			messageProto("GetByIndexRequest", scalar("collection", 1, str), scalar("index", 2, str), nested("key", 3, valueType, true)),
			messageProto("RecordResponse", scalar("found", 1, boolT), nested("record", 2, structType, false)),
			messageProto("PutRequest", scalar("collection", 1, str), scalar("index", 2, str), nested("record", 3, structType, false)),
			messageProto("PutResponse", scalar("id", 1, i64)),
			messageProto("DeleteRequest", scalar("collection", 1, str), scalar("id", 2, i64)),
			messageProto("DeleteResponse", scalar("deleted", 1, boolT)),
			messageProto("QueryRequest", scalar("collection", 1, str), nested("spec", 2, structType, false), scalar("op", 3, str)),
			messageProto("QueryResponse", nested("records", 1, structType, true), scalar("count", 2, i64)),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("Cache"),
			Method: []*descriptorpb.MethodDescriptorProto{
				methodProto("Get", "GetRequest", "RecordResponse"),
				methodProto("GetByIndex", "GetByIndexRequest", "RecordResponse"),
				methodProto("Put", "PutRequest", "PutResponse"),
				methodProto("Delete", "DeleteRequest", "DeleteResponse"),
				methodProto("Query", "QueryRequest", "QueryResponse"),
			},
		}},
	}
}

// CacheFile is the descriptor of the Cache service file.
var CacheFile protoreflect.FileDescriptor

var (
	getRequestDesc        protoreflect.MessageDescriptor
	getByIndexRequestDesc protoreflect.MessageDescriptor
	recordResponseDesc    protoreflect.MessageDescriptor
	putRequestDesc        protoreflect.MessageDescriptor
	putResponseDesc       protoreflect.MessageDescriptor
	deleteRequestDesc     protoreflect.MessageDescriptor
	deleteResponseDesc    protoreflect.MessageDescriptor
	queryRequestDesc      protoreflect.MessageDescriptor
	queryResponseDesc     protoreflect.MessageDescriptor
)

func init() {
	fd, err := protodesc.NewFile(cacheFileProto(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("grpc: invalid %s: %v", protoFile, err))
	}
	CacheFile = fd
	msgs := fd.Messages()
	getRequestDesc = msgs.ByName("GetRequest")
	getByIndexRequestDesc = msgs.ByName("GetByIndexRequest")
	recordResponseDesc = msgs.ByName("RecordResponse")
	putRequestDesc = msgs.ByName("PutRequest")
	putResponseDesc = msgs.ByName("PutResponse")
	deleteRequestDesc = msgs.ByName("DeleteRequest")
	deleteResponseDesc = msgs.ByName("DeleteResponse")
	queryRequestDesc = msgs.ByName("QueryRequest")
	queryResponseDesc = msgs.ByName("QueryResponse")
}

// wireMessage converts between an API struct and its dynamic protobuf
// form.
type wireMessage interface {
	descriptor() protoreflect.MessageDescriptor
	encode(m *dynamicpb.Message)
	decode(m *dynamicpb.Message) error
}

func toWire(msg wireMessage) *dynamicpb.Message {
	m := dynamicpb.NewMessage(msg.descriptor())
	msg.encode(m)
	return m
}

func field(m *dynamicpb.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(name)
}

func getString(m *dynamicpb.Message, name protoreflect.Name) string {
	return m.Get(field(m, name)).String()
}

func getInt(m *dynamicpb.Message, name protoreflect.Name) int64 {
	return m.Get(field(m, name)).Int()
}

func getBool(m *dynamicpb.Message, name protoreflect.Name) bool {
	return m.Get(field(m, name)).Bool()
}

func setString(m *dynamicpb.Message, name protoreflect.Name, s string) {
	m.Set(field(m, name), protoreflect.ValueOfString(s))
}

func setInt(m *dynamicpb.Message, name protoreflect.Name, i int64) {
	m.Set(field(m, name), protoreflect.ValueOfInt64(i))
}

func setBool(m *dynamicpb.Message, name protoreflect.Name, b bool) {
	m.Set(field(m, name), protoreflect.ValueOfBool(b))
}

// convert copies src into dst through the wire format. Nested messages of
// a decoded dynamic message are dynamic themselves, not the generated
// well-known types.
func convert[T proto.Message](src proto.Message, dst T) (T, error) {
	if typed, ok := src.(T); ok {
		return typed, nil
	}
	data, err := proto.Marshal(src)
	if err != nil {
		return dst, err
	}
	return dst, proto.Unmarshal(data, dst)
}

func setStruct(m *dynamicpb.Message, name protoreflect.Name, s *structpb.Struct) {
	if s != nil {
		m.Set(field(m, name), protoreflect.ValueOfMessage(s.ProtoReflect()))
	}
}

func getStruct(m *dynamicpb.Message, name protoreflect.Name) (*structpb.Struct, error) {
	fd := field(m, name)
	if !m.Has(fd) {
		return nil, nil
	}
	return convert(m.Get(fd).Message().Interface(), new(structpb.Struct))
}

func appendList[T proto.Message](m *dynamicpb.Message, name protoreflect.Name, items []T) {
	if len(items) == 0 {
		return
	}
	list := m.Mutable(field(m, name)).List()
	for _, item := range items {
		list.Append(protoreflect.ValueOfMessage(item.ProtoReflect()))
	}
}

func getList[T proto.Message](m *dynamicpb.Message, name protoreflect.Name, alloc func() T) ([]T, error) {
	list := m.Get(field(m, name)).List()
	if list.Len() == 0 {
		return nil, nil
	}
	out := make([]T, list.Len())
	for i := range out {
		item, err := convert(list.Get(i).Message().Interface(), alloc())
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

// GetRequest asks for one record by id.
type GetRequest struct {
	Collection string
	ID         int64
}

func (*GetRequest) descriptor() protoreflect.MessageDescriptor { return getRequestDesc }

func (r *GetRequest) encode(m *dynamicpb.Message) {
	setString(m, "collection", r.Collection)
	setInt(m, "id", r.ID)
}

func (r *GetRequest) decode(m *dynamicpb.Message) error {
	r.Collection = getString(m, "collection")
	r.ID = getInt(m, "id")
	return nil
}

// GetByIndexRequest asks for the record holding Key in a unique index.
type GetByIndexRequest struct {
	Collection string
	Index      string
	Key        []*structpb.Value
}

func (*GetByIndexRequest) descriptor() protoreflect.MessageDescriptor { return getByIndexRequestDesc }

func (r *GetByIndexRequest) encode(m *dynamicpb.Message) {
	setString(m, "collection", r.Collection)
	setString(m, "index", r.Index)
	appendList(m, "key", r.Key)
}

func (r *GetByIndexRequest) decode(m *dynamicpb.Message) (err error) {
	r.Collection = getString(m, "collection")
	r.Index = getString(m, "index")
	r.Key, err = getList(m, "key", func() *structpb.Value { return new(structpb.Value) })
	return err
}

// RecordResponse carries one record, or nothing when Found is false.
type RecordResponse struct {
	Found  bool
	Record *structpb.Struct
}

func (*RecordResponse) descriptor() protoreflect.MessageDescriptor { return recordResponseDesc }

func (r *RecordResponse) encode(m *dynamicpb.Message) {
	setBool(m, "found", r.Found)
	setStruct(m, "record", r.Record)
}

func (r *RecordResponse) decode(m *dynamicpb.Message) (err error) {
	r.Found = getBool(m, "found")
	r.Record, err = getStruct(m, "record")
	return err
}

// PutRequest stores Record. With Index set it replaces the record sharing
// its key in that unique index.
type PutRequest struct {
	Collection string
	Index      string
	Record     *structpb.Struct
}

func (*PutRequest) descriptor() protoreflect.MessageDescriptor { return putRequestDesc }

func (r *PutRequest) encode(m *dynamicpb.Message) {
	setString(m, "collection", r.Collection)
	setString(m, "index", r.Index)
	setStruct(m, "record", r.Record)
}

func (r *PutRequest) decode(m *dynamicpb.Message) (err error) {
	r.Collection = getString(m, "collection")
	r.Index = getString(m, "index")
	r.Record, err = getStruct(m, "record")
	return err
}

// PutResponse returns the id the record was stored under.
type PutResponse struct {
	ID int64
}

func (*PutResponse) descriptor() protoreflect.MessageDescriptor { return putResponseDesc }

func (r *PutResponse) encode(m *dynamicpb.Message) { setInt(m, "id", r.ID) }

func (r *PutResponse) decode(m *dynamicpb.Message) error {
	r.ID = getInt(m, "id")
	return nil
}

// DeleteRequest removes one record by id.
type DeleteRequest struct {
	Collection string
	ID         int64
}

func (*DeleteRequest) descriptor() protoreflect.MessageDescriptor { return deleteRequestDesc }

func (r *DeleteRequest) encode(m *dynamicpb.Message) {
	setString(m, "collection", r.Collection)
	setInt(m, "id", r.ID)
}

func (r *DeleteRequest) decode(m *dynamicpb.Message) error {
	r.Collection = getString(m, "collection")
	r.ID = getInt(m, "id")
	return nil
}

// DeleteResponse reports whether a record was removed.
type DeleteResponse struct {
	Deleted bool
}

func (*DeleteResponse) descriptor() protoreflect.MessageDescriptor { return deleteResponseDesc }

func (r *DeleteResponse) encode(m *dynamicpb.Message) { setBool(m, "deleted", r.Deleted) }

func (r *DeleteResponse) decode(m *dynamicpb.Message) error {
	r.Deleted = getBool(m, "deleted")
	return nil
}

// QueryRequest runs a query spec. Op is find, count or delete.
type QueryRequest struct {
	Collection string
	Spec       *structpb.Struct
	Op         string
}

func (*QueryRequest) descriptor() protoreflect.MessageDescriptor { return queryRequestDesc }

func (r *QueryRequest) encode(m *dynamicpb.Message) {
	setString(m, "collection", r.Collection)
	setStruct(m, "spec", r.Spec)
	setString(m, "op", r.Op)
}

func (r *QueryRequest) decode(m *dynamicpb.Message) (err error) {
	r.Collection = getString(m, "collection")
	r.Op = getString(m, "op")
	r.Spec, err = getStruct(m, "spec")
	return err
}

// QueryResponse holds the matches of a find, or only Count otherwise.
type QueryResponse struct {
	Records []*structpb.Struct
	Count   int
}

func (*QueryResponse) descriptor() protoreflect.MessageDescriptor { return queryResponseDesc }

func (r *QueryResponse) encode(m *dynamicpb.Message) {
	appendList(m, "records", r.Records)
	setInt(m, "count", int64(r.Count))
}

func (r *QueryResponse) decode(m *dynamicpb.Message) (err error) {
	r.Count = int(getInt(m, "count"))
	r.Records, err = getList(m, "records", func() *structpb.Struct { return new(structpb.Struct) })
	return err
}
