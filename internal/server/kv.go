package server

import (
	"context"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bchess/mem-etcd/internal/mvcc"
)

// KVServer implements etcdserverpb.KVServer directly against an
// internal/mvcc.Store, following the shape (and the deliberate
// simplifications) of the reference engine's kv_service.rs: Txn supports
// exactly one compare, one success op, and at most one failure op.
type KVServer struct {
	etcdserverpb.UnimplementedKVServer
	store *mvcc.Store
}

func NewKVServer(store *mvcc.Store) *KVServer {
	return &KVServer{store: store}
}

func toPBKeyValue(kv mvcc.KeyValue) *mvccpb.KeyValue {
	return &mvccpb.KeyValue{
		Key:            kv.Key,
		Value:          kv.Value,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Version:        kv.Version,
	}
}

func (s *KVServer) Range(ctx context.Context, req *etcdserverpb.RangeRequest) (*etcdserverpb.RangeResponse, error) {
	limit := req.Limit
	if req.CountOnly {
		limit = 0
	}

	res, err := s.store.Range(req.Key, req.RangeEnd, req.Revision, limit, req.CountOnly)
	if err != nil {
		return nil, toStatus(err)
	}

	more := !req.CountOnly && req.Limit > 0 && res.Count > req.Limit

	kvs := make([]*mvccpb.KeyValue, len(res.KVs))
	for i, kv := range res.KVs {
		kvs[i] = toPBKeyValue(kv)
	}

	return &etcdserverpb.RangeResponse{
		Header: &etcdserverpb.ResponseHeader{Revision: res.LatestRev},
		Kvs:    kvs,
		More:   more,
		Count:  res.Count,
	}, nil
}

func (s *KVServer) Put(ctx context.Context, req *etcdserverpb.PutRequest) (*etcdserverpb.PutResponse, error) {
	rev, failure, err := s.store.Set(ctx, req.Key, req.Value, nil)
	if err != nil {
		return nil, toStatus(err)
	}
	if failure != nil {
		// Put never passes a precondition, so the store should never refuse
		// it; a non-nil failure here would mean an engine bug, not a bad
		// request.
		return nil, status.Error(codes.Internal, "put: unconditional write was refused")
	}
	return &etcdserverpb.PutResponse{Header: &etcdserverpb.ResponseHeader{Revision: rev}}, nil
}

func (s *KVServer) DeleteRange(ctx context.Context, req *etcdserverpb.DeleteRangeRequest) (*etcdserverpb.DeleteRangeResponse, error) {
	if len(req.RangeEnd) > 0 {
		return nil, status.Error(codes.InvalidArgument, "deleteRange: range_end is not supported, only single-key delete")
	}

	rev, _, err := s.store.Delete(ctx, req.Key, nil)
	if err != nil {
		return nil, toStatus(err)
	}
	return &etcdserverpb.DeleteRangeResponse{
		Header:  &etcdserverpb.ResponseHeader{Revision: rev},
		Deleted: 1,
	}, nil
}

func (s *KVServer) Compact(ctx context.Context, req *etcdserverpb.CompactionRequest) (*etcdserverpb.CompactionResponse, error) {
	if err := s.store.Compact(req.Revision); err != nil {
		return nil, toStatus(err)
	}
	return &etcdserverpb.CompactionResponse{Header: &etcdserverpb.ResponseHeader{Revision: s.store.CurrentRevision()}}, nil
}

// Txn supports exactly the subset of etcd's Txn the reference engine does:
// one Compare against ModRevision or Version, one success op (Put or
// DeleteRange), and at most one failure op (a single-key RequestRange
// matching the compare's key). Anything wider is rejected up front rather
// than silently narrowed.
func (s *KVServer) Txn(ctx context.Context, req *etcdserverpb.TxnRequest) (*etcdserverpb.TxnResponse, error) {
	if len(req.Compare) != 1 {
		return nil, status.Error(codes.InvalidArgument, "txn: exactly one compare is supported")
	}
	cmp := req.Compare[0]
	if cmp.Result != etcdserverpb.Compare_EQUAL || len(cmp.RangeEnd) > 0 {
		return nil, status.Error(codes.InvalidArgument, "txn: only an equality compare on a single key is supported")
	}

	var required mvcc.Required
	switch tu := cmp.TargetUnion.(type) {
	case *etcdserverpb.Compare_ModRevision:
		required.RequiredLastRevision = &tu.ModRevision
	case *etcdserverpb.Compare_Version:
		required.RequiredVersion = &tu.Version
	default:
		return nil, status.Error(codes.InvalidArgument, "txn: compare target must be MOD or VERSION")
	}

	if len(req.Success) != 1 {
		return nil, status.Error(codes.InvalidArgument, "txn: exactly one success op is supported")
	}
	if len(req.Failure) > 1 {
		return nil, status.Error(codes.InvalidArgument, "txn: at most one failure op is supported")
	}
	if len(req.Failure) == 1 {
		rangeOp, ok := req.Failure[0].Request.(*etcdserverpb.RequestOp_RequestRange)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "txn: failure op must be a range request")
		}
		if len(rangeOp.RequestRange.RangeEnd) > 0 {
			return nil, status.Error(codes.InvalidArgument, "txn: failure range_end is not supported")
		}
		if string(rangeOp.RequestRange.Key) != string(cmp.Key) {
			return nil, status.Error(codes.InvalidArgument, "txn: failure op key must match the compare key")
		}
	}

	var rev int64
	var failure *mvcc.Failure
	var err error
	isDelete := false

	switch op := req.Success[0].Request.(type) {
	case *etcdserverpb.RequestOp_RequestPut:
		put := op.RequestPut
		if string(put.Key) != string(cmp.Key) {
			return nil, status.Error(codes.InvalidArgument, "txn: success put key must match the compare key")
		}
		rev, failure, err = s.store.Set(ctx, put.Key, put.Value, &required)
	case *etcdserverpb.RequestOp_RequestDeleteRange:
		isDelete = true
		del := op.RequestDeleteRange
		if len(del.RangeEnd) > 0 {
			return nil, status.Error(codes.InvalidArgument, "txn: success deleteRange range_end is not supported")
		}
		if string(del.Key) != string(cmp.Key) {
			return nil, status.Error(codes.InvalidArgument, "txn: success deleteRange key must match the compare key")
		}
		rev, failure, err = s.store.Set(ctx, del.Key, nil, &required)
	default:
		return nil, status.Error(codes.InvalidArgument, "txn: success op must be put or deleteRange")
	}
	if err != nil {
		return nil, toStatus(err)
	}

	if failure != nil {
		return txnFailureResponse(req, failure), nil
	}
	return txnSuccessResponse(rev, isDelete), nil
}

func txnFailureResponse(req *etcdserverpb.TxnRequest, failure *mvcc.Failure) *etcdserverpb.TxnResponse {
	var responses []*etcdserverpb.ResponseOp
	if len(req.Failure) == 1 {
		var kvs []*mvccpb.KeyValue
		if failure.CurrentKV != nil {
			kvs = []*mvccpb.KeyValue{toPBKeyValue(*failure.CurrentKV)}
		}
		responses = []*etcdserverpb.ResponseOp{{
			Response: &etcdserverpb.ResponseOp_ResponseRange{
				ResponseRange: &etcdserverpb.RangeResponse{
					Header: &etcdserverpb.ResponseHeader{Revision: failure.CurrentRevision},
					Kvs:    kvs,
					Count:  int64(len(kvs)),
				},
			},
		}}
	}
	// No failure op was provided: responses stays empty, matching the
	// reference engine's documented deviation from upstream etcd.
	return &etcdserverpb.TxnResponse{
		Header:    &etcdserverpb.ResponseHeader{Revision: failure.CurrentRevision},
		Responses: responses,
		Succeeded: false,
	}
}

func txnSuccessResponse(rev int64, isDelete bool) *etcdserverpb.TxnResponse {
	var op *etcdserverpb.ResponseOp
	if isDelete {
		op = &etcdserverpb.ResponseOp{Response: &etcdserverpb.ResponseOp_ResponseDeleteRange{
			ResponseDeleteRange: &etcdserverpb.DeleteRangeResponse{
				Header:  &etcdserverpb.ResponseHeader{Revision: rev},
				Deleted: 0, // TODO: the engine doesn't report a per-txn deleted count
			},
		}}
	} else {
		op = &etcdserverpb.ResponseOp{Response: &etcdserverpb.ResponseOp_ResponsePut{
			ResponsePut: &etcdserverpb.PutResponse{Header: &etcdserverpb.ResponseHeader{Revision: rev}},
		}}
	}
	return &etcdserverpb.TxnResponse{
		Header:    &etcdserverpb.ResponseHeader{Revision: rev},
		Responses: []*etcdserverpb.ResponseOp{op},
		Succeeded: true,
	}
}
