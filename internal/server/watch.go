package server

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bchess/mem-etcd/internal/mvcc"
	"github.com/bchess/mem-etcd/internal/watchsession"
)

// WatchServer implements etcdserverpb.WatchServer, one bidi stream per
// client, each stream backed by its own watchsession.Session. It supports a
// single watch per stream, matching the reference engine's watch_service.rs
// rather than etcd upstream's per-stream multiplexing of many watches.
type WatchServer struct {
	etcdserverpb.UnimplementedWatchServer
	store *mvcc.Store
	log   *logrus.Logger
}

func NewWatchServer(store *mvcc.Store, log *logrus.Logger) *WatchServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WatchServer{store: store, log: log}
}

func (s *WatchServer) Watch(stream etcdserverpb.Watch_WatchServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	create := first.GetCreateRequest()
	if create == nil {
		return status.Error(codes.InvalidArgument, "first watch message must be a create request")
	}

	sess, msgs, err := watchsession.Create(s.store, create.Key, create.RangeEnd, create.StartRevision, create.PrevKv)
	if err != nil {
		// Mirrors the reference engine: a watch that can't be created still
		// gets exactly one response, carrying the compaction revision
		// instead of an RPC error, so clients learn about it the same way
		// etcd itself reports it.
		return stream.Send(&etcdserverpb.WatchResponse{
			Header:          &etcdserverpb.ResponseHeader{Revision: s.store.CurrentRevision()},
			Canceled:        true,
			CompactRevision: s.store.CompactedRevision(),
		})
	}

	s.log.WithFields(logrus.Fields{
		"watch_id":  sess.WatchID,
		"key":       string(create.Key),
		"range_end": string(create.RangeEnd),
		"revision":  create.StartRevision,
	}).Info("watch stream opened")

	for _, m := range msgs {
		if err := stream.Send(toWatchResponse(sess.WatchID, m)); err != nil {
			sess.Cancel()
			return err
		}
	}

	ctx, cancelCtx := context.WithCancel(stream.Context())
	defer cancelCtx()

	progressRequested := make(chan struct{}, 1)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErr <- err
				cancelCtx()
				return
			}
			switch u := msg.RequestUnion.(type) {
			case *etcdserverpb.WatchRequest_CancelRequest:
				if u.CancelRequest.WatchId == sess.WatchID {
					recvErr <- io.EOF
					cancelCtx()
					return
				}
			case *etcdserverpb.WatchRequest_ProgressRequest:
				select {
				case progressRequested <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		msg, ok, err := sess.Next(ctx, progressRequested)
		if !ok {
			sess.Cancel()
			select {
			case recvd := <-recvErr:
				if recvd == io.EOF {
					return nil
				}
				return recvd
			default:
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
		if err := stream.Send(toWatchResponse(sess.WatchID, msg)); err != nil {
			sess.Cancel()
			return err
		}
	}
}

func toWatchResponse(watchID int64, m watchsession.Message) *etcdserverpb.WatchResponse {
	resp := &etcdserverpb.WatchResponse{
		Header:  &etcdserverpb.ResponseHeader{Revision: m.Revision},
		WatchId: watchID,
		Created: m.Created,
	}
	if len(m.Events) == 0 {
		return resp
	}
	resp.Events = make([]*mvccpb.Event, len(m.Events))
	for i, ev := range m.Events {
		typ := mvccpb.PUT
		if ev.IsDelete {
			typ = mvccpb.DELETE
		}
		pbEvent := &mvccpb.Event{Type: typ, Kv: toPBKeyValue(ev.KV)}
		if ev.PrevKV != nil {
			pbEvent.PrevKv = toPBKeyValue(*ev.PrevKV)
		}
		resp.Events[i] = pbEvent
	}
	return resp
}
