// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package ops

import (
	"context"
	"fmt"

	"github.com/alekLukanen/ChapterhouseQE/batch"
	"github.com/alekLukanen/ChapterhouseQE/expr"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

// Filter drops the rows of each incoming batch that do
// not satisfy the node's predicate.
type Filter struct{}

func (*Filter) Run(ctx context.Context, env *Env) error {
	if env.Node.Pred == nil {
		return fmt.Errorf("%w: filter has no predicate", ErrBadAssignment)
	}
	return runTransform(ctx, env, func(in batch.Batch) (batch.Batch, error) {
		keep, err := expr.EvalBool(in.Record(), env.Node.Pred)
		if err != nil {
			return batch.Batch{}, err
		}
		if len(keep) == int(in.Rows()) {
			in.Retain()
			return in, nil
		}
		return in.Take(env.Alloc, keep)
	})
}

// Project evaluates the node's output expressions over
// each incoming batch.
type Project struct{}

func (*Project) Run(ctx context.Context, env *Env) error {
	if len(env.Node.Cols) == 0 {
		return fmt.Errorf("%w: project has no columns", ErrBadAssignment)
	}
	return runTransform(ctx, env, func(in batch.Batch) (batch.Batch, error) {
		rec, err := expr.Project(env.Alloc, in.Record(), env.Node.Cols)
		if err != nil {
			return batch.Batch{}, err
		}
		out := batch.FromRecord(rec)
		rec.Release()
		return out, nil
	})
}

// runTransform is the shared loop of the mid-pipeline
// operators: take a batch from the upstream exchange,
// acknowledge it, apply fn, and emit the result toward
// the downstream exchange.
func runTransform(ctx context.Context, env *Env, fn func(batch.Batch) (batch.Batch, error)) error {
	em, err := newEmitter(env)
	if err != nil {
		return err
	}
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	peers := append(append([]wire.OperatorID{}, env.Upstream...), em.target)
	go heartbeatLoop(hbCtx, env, peers)

	if err := em.waitReady(ctx); err != nil {
		return err
	}
	var rows int64
	seen := make(map[uint64]struct{})
	for {
		msg, err := em.next(ctx)
		if err != nil {
			return err
		}
		switch body := msg.Body.(type) {
		case *wire.Data:
			if err := ackData(env, msg, body); err != nil {
				return err
			}
			if _, dup := seen[body.Seq]; dup {
				continue
			}
			seen[body.Seq] = struct{}{}
			markProcessing(ctx)
			in, err := batch.FromData(body, env.Alloc)
			if err != nil {
				return fmt.Errorf("ops: %s: decode seq %d: %w", env.Self, body.Seq, err)
			}
			out, err := fn(in)
			in.Release()
			if err != nil {
				return fmt.Errorf("ops: %s: seq %d: %w", env.Self, body.Seq, err)
			}
			if out.Rows() == 0 {
				out.Release()
				markIdle(ctx)
				continue
			}
			d, err := out.ToData(0, 0, env.Compression)
			n := out.Rows()
			out.Release()
			if err != nil {
				return err
			}
			if err := em.send(ctx, d); err != nil {
				return err
			}
			rows += n
			markIdle(ctx)
		case *wire.Completion:
			return em.finish(ctx, rows)
		case *wire.Heartbeat, *wire.ExchangeReady:
			// ignore
		default:
			env.errorf("ops: %s: unexpected %s", env.Self, msg.Body.Kind())
		}
	}
}

// ackData acknowledges one received batch back to its
// sender.
func ackData(env *Env, msg *wire.Message, d *wire.Data) error {
	rep := wire.New(&wire.Ack{Seq: d.Seq, Epoch: d.Epoch}).
		WithQuery(env.Query).
		WithFrom(env.Self).
		WithFromWorker(env.Worker).
		WithTo(msg.From).
		WithToWorker(msg.FromWorker)
	return env.Route(rep)
}
