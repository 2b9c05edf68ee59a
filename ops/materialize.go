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
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

// Materialize is the terminal operator: it acknowledges,
// deduplicates and persists every batch reaching it
// through the result writer collaborator, then reports
// the final row count to the coordinator.
type Materialize struct{}

func (*Materialize) Run(ctx context.Context, env *Env) error {
	if env.Writer == nil {
		return fmt.Errorf("%w: materialize has no result writer", ErrBadAssignment)
	}
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go heartbeatLoop(hbCtx, env, env.Upstream)

	var rows int64
	opened := false
	seen := make(map[uint64]struct{})
	defer env.Writer.Close()
	for {
		msg, err := env.Mailbox.Next(ctx)
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
			b, err := batch.FromData(body, env.Alloc)
			if err != nil {
				return fmt.Errorf("ops: %s: decode seq %d: %w", env.Self, body.Seq, err)
			}
			if !opened {
				if err := env.Writer.Open(env.Node.Sink, b.Schema()); err != nil {
					b.Release()
					return err
				}
				opened = true
			}
			err = env.Writer.Write(b.Record())
			n := b.Rows()
			b.Release()
			if err != nil {
				return fmt.Errorf("ops: %s: write seq %d: %w", env.Self, body.Seq, err)
			}
			rows += n
			markIdle(ctx)
		case *wire.Completion:
			if err := env.Writer.Close(); err != nil {
				return err
			}
			done := wire.New(&wire.Completion{Rows: rows}).
				WithQuery(env.Query).
				WithFrom(env.Self).
				WithFromWorker(env.Worker).
				WithToWorker(env.Coordinator)
			return env.Route(done)
		case *wire.CancelQuery:
			return fmt.Errorf("%w: %s", ErrCancelled, body.Cause)
		case *wire.Heartbeat, *wire.ExchangeReady, *wire.Ack:
			// ignore
		default:
			env.errorf("ops: %s: unexpected %s", env.Self, msg.Body.Kind())
		}
	}
}
