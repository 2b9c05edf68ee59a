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
	"errors"
	"fmt"
	"io"

	"github.com/alekLukanen/ChapterhouseQE/batch"
	"github.com/alekLukanen/ChapterhouseQE/plan"
	"github.com/alekLukanen/ChapterhouseQE/wire"
)

// ReadFiles is the leaf operator: it pulls record batches
// out of its assigned file shards and emits them toward
// the downstream exchange. Shards are dealt to sibling
// instances by the planner; an instance only ever touches
// its own share.
type ReadFiles struct{}

func (*ReadFiles) Run(ctx context.Context, env *Env) error {
	if env.Scanner == nil {
		return fmt.Errorf("%w: read_files has no scanner", ErrBadAssignment)
	}
	em, err := newEmitter(env)
	if err != nil {
		return err
	}
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go heartbeatLoop(hbCtx, env, []wire.OperatorID{em.target})

	if err := em.waitReady(ctx); err != nil {
		return err
	}
	var rows int64
	for _, shard := range env.Node.ShardsFor(env.Self.Instance) {
		n, err := em.emitShard(ctx, shard)
		if err != nil {
			return fmt.Errorf("ops: read %s: %w", shard, err)
		}
		rows += n
	}
	markIdle(ctx)
	return em.finish(ctx, rows)
}

func (e *emitter) emitShard(ctx context.Context, shard plan.FileShard) (int64, error) {
	it, err := e.env.Scanner.Scan(shard)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	var rows int64
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		markProcessing(ctx)
		b := batch.FromRecord(rec)
		rec.Release()
		d, err := b.ToData(0, 0, e.env.Compression)
		n := b.Rows()
		b.Release()
		if err != nil {
			return rows, err
		}
		if err := e.send(ctx, d); err != nil {
			return rows, err
		}
		rows += n
		markIdle(ctx)
	}
}
