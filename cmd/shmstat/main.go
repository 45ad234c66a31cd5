/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// shmstat prints the header and slot table of a live transport pool
// segment. It maps the segment read-only, so it can be pointed at a pool
// owned by a running daemon without disturbing it.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc/codes"

	"github.com/QPC-github/celix/internal/transport/shm"
)

func main() {
	app := cli.NewApp()
	app.Name = "shmstat"
	app.Usage = "Inspect a shared memory transport pool segment"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "segment name, as in /dev/shm/celix_shm_<name>",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "all",
			Usage: "list idle slots too",
		},
	}
	app.Action = func(c *cli.Context) error {
		return run(c.String("name"), c.Bool("all"))
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(name string, all bool) error {
	seg, err := shm.InspectSegment(name)
	if err != nil {
		return err
	}
	defer seg.Close()

	fmt.Printf("segment:  %s\n", seg.Path)
	fmt.Printf("version:  %d\n", seg.H.Version())
	fmt.Printf("pool:     %d bytes, %d slots, stride %d, buffer %d\n",
		seg.H.PoolSize(), seg.H.SlotCount(), seg.H.SlotStride(), seg.H.BufferCapacity())
	fmt.Printf("creator:  pid %d\n", seg.H.CreatorPID())
	fmt.Printf("closed:   %v\n", seg.H.Closed())
	fmt.Println()

	return printSlots(seg, all)
}

func printSlots(seg *shm.Segment, all bool) error {
	counts := make(map[uint32]int)
	shown := 0

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "slot\tepoch\tstate\tmeta\trequest\treply\tabend")

	n := seg.H.SlotCount()
	for i := uint32(0); i < n; i++ {
		slot, err := seg.Slot(i)
		if err != nil {
			return err
		}
		word := slot.Word()
		state := shm.WordState(word)
		counts[state]++
		if state == shm.StateIdle && !all {
			continue
		}
		shown++

		abend := "-"
		if state == shm.StateAbend {
			abend = codes.Code(slot.AbendCode()).String()
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%d\t%s\n",
			i, shm.WordEpoch(word), shm.StateName(state),
			slot.MetaSize(), slot.RequestSize(), slot.ReplySize(), abend)
	}
	if shown > 0 {
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Println()
	}

	fmt.Println(summarize(counts, n))
	return nil
}

// summarize renders per-state slot counts in state order.
func summarize(counts map[uint32]int, total uint32) string {
	var parts []string
	for s := uint32(0); s < 8; s++ {
		if c := counts[s]; c > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c, shm.StateName(s)))
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d slots", total)
	}
	return fmt.Sprintf("%d slots: %s", total, strings.Join(parts, ", "))
}
