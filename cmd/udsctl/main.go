// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command udsctl creates, inspects, verifies, and benchmarks a UDS
// deduplication index volume.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/udsvolume/uds/blockdevice"
	"github.com/udsvolume/uds/chapter"
	"github.com/udsvolume/uds/geometry"
	"github.com/udsvolume/uds/index"
	"github.com/udsvolume/uds/logger"
	"github.com/udsvolume/uds/request"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "create":
		create(os.Args[2:])
	case "inspect":
		inspect(os.Args[2:])
	case "verify":
		verify(os.Args[2:])
	case "bench":
		bench(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: udsctl <command> [args...]
commands:
  create  -config cfg.yaml -volume path -state dir   create an empty index volume
  inspect -config cfg.yaml -volume path -state dir   print index state
  verify  -config cfg.yaml -volume path -state dir   load the index and report entries indexed
  bench   -config cfg.yaml [-n count]                time posts+queries against an in-memory volume`)
	os.Exit(2)
}

func loadGeometry(path string) geometry.Geometry {
	cfg := geometry.Default()
	if path != "" {
		doc, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("reading config: %v", err)
		}
		cfg, err = geometry.ParseConfig(doc)
		if err != nil {
			log.Fatal(err)
		}
	}
	g, err := cfg.Build()
	if err != nil {
		log.Fatal(err)
	}
	return g
}

func openVolume(g geometry.Geometry, path string) *blockdevice.File {
	dev, err := blockdevice.OpenFile(path, chapter.DevicePageCount(g), blockdevice.PageSize)
	if err != nil {
		log.Fatal(err)
	}
	return dev
}

func create(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	cfgPath := fs.String("config", "", "geometry config (yaml)")
	volPath := fs.String("volume", "uds.volume", "volume file")
	stateDir := fs.String("state", "uds.state", "state directory")
	fs.Parse(args)

	g := loadGeometry(*cfgPath)
	dev := openVolume(g, *volPath)
	defer dev.Close()
	ix, err := index.New(index.Config{
		Geometry: g,
		Device:   dev,
		StateDir: *stateDir,
		Logger:   logger.NewStd("udsctl: "),
	}, index.OpenCreate, nil)
	if err != nil {
		log.Fatal(err)
	}
	if err := ix.Save(); err != nil {
		log.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		log.Fatal(err)
	}
	log.Printf("created index %s: %d chapters x %d records", ix.InstanceID(), g.ChaptersPerVolume, g.RecordsPerChapter)
}

func inspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	cfgPath := fs.String("config", "", "geometry config (yaml)")
	volPath := fs.String("volume", "uds.volume", "volume file")
	stateDir := fs.String("state", "uds.state", "state directory")
	fs.Parse(args)

	g := loadGeometry(*cfgPath)
	dev := openVolume(g, *volPath)
	defer dev.Close()
	ix, err := index.New(index.Config{
		Geometry: g,
		Device:   dev,
		StateDir: *stateDir,
	}, index.OpenNoRebuild, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer ix.Close()
	snap := ix.Stats()
	log.Printf("instance:          %s", ix.InstanceID())
	log.Printf("entries indexed:   %d", snap.EntriesIndexed)
	log.Printf("collisions:        %d", snap.Collisions)
	log.Printf("entries discarded: %d", snap.EntriesDiscarded)
	log.Printf("memory used:       %d bytes", snap.MemoryUsed)
}

func verify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	cfgPath := fs.String("config", "", "geometry config (yaml)")
	volPath := fs.String("volume", "uds.volume", "volume file")
	stateDir := fs.String("state", "uds.state", "state directory")
	fs.Parse(args)

	g := loadGeometry(*cfgPath)
	dev := openVolume(g, *volPath)
	defer dev.Close()
	// OpenLoad restores a clean save when one exists; without one it
	// rebuilds by walking every chapter on the volume.
	ix, err := index.New(index.Config{
		Geometry: g,
		Device:   dev,
		StateDir: *stateDir,
		Logger:   logger.NewStd("udsctl: "),
	}, index.OpenLoad, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer ix.Close()
	snap := ix.Stats()
	log.Printf("volume readable; %d entries indexed", snap.EntriesIndexed)
}

func bench(args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	cfgPath := fs.String("config", "", "geometry config (yaml)")
	n := fs.Int("n", 100000, "operations per phase")
	fs.Parse(args)

	var g geometry.Geometry
	if *cfgPath != "" {
		g = loadGeometry(*cfgPath)
	} else {
		// A slimmer default than Default(): the in-memory device is
		// allocated eagerly, so keep the volume small.
		cfg := geometry.Default()
		cfg.ChaptersPerVolume = 64
		var err error
		g, err = cfg.Build()
		if err != nil {
			log.Fatal(err)
		}
	}
	dev := blockdevice.NewMem(chapter.DevicePageCount(g), blockdevice.PageSize)
	ix, err := index.New(index.Config{Geometry: g, Device: dev}, index.OpenCreate, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer ix.Close()

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		log.Fatal(err)
	}
	base := binary.LittleEndian.Uint64(seed[:])
	name := func(i int) (n request.Name) {
		binary.LittleEndian.PutUint64(n[:8], base+uint64(i))
		binary.LittleEndian.PutUint64(n[8:16], ^(base + uint64(i)))
		return n
	}

	run := func(typ request.Type) time.Duration {
		var wg sync.WaitGroup
		wg.Add(*n)
		start := time.Now()
		for i := 0; i < *n; i++ {
			req := &request.Request{
				Type:     typ,
				Name:     name(i),
				Callback: func(*request.Request) { wg.Done() },
			}
			if err := ix.Enqueue(req, index.StageTriage); err != nil {
				log.Fatal(err)
			}
		}
		wg.Wait()
		return time.Since(start)
	}

	post := run(request.Post)
	query := run(request.Query)
	log.Printf("post:  %d ops in %v (%.0f ops/s)", *n, post, float64(*n)/post.Seconds())
	log.Printf("query: %d ops in %v (%.0f ops/s)", *n, query, float64(*n)/query.Seconds())
}
