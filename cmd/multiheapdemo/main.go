// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Multiheapdemo exercises the allocator from the command line: it runs a
// small scripted scenario, then a randomized churn loop, printing the
// relocations and memory totals as they happen.
//
// Usage:
//
//	multiheapdemo [-variant physical|virtual] [-n cycles]
//
// The virtual variant needs the page-service device; pass -memfd to run
// it against the in-process emulation instead.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"

	"github.com/mhfit/multiheap"
	"github.com/mhfit/multiheap/pagesvc"
)

var (
	variant = flag.String("variant", "physical", "engine: physical or virtual")
	cycles  = flag.Int("n", 1000, "randomized churn cycles")
	memfd   = flag.Bool("memfd", false, "back the virtual variant with the memfd emulation")
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("multiheapdemo: ")
	flag.Parse()

	cfg := multiheap.Config{SMin: 1, SMax: 2048, NMax: 256, BMax: 1 << 20}
	switch *variant {
	case "physical":
		cfg.Variant = multiheap.Physical
	case "virtual":
		cfg.Variant = multiheap.Virtual
		if *memfd {
			svc, err := pagesvc.NewMemfd()
			if err != nil {
				log.Fatal(err)
			}
			defer svc.Close()
			cfg.Service = svc
		}
	default:
		log.Fatalf("unknown variant %q", *variant)
	}

	a, err := multiheap.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Final()

	scripted(a)
	churn(a, *cycles)
	fmt.Printf("final using_mem: %d bytes\n", a.UsingMem())
}

// scripted walks the hello-world sequence, showing a relocation.
func scripted(a multiheap.Allocator) {
	check(a.Allocate(0, 1024))
	check(a.Allocate(1, 1024))
	copy(a.Dereference(1), "Hello World")
	before := fmt.Sprintf("%p", &a.Dereference(1)[0])
	check(a.Deallocate(0))
	after := fmt.Sprintf("%p", &a.Dereference(1)[0])
	fmt.Printf("block 1 holds %q at %s (was %s)\n", a.Dereference(1)[:11], after, before)
	check(a.Deallocate(1))
}

// churn runs random allocate/free cycles and reports the memory total.
func churn(a multiheap.Allocator, n int) {
	rng := rand.New(rand.NewSource(42))
	live := make(map[uint32]bool)
	for i := 0; i < n; i++ {
		id := uint32(rng.Intn(256))
		if live[id] {
			check(a.Deallocate(id))
			delete(live, id)
		} else {
			check(a.Allocate(id, uint32(1+rng.Intn(2048))))
			live[id] = true
		}
	}
	fmt.Printf("after %d cycles, %d live blocks, using_mem %d bytes\n", n, len(live), a.UsingMem())
}

func check(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
