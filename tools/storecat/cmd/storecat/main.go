package main

import (
	"flag"
	"fmt"
	"os"

	"flowline/tools/storecat"
)

func main() {
	dir := flag.String("dir", ".", "directory containing psi stores")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	dumpPath := flag.String("dump", "", "write a zstd-compressed JSON catalog bundle to this path instead of printing")
	flag.Parse()

	entries, err := storecat.List(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *dumpPath != "" {
		bundle, err := storecat.DumpBundle(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := os.WriteFile(*dumpPath, bundle, 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if *jsonFlag {
		payload, err := storecat.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		live := ""
		if entry.Live {
			live = " (live)"
		}
		fmt.Printf("%s%s\n", entry.Name, live)
		for _, s := range entry.Streams {
			fmt.Printf("  [%d] %s : %s  messages=%d bytes=%d", s.ID, s.Name, s.TypeName, s.MessageCount, s.TotalBytes)
			if s.IsIndexed {
				fmt.Printf(" indexed")
			}
			if s.Closed {
				fmt.Printf(" closed")
			}
			fmt.Println()
		}
	}
}
