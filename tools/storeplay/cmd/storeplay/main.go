package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"flowline/tools/storeplay"
)

func main() {
	dir := flag.String("dir", ".", "directory containing the psi store")
	name := flag.String("store", "", "store name to replay")
	streams := flag.String("streams", "", "comma-separated stream names to replay (default: all)")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "storeplay: -store is required")
		os.Exit(1)
	}

	var opts storeplay.Options
	if strings.TrimSpace(*streams) != "" {
		for _, s := range strings.Split(*streams, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				opts.StreamNames = append(opts.StreamNames, s)
			}
		}
	}

	count, err := storeplay.Play(*dir, *name, opts, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "storeplay: replayed %d messages\n", count)
}
