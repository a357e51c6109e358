// nidgen prints the NID for each function name given on the command line,
// optionally as Go table entries ready to paste into a module definition.
package main

import (
	"flag"
	"fmt"
	"log"

	"allegrex/pkg/hle"
)

func main() {
	asGo := flag.Bool("go", false, "emit hle.Function table entries")
	flag.Parse()

	names := flag.Args()
	if len(names) == 0 {
		log.Fatal("usage: nidgen [-go] name...")
	}

	for _, name := range names {
		nid := hle.NIDFromName(name)
		if *asGo {
			fmt.Printf("{NID: 0x%08X, Name: %q},\n", nid, name)
		} else {
			fmt.Printf("0x%08X  %s\n", nid, name)
		}
	}
}
