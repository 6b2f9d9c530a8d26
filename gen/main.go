package main

import (
	"fmt"
	"os"

	gen "github.com/whyrusleeping/cbor-gen"

	deadline "github.com/filecoin-project/go-deadline-state"
)

func main() {
	err := gen.WriteTupleEncodersToFile("./cbor_gen.go", "deadline",
		deadline.Deadline{},
		deadline.Partition{},
		deadline.ExpirationSet{},
		deadline.PowerPair{},
		deadline.SectorOnChainInfo{},
	)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
